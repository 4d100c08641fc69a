package chatstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionTitle(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", "hello there", "Hello there"},
		{"prefix stripped", "Please write a haiku", "Write a haiku"},
		{"only one prefix", "can you please help", "Please help"},
		{"sentence break", "Fix this. Then that", "Fix this."},
		{"question break", "why? because", "Why?"},
		{"newline break", "first line\nsecond", "First line"},
		{"empty", "   ", "New Chat"},
		{"prefix needs trailing text", "help me ", "Help me"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, SessionTitle(tc.in))
		})
	}
}

func TestSessionTitle_TruncatesAtWord(t *testing.T) {
	in := strings.Repeat("word ", 20)
	got := SessionTitle(in)
	require.True(t, strings.HasSuffix(got, "..."))
	require.LessOrEqual(t, len([]rune(got)), 50)
	require.Equal(t, "Word word word word word word word word word...", got)
}
