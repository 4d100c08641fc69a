package ui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/borak/pkg/bus"
	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/generation"
)

func newTestTerminal(echo bool) (*Terminal, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewTerminal(&buf, TerminalOptions{Width: 80, EchoUser: echo}), &buf
}

func TestTerminal_StreamingTurn(t *testing.T) {
	term, buf := newTestTerminal(false)

	user := chat.Message{Role: chat.RoleUser, Content: "hello"}
	placeholder := chat.Message{Role: chat.RoleAssistant, Model: "llama3.2"}
	term.Render(bus.Event{Kind: bus.KindPhase, Phase: string(generation.Generating)})
	term.Render(bus.Event{Kind: bus.KindMessageAppended, Index: 0, Message: &user})
	term.Render(bus.Event{Kind: bus.KindMessageAppended, Index: 1, Message: &placeholder})
	term.Render(bus.Event{Kind: bus.KindMessageUpdated, Index: 1, Delta: "Hi "})
	term.Render(bus.Event{Kind: bus.KindMessageUpdated, Index: 1, Delta: "there"})
	term.Render(bus.Event{Kind: bus.KindArtifactCounts, Counts: &chat.ArtifactCounts{Code: 1}})
	term.Render(bus.Event{Kind: bus.KindUsage, Usage: &chat.Usage{PromptTokens: 1, CompletionTokens: 2}})
	term.Render(bus.Event{Kind: bus.KindPhase, Phase: string(generation.Idle)})

	out := buf.String()
	require.NotContains(t, out, "you>")
	require.Contains(t, out, "assistant (llama3.2)> Hi there\n")
	require.Contains(t, out, "tokens: 1 prompt, 2 completion")
	require.Contains(t, out, "artifacts: 1 code, 0 thoughts, 0 documents")
	require.Equal(t, chat.ArtifactCounts{Code: 1}, term.Counts())
}

func TestTerminal_StoppedShowsContinueHint(t *testing.T) {
	term, buf := newTestTerminal(true)
	user := chat.Message{Role: chat.RoleUser, Content: "write", Attachments: []string{"aGk="}}
	term.Render(bus.Event{Kind: bus.KindPhase, Phase: string(generation.Generating)})
	term.Render(bus.Event{Kind: bus.KindMessageAppended, Message: &user})
	term.Render(bus.Event{Kind: bus.KindPhase, Phase: string(generation.Stopped), CanContinue: true})

	out := buf.String()
	require.Contains(t, out, "you> write")
	require.Contains(t, out, "[1 image(s)]")
	require.Contains(t, out, "/continue resumes")
}

func TestTerminal_HistoryAndNotices(t *testing.T) {
	term, buf := newTestTerminal(false)
	term.Render(bus.Event{Kind: bus.KindSessionCurrent, SessionID: "7"})
	term.Render(bus.Event{Kind: bus.KindHistoryLoaded, SessionID: "7", CanContinue: true, Messages: []chat.Message{
		{Role: chat.RoleUser, Content: "question"},
		{Role: chat.RoleAssistant, Content: "**answer**", Partial: true},
	}})
	term.Render(bus.Event{Kind: bus.KindNotice, Text: "model unavailable"})
	term.Render(bus.Event{Kind: bus.KindAuthRequired, Text: "history"})

	out := buf.String()
	require.Equal(t, chat.SessionID("7"), term.Session())
	require.Contains(t, out, "session 7, 2 message(s)")
	require.Contains(t, out, "question")
	require.Contains(t, out, "answer")
	require.Contains(t, out, "[partial]")
	require.Contains(t, out, "! model unavailable")
	require.Contains(t, out, "borak login")
}

func TestTerminal_ListsSessionsAndArtifacts(t *testing.T) {
	term, buf := newTestTerminal(false)
	term.PrintSessions()
	term.PrintArtifacts()
	require.Contains(t, buf.String(), "no sessions")
	require.Contains(t, buf.String(), "no artifacts")
	buf.Reset()

	term.Render(bus.Event{Kind: bus.KindSessionCurrent, SessionID: "2"})
	term.Render(bus.Event{Kind: bus.KindSessionsListed, Sessions: []chat.Session{
		{ID: "2", Name: "Current one", MessageCount: 4, Preview: "hello"},
		{ID: "1", Name: "Older", MessageCount: 1},
	}})
	set := chat.ArtifactSet{}
	set.Add(chat.Artifact{ID: 3, Type: "code", Title: "Go Code", Language: "go"})
	set.Add(chat.Artifact{ID: 5, Type: "thought", Title: "Reasoning"})
	counts := set.Counts()
	term.Render(bus.Event{Kind: bus.KindArtifactsLoaded, Artifacts: set, Counts: &counts})

	term.PrintSessions()
	term.PrintArtifacts()
	out := buf.String()
	require.Contains(t, out, "*    2  Current one")
	require.Contains(t, out, "     1  Older")
	require.Contains(t, out, "code (1)")
	require.Contains(t, out, "Go Code [go]")
	require.Contains(t, out, "thought (1)")
}

func TestFormatCountsAndTruncate(t *testing.T) {
	require.Equal(t, "artifacts: 1 code, 2 thoughts, 3 documents", FormatCounts(chat.ArtifactCounts{Code: 1, Thought: 2, Document: 3}))
	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "ab…", truncate("abcdef", 3))
}
