// Package ui presents chat engine events: on a terminal, and to websocket clients.
package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/borak/pkg/bus"
	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/generation"
)

type TerminalOptions struct {
	// Color enables ANSI styling and glamour's themed markdown.
	Color bool
	Width int
	// EchoUser prints user messages as they are appended. The REPL leaves it off since the
	// user just typed them.
	EchoUser bool
}

type styles struct {
	user, assistant, dim, warn, err, accent lipgloss.Style
}

// Terminal prints engine events as a scrolling transcript.
type Terminal struct {
	out  io.Writer
	opts TerminalOptions

	st styles
	md *glamour.TermRenderer

	mu        sync.Mutex
	session   chat.SessionID
	phase     generation.Phase
	counts    chat.ArtifactCounts
	artifacts chat.ArtifactSet
	sessions  []chat.Session
	midLine   bool
}

func NewTerminal(out io.Writer, opts TerminalOptions) *Terminal {
	if opts.Width <= 0 {
		opts.Width = 100
	}
	r := lipgloss.NewRenderer(out)
	style := "notty"
	if opts.Color {
		style = "light"
		if termenv.HasDarkBackground() {
			style = "dark"
		}
	} else {
		r.SetColorProfile(termenv.Ascii)
	}

	t := &Terminal{
		out:  out,
		opts: opts,
		st: styles{
			user:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
			assistant: r.NewStyle().Bold(true).Foreground(lipgloss.Color("170")),
			dim:       r.NewStyle().Foreground(lipgloss.Color("245")),
			warn:      r.NewStyle().Foreground(lipgloss.Color("214")),
			err:       r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
			accent:    r.NewStyle().Foreground(lipgloss.Color("86")),
		},
		phase: generation.Idle,
	}
	md, err := glamour.NewTermRenderer(glamour.WithStandardStyle(style), glamour.WithWordWrap(opts.Width))
	if err != nil {
		log.Warn().Err(err).Str("component", "ui").Msg("markdown renderer unavailable, printing raw text")
	} else {
		t.md = md
	}
	return t
}

func (t *Terminal) Render(ev bus.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case bus.KindSessionCurrent:
		t.session = ev.SessionID
	case bus.KindSessionsListed:
		t.sessions = ev.Sessions
	case bus.KindHistoryLoaded:
		t.endLine()
		t.printHistory(ev.SessionID, ev.Messages, ev.CanContinue)
	case bus.KindMessageAppended:
		if ev.Message != nil {
			t.printAppended(*ev.Message)
		}
	case bus.KindMessageUpdated:
		if ev.Delta != "" {
			_, _ = io.WriteString(t.out, ev.Delta)
			t.midLine = !strings.HasSuffix(ev.Delta, "\n")
		}
	case bus.KindPhase:
		t.onPhase(generation.Phase(ev.Phase), ev.CanContinue)
	case bus.KindArtifactCounts:
		if ev.Counts != nil {
			t.counts = *ev.Counts
		}
	case bus.KindArtifactsLoaded:
		t.artifacts = ev.Artifacts
		if ev.Counts != nil {
			t.counts = *ev.Counts
		}
	case bus.KindUsage:
		if ev.Usage != nil {
			t.endLine()
			t.printf("%s\n", t.st.dim.Render(fmt.Sprintf("tokens: %d prompt, %d completion", ev.Usage.PromptTokens, ev.Usage.CompletionTokens)))
		}
	case bus.KindNotice:
		t.endLine()
		t.printf("%s\n", t.st.warn.Render("! "+ev.Text))
	case bus.KindAuthRequired:
		t.endLine()
		t.printf("%s\n", t.st.err.Render("not logged in: run `borak login`"))
	}
}

func (t *Terminal) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(t.out, format, args...)
}

func (t *Terminal) endLine() {
	if t.midLine {
		t.printf("\n")
		t.midLine = false
	}
}

func (t *Terminal) label(m chat.Message) string {
	if m.IsAssistant() {
		name := "assistant"
		if m.Model != "" {
			name += " (" + m.Model + ")"
		}
		return t.st.assistant.Render(name + ">")
	}
	return t.st.user.Render("you>")
}

func (t *Terminal) printAppended(m chat.Message) {
	t.endLine()
	if !m.IsAssistant() {
		if t.opts.EchoUser {
			t.printf("%s %s\n", t.label(m), m.Content)
			if n := len(m.Attachments); n > 0 {
				t.printf("%s\n", t.st.dim.Render(fmt.Sprintf("  [%d image(s)]", n)))
			}
		}
		return
	}
	t.printf("%s ", t.label(m))
	if m.Content != "" {
		_, _ = io.WriteString(t.out, m.Content)
		t.midLine = true
	}
}

func (t *Terminal) onPhase(p generation.Phase, canContinue bool) {
	prev := t.phase
	t.phase = p
	if prev != generation.Generating || p == generation.Generating {
		return
	}
	t.endLine()
	if c := t.counts; c.Total() > 0 {
		t.printf("%s\n", t.st.accent.Render(FormatCounts(c)))
	}
	if p == generation.Stopped && canContinue {
		t.printf("%s\n", t.st.dim.Render("[stopped, /continue resumes]"))
	}
}

func (t *Terminal) printHistory(id chat.SessionID, msgs []chat.Message, canContinue bool) {
	if id.IsZero() {
		t.printf("%s\n", t.st.dim.Render("new conversation"))
	} else {
		t.printf("%s\n", t.st.dim.Render(fmt.Sprintf("session %s, %d message(s)", id, len(msgs))))
	}
	for _, m := range msgs {
		t.printf("%s\n", t.label(m))
		if m.IsAssistant() {
			t.printf("%s", t.markdown(m.Content))
		} else {
			t.printf("%s\n", m.Content)
		}
		if m.Partial {
			t.printf("%s\n", t.st.dim.Render("[partial]"))
		}
	}
	if canContinue {
		t.printf("%s\n", t.st.dim.Render("[last reply was interrupted, /continue resumes]"))
	}
}

func (t *Terminal) markdown(s string) string {
	if t.md == nil {
		return s + "\n"
	}
	out, err := t.md.Render(s)
	if err != nil {
		return s + "\n"
	}
	return out
}

// Markdown renders s the way assistant replies are shown.
func (t *Terminal) Markdown(s string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.markdown(s)
}

// Session returns the session the engine last reported as current.
func (t *Terminal) Session() chat.SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Counts returns the artifact counts shown in the status line.
func (t *Terminal) Counts() chat.ArtifactCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts
}

// PrintSessions writes the last listed sessions, marking the current one.
func (t *Terminal) PrintSessions() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		t.printf("%s\n", t.st.dim.Render("no sessions"))
		return
	}
	for _, s := range t.sessions {
		mark := " "
		if s.ID == t.session {
			mark = "*"
		}
		line := fmt.Sprintf("%s %4s  %-30s %3d msg  %s", mark, s.ID, truncate(s.Name, 30), s.MessageCount, truncate(s.Preview, 40))
		if s.ID == t.session {
			line = t.st.accent.Render(line)
		}
		t.printf("%s\n", line)
	}
}

// PrintArtifacts writes the artifact index grouped by type.
func (t *Terminal) PrintArtifacts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.artifacts.Counts().Total() == 0 {
		t.printf("%s\n", t.st.dim.Render("no artifacts"))
		return
	}
	types := make([]string, 0, len(t.artifacts))
	for typ := range t.artifacts {
		types = append(types, string(typ))
	}
	sort.Strings(types)
	for _, typ := range types {
		list := t.artifacts[chat.ArtifactType(typ)]
		if len(list) == 0 {
			continue
		}
		t.printf("%s\n", t.st.assistant.Render(fmt.Sprintf("%s (%d)", typ, len(list))))
		for _, a := range list {
			lang := ""
			if a.Language != "" {
				lang = " [" + a.Language + "]"
			}
			t.printf("  %4d  %s%s\n", a.ID, a.Title, t.st.dim.Render(lang))
		}
	}
}

// FormatCounts is the one-line artifact summary.
func FormatCounts(c chat.ArtifactCounts) string {
	return fmt.Sprintf("artifacts: %d code, %d thoughts, %d documents", c.Code, c.Thought, c.Document)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
