package devserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/borak/pkg/chat"
)

// Turn is what a Responder sees of a generation request.
type Turn struct {
	Model   string
	History []chat.Message
	Images  []string
	// Continuation is set when the last history entry is a partial reply being resumed.
	Continuation bool
}

// Responder produces the assistant text that the server streams back in chunks.
type Responder interface {
	Respond(ctx context.Context, turn Turn) (string, error)
}

type ResponderFunc func(ctx context.Context, turn Turn) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, turn Turn) (string, error) { return f(ctx, turn) }

// EchoResponder answers with the last user message.
var EchoResponder = ResponderFunc(func(_ context.Context, turn Turn) (string, error) {
	if turn.Continuation {
		return " (continued)", nil
	}
	var last string
	for i := len(turn.History) - 1; i >= 0; i-- {
		if turn.History[i].Role == chat.RoleUser {
			last = turn.History[i].Content
			break
		}
	}
	reply := fmt.Sprintf("You said: %s", last)
	if len(turn.Images) > 0 {
		reply += fmt.Sprintf(" (with %d image(s))", len(turn.Images))
	}
	return reply, nil
})

// chunks splits text into word-sized pieces that concatenate back to text.
func chunks(text string) []string {
	if text == "" {
		return nil
	}
	return strings.SplitAfter(text, " ")
}
