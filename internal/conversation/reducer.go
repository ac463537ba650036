package conversation

import (
	"github.com/comigor/rfpdesk/internal/domain"
)

// The reducer functions below are pure: each returns a new slice and leaves
// its input untouched, so a snapshot handed to an observer never changes
// underneath it.

// Begin appends the user's question and an empty streaming placeholder.
func Begin(msgs []Message, question string) []Message {
	out := make([]Message, len(msgs), len(msgs)+2)
	copy(out, msgs)
	return append(out,
		Message{Role: domain.RoleUser, Content: question},
		Message{Role: domain.RoleAssistant, IsStreaming: true},
	)
}

// Reduce applies one stream event to the streaming placeholder. Events
// arriving when there is no streaming placeholder are dropped, which reports
// false.
func Reduce(msgs []Message, ev domain.StreamEvent) ([]Message, bool) {
	i, ok := streamingTarget(msgs)
	if !ok {
		return msgs, false
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	target := out[i]

	switch ev.Kind {
	case domain.EventChunk:
		target.Content += ev.Text
	case domain.EventDone:
		target.Content = ev.Text
		target.Citations = ev.Citations
		target.IsStreaming = false
	case domain.EventError:
		if target.Content == "" {
			target.Content = "Error: " + errorText(ev.Err)
		}
		target.IsStreaming = false
	default:
		return msgs, false
	}
	out[i] = target
	return out, true
}

// Stop ends streaming on the placeholder, keeping whatever content it has.
func Stop(msgs []Message) []Message {
	i, ok := streamingTarget(msgs)
	if !ok {
		return msgs
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	out[i].IsStreaming = false
	return out
}

// Displayable drops roles that never appear in a chat view.
func Displayable(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Displayable() {
			m.IsStreaming = false
			out = append(out, m)
		}
	}
	return out
}

// streamingTarget locates the last message when it is a streaming assistant
// message.
func streamingTarget(msgs []Message) (int, bool) {
	if len(msgs) == 0 {
		return 0, false
	}
	i := len(msgs) - 1
	last := msgs[i]
	return i, last.Role == domain.RoleAssistant && last.IsStreaming
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
