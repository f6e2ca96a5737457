// File: internal/inject/event.go
package inject

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/dakbox/dakbox-cli/internal/browser/dom"
)

// ErrFieldMismatch is returned when the field count fits neither a single-field nor a
// one-character-per-field fill.
var ErrFieldMismatch = errors.New("field count does not fit the value")

// Event is one synthetic DOM event dispatched on a field. All events bubble.
type Event struct {
	Type      string `json:"type"`
	Key       string `json:"key,omitempty"`
	InputType string `json:"inputType,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Write is everything applied to one field: an optional clear, the value written through the
// native setter, then Events in order.
type Write struct {
	Ref    string  `json:"ref"`
	Value  string  `json:"value"`
	Clear  bool    `json:"clear"`
	Events []Event `json:"events"`
}

// ClearEvent is dispatched after the field is emptied.
var ClearEvent = Event{Type: "input", InputType: "deleteContentBackward"}

// Sequence returns the events a real keystroke entering value would produce, in order:
// keydown, input carrying the text, keyup, change.
func Sequence(value string) []Event {
	return []Event{
		{Type: "keydown", Key: value},
		{Type: "input", InputType: "insertText", Data: value},
		{Type: "keyup", Key: value},
		{Type: "change"},
	}
}

// Assign maps code onto fields. One field receives the whole code. With at least as many fields
// as characters, the first len(code) fields receive one character each and the rest are untouched.
func Assign(refs []string, code string) ([]Write, error) {
	n := utf8.RuneCountInString(code)
	switch {
	case n == 0:
		return nil, fmt.Errorf("empty value")
	case len(refs) == 1:
		return []Write{newWrite(refs[0], code)}, nil
	case len(refs) >= n:
		writes := make([]Write, 0, n)
		i := 0
		for _, r := range code {
			writes = append(writes, newWrite(refs[i], string(r)))
			i++
		}
		return writes, nil
	default:
		return nil, fmt.Errorf("%w: %d fields for %d characters", ErrFieldMismatch, len(refs), n)
	}
}

func newWrite(ref, value string) Write {
	return Write{Ref: ref, Value: value, Clear: true, Events: Sequence(value)}
}

// Verify re-reads the written fields from a fresh snapshot and returns the refs whose value did
// not stick. Fields that disappeared count as mismatched.
func Verify(s *dom.Snapshot, writes []Write) []string {
	var bad []string
	for _, w := range writes {
		el := s.ByRef(w.Ref)
		if el == nil || el.Value() != w.Value {
			bad = append(bad, w.Ref)
		}
	}
	return bad
}
