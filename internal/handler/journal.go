package handler

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/engram/pkg/memory"
)

// journalEntry is the payload schema of a journal story's query messages.
type journalEntry struct {
	Entry string `json:"entry"`
}

// journalReflection is the payload schema of a journal story's response
// messages.
type journalReflection struct {
	Reflection string `json:"reflection"`
}

// Journal renders diary-style stories: the user writes entries and the
// assistant answers with reflections. Entries carry {"entry": …} and
// reflections {"reflection": …}.
type Journal struct{}

var _ Handler = Journal{}

// Name implements [Handler].
func (Journal) Name() string { return "journal" }

// MessageToString implements [Handler].
func (Journal) MessageToString(m memory.Message) (string, error) {
	switch m.ContentType {
	case memory.ContentTypeQuery:
		var c journalEntry
		if err := json.Unmarshal(m.Content, &c); err != nil {
			return "", fmt.Errorf("%w: journal entry: %v", ErrContentSchema, err)
		}
		if c.Entry == "" {
			return "", fmt.Errorf("%w: journal entry without text", ErrContentSchema)
		}
		return "Journal entry: " + c.Entry, nil

	case memory.ContentTypeResponse:
		var c journalReflection
		if err := json.Unmarshal(m.Content, &c); err != nil {
			return "", fmt.Errorf("%w: journal reflection: %v", ErrContentSchema, err)
		}
		if c.Reflection == "" {
			return "", fmt.Errorf("%w: journal reflection without text", ErrContentSchema)
		}
		return "Reflection: " + c.Reflection, nil

	default:
		return "", fmt.Errorf("%w: journal cannot render content type %q", ErrContentSchema, m.ContentType)
	}
}
