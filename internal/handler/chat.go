package handler

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/engram/pkg/memory"
)

// chatQuery is the payload schema of a chat story's query messages.
type chatQuery struct {
	Question string `json:"question"`
}

// chatResponse is the payload schema of a chat story's response messages.
type chatResponse struct {
	Answer string `json:"answer"`
}

// Chat renders plain question/answer conversations. Queries carry
// {"question": …} and render as "User: …"; responses carry {"answer": …} and
// render as "Assistant: …".
type Chat struct{}

var _ Handler = Chat{}

// Name implements [Handler].
func (Chat) Name() string { return "chat" }

// MessageToString implements [Handler].
func (Chat) MessageToString(m memory.Message) (string, error) {
	switch m.ContentType {
	case memory.ContentTypeQuery:
		var c chatQuery
		if err := json.Unmarshal(m.Content, &c); err != nil {
			return "", fmt.Errorf("%w: chat query: %v", ErrContentSchema, err)
		}
		if c.Question == "" {
			return "", fmt.Errorf("%w: chat query without question", ErrContentSchema)
		}
		return "User: " + c.Question, nil

	case memory.ContentTypeResponse:
		var c chatResponse
		if err := json.Unmarshal(m.Content, &c); err != nil {
			return "", fmt.Errorf("%w: chat response: %v", ErrContentSchema, err)
		}
		if c.Answer == "" {
			return "", fmt.Errorf("%w: chat response without answer", ErrContentSchema)
		}
		return "Assistant: " + c.Answer, nil

	default:
		return "", fmt.Errorf("%w: chat cannot render content type %q", ErrContentSchema, m.ContentType)
	}
}
