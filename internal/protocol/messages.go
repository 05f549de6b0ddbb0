package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/eleven-am/stylestream/internal/shared"
)

type MessageType string

const (
	MessageTypeAuth           MessageType = "auth"
	MessageTypePrompt         MessageType = "prompt"
	MessageTypeImagePrompt    MessageType = "image_prompt"
	MessageTypeReady          MessageType = "ready"
	MessageTypeError          MessageType = "error"
	MessageTypeStyleExtracted MessageType = "style_extracted"
)

// JSONMarker is the first byte of a JSON object travelling on the binary path.
const JSONMarker = 0x7B

func IsJSONPayload(data []byte) bool {
	return len(data) > 0 && data[0] == JSONMarker
}

type Outbound interface {
	MessageType() MessageType
}

type Auth struct {
	Prompt  string `json:"prompt"`
	APIKey  string `json:"api_key"`
	Enhance bool   `json:"enhance"`
}

func (Auth) MessageType() MessageType { return MessageTypeAuth }

type PromptUpdate struct {
	Prompt  string `json:"prompt"`
	Enhance bool   `json:"enhance"`
}

func (PromptUpdate) MessageType() MessageType { return MessageTypePrompt }

type ImagePrompt struct {
	ImageData string `json:"image_data"`
	Enhance   bool   `json:"enhance"`
}

func (ImagePrompt) MessageType() MessageType { return MessageTypeImagePrompt }

// Marshal encodes msg as a JSON text frame with its type field first.
func Marshal(msg Outbound) ([]byte, error) {
	switch m := msg.(type) {
	case Auth:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			Auth
		}{m.MessageType(), m})
	case PromptUpdate:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			PromptUpdate
		}{m.MessageType(), m})
	case ImagePrompt:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			ImagePrompt
		}{m.MessageType(), m})
	default:
		return nil, fmt.Errorf("marshal %T: %w", msg, shared.ErrUnknownMessage)
	}
}

type Usage struct {
	SecondsUsed      int `json:"seconds_used"`
	SecondsLimit     int `json:"seconds_limit"`
	SecondsRemaining int `json:"seconds_remaining"`
}

type Inbound interface {
	MessageType() MessageType
}

type Ready struct {
	SessionID string `json:"session_id"`
	Usage     *Usage `json:"usage,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

func (Ready) MessageType() MessageType { return MessageTypeReady }

type Error struct {
	Message string `json:"message"`
}

func (Error) MessageType() MessageType { return MessageTypeError }

type StyleExtracted struct {
	Prompt string `json:"prompt"`
}

func (StyleExtracted) MessageType() MessageType { return MessageTypeStyleExtracted }

func Parse(data []byte) (Inbound, error) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	switch base.Type {
	case MessageTypeReady:
		var msg Ready
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parse ready: %w", err)
		}
		return msg, nil
	case MessageTypeError:
		var msg Error
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parse error: %w", err)
		}
		return msg, nil
	case MessageTypeStyleExtracted:
		var msg StyleExtracted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parse style_extracted: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", shared.ErrUnknownMessage, base.Type)
	}
}
