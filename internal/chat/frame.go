// ABOUTME: Live-channel frame codec: decodes inbound message/error frames, encodes outbound frames
// ABOUTME: Malformed input is reported as *ParseError so the read loop can log and continue

package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FrameKind distinguishes the frames the server sends.
type FrameKind int

const (
	// FrameMessage carries a persisted chat message.
	FrameMessage FrameKind = iota
	// FrameError reports that one of our outbound frames was rejected.
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameMessage:
		return "message"
	case FrameError:
		return "error"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame is a decoded inbound frame. Status and Errors are set only for
// error frames.
type Frame struct {
	Kind    FrameKind
	Message Message
	Status  string
	Errors  map[string]string
}

// wireFrame is the union of every inbound shape. Error frames come as
// {"status":"Bad Request","errors":{...}}, with "data" in place of "errors"
// on older servers, or tagged {"type":"error"}.
type wireFrame struct {
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	Errors         map[string]string `json:"errors"`
	Data           json.RawMessage   `json:"data"`
	ID             int64             `json:"id"`
	ConversationID int64             `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Text           string            `json:"text"`
	CreatedAt      time.Time         `json:"created_at"`
}

// DecodeFrame parses one inbound text frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return Frame{}, &ParseError{Raw: raw, Err: err}
	}

	if w.Type == "error" || w.Errors != nil || (w.Status != "" && w.ID == 0) {
		errs := w.Errors
		if errs == nil && len(w.Data) > 0 {
			// Best effort: a non-object data field leaves errs nil.
			_ = json.Unmarshal(w.Data, &errs)
		}
		return Frame{Kind: FrameError, Status: w.Status, Errors: errs}, nil
	}

	switch {
	case w.ID <= 0:
		return Frame{}, &ParseError{Raw: raw, Err: errors.New("missing id")}
	case w.ConversationID <= 0:
		return Frame{}, &ParseError{Raw: raw, Err: errors.New("missing conversation_id")}
	case w.CreatedAt.IsZero():
		return Frame{}, &ParseError{Raw: raw, Err: errors.New("missing created_at")}
	}

	return Frame{
		Kind: FrameMessage,
		Message: Message{
			ID:             w.ID,
			ConversationID: w.ConversationID,
			SenderID:       w.SenderID,
			Text:           w.Text,
			CreatedAt:      w.CreatedAt,
		},
	}, nil
}

// EncodeOutbound renders an outbound message as a live-channel frame.
func EncodeOutbound(m OutboundMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding outbound frame: %w", err)
	}
	return data, nil
}
