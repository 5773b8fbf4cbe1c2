// ABOUTME: Transport frames exchanged with clients and operators over websockets.
// ABOUTME: Inbound frames are lenient (raw text accepted); outbound frames mirror envelopes.

package envelope

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// InboundFrame is what a client or operator sends.
type InboundFrame struct {
	Message  string `json:"message"`
	To       string `json:"to,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// IsMedia reports whether the frame carries a media reference.
func (f InboundFrame) IsMedia() bool {
	return f.FileURL != "" || f.MimeType != ""
}

// ParseInbound decodes a frame. Payloads that are not a JSON object are
// treated as plain message text.
func ParseInbound(data []byte) InboundFrame {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var f InboundFrame
		if err := json.Unmarshal(trimmed, &f); err == nil {
			f.To = strings.TrimSpace(f.To)
			return f
		}
	}
	return InboundFrame{Message: string(data)}
}

// OutboundFrame is what the relay writes to a participant.
// Message holds either a string or a list of strings.
type OutboundFrame struct {
	Type      Type   `json:"type"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Message   any    `json:"message"`
	FileURL   string `json:"file_url,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// FrameFromEnvelope renders an envelope for delivery to its recipient.
func FrameFromEnvelope(e Envelope) OutboundFrame {
	f := OutboundFrame{
		Type:      e.Type,
		From:      e.From,
		To:        e.To,
		Message:   e.Body,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
	}
	if e.Media != nil {
		f.FileURL = e.Media.FileURL
		f.MimeType = e.Media.MimeType
	}
	return f
}

// TextFrame builds a locally generated frame such as a greeting or bot reply.
func TextFrame(typ Type, to, text string) OutboundFrame {
	return OutboundFrame{
		Type:      typ,
		To:        to,
		Message:   text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// ListFrame builds a frame whose message is a list, used for catalog answers.
func ListFrame(typ Type, to string, items []string) OutboundFrame {
	if items == nil {
		items = []string{}
	}
	return OutboundFrame{
		Type:      typ,
		To:        to,
		Message:   items,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
