// ABOUTME: Message envelope exchanged between the router and the broker bridge.
// ABOUTME: Envelopes are immutable once built and serialize to JSON on the broker wire.

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Type distinguishes envelope sub-cases within a queue.
type Type string

const (
	TypeClientMessage   Type = "client_message"
	TypeOperatorMessage Type = "operator_message"
	TypeMedia           Type = "media"
	TypeGreeting        Type = "greeting"
	TypeNotify          Type = "notify"
	TypeAdvertising     Type = "advertising"

	// TypeBotMessage only appears on outbound transport frames; it is never published.
	TypeBotMessage Type = "bot_message"
)

// ErrMalformed is returned when a broker payload cannot be decoded into a valid envelope.
var ErrMalformed = errors.New("malformed envelope")

// MediaRef points at an already-stored media file.
type MediaRef struct {
	FileURL  string `json:"file_url" validate:"required"`
	MimeType string `json:"mime_type" validate:"required"`
}

// Envelope is the unit published to and consumed from broker queues.
type Envelope struct {
	ID        string    `json:"id" validate:"required"`
	Type      Type      `json:"type" validate:"required,oneof=client_message operator_message media greeting notify advertising"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Body      string    `json:"body,omitempty"`
	Media     *MediaRef `json:"media,omitempty"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New builds a text envelope stamped with a fresh id and the current UTC time.
func New(typ Type, from, to, body string) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		From:      from,
		To:        to,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}

// NewMedia builds a media envelope. The optional caption travels in Body.
func NewMedia(from, to string, ref MediaRef, caption string) Envelope {
	env := New(TypeMedia, from, to, caption)
	env.Media = &MediaRef{FileURL: ref.FileURL, MimeType: ref.MimeType}
	return env
}

// Validate checks structural tags and the per-type field requirements.
func (e Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch e.Type {
	case TypeMedia:
		if e.Media == nil {
			return fmt.Errorf("%w: media envelope without media reference", ErrMalformed)
		}
		if err := validate.Struct(e.Media); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if e.From == "" {
			return fmt.Errorf("%w: media envelope without sender", ErrMalformed)
		}
	case TypeClientMessage, TypeOperatorMessage:
		if e.From == "" {
			return fmt.Errorf("%w: %s without sender", ErrMalformed, e.Type)
		}
	case TypeNotify, TypeAdvertising, TypeGreeting:
		if e.To == "" {
			return fmt.Errorf("%w: %s without recipient", ErrMalformed, e.Type)
		}
	}
	return nil
}

// Marshal validates and serializes the envelope for the broker.
func Marshal(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a broker payload. Any failure wraps ErrMalformed.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
