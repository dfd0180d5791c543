// Package server defines the wire envelope exchanged over WebSocket
// connections and the validation rules applied to inbound frames.
package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Frame types understood by the relay. Inbound frames with any other type are
// ignored; they are never fatal to the connection.
const (
	TypeInit         = "init"
	TypeInitResponse = "init_response"
	TypeMessage      = "message"
	TypeTyping       = "typing"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeError        = "error"
)

// Field bounds enforced on inbound frames. The encrypted blob and nonce are
// opaque to the relay, so validation stops at shape and encoding checks.
const (
	minPublicKeyLen = 32
	minNonceLen     = 32
	maxNonceLen     = 64
)

// Envelope is the JSON message format exchanged between clients. It is a
// closed tagged variant: Type selects which of the remaining fields are
// meaningful, and everything else stays empty on the wire.
type Envelope struct {
	Type            string            `json:"type"`
	PublicKey       string            `json:"public_key,omitempty"`
	UserID          string            `json:"user_id,omitempty"`
	PublicKeys      map[string]string `json:"public_keys,omitempty"`
	Encrypted       string            `json:"encrypted,omitempty"`
	Nonce           string            `json:"nonce,omitempty"`
	Signature       string            `json:"signature,omitempty"`
	EphemeralKey    string            `json:"ephemeral_key,omitempty"`
	RecipientID     string            `json:"recipient_id,omitempty"`
	SenderID        string            `json:"sender_id,omitempty"`
	SenderPublicKey string            `json:"sender_public_key,omitempty"`
	IsTyping        *bool             `json:"is_typing,omitempty"`
	Timestamp       int64             `json:"timestamp,omitempty"`
	Message         string            `json:"message,omitempty"`
}

// decodeEnvelope parses a raw inbound frame into an Envelope. A missing type
// field is treated as malformed rather than as an unknown frame type.
func decodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if strings.TrimSpace(env.Type) == "" {
		return nil, fmt.Errorf("missing message type")
	}

	return &env, nil
}

// encodeEnvelope marshals an outbound frame. Marshalling an Envelope cannot
// realistically fail, but the error is propagated so call sites can log it
// rather than silently drop a frame.
func encodeEnvelope(env *Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", env.Type, err)
	}
	return payload, nil
}

// validateInit checks the mandatory first frame of a connection.
func (e *Envelope) validateInit() error {
	if e.Type != TypeInit {
		return fmt.Errorf("expected %s frame, got %q", TypeInit, e.Type)
	}

	if len(e.PublicKey) < minPublicKeyLen {
		return fmt.Errorf("public_key must be at least %d characters", minPublicKeyLen)
	}

	return nil
}

// validateMessage checks a chat frame's ciphertext fields. The relay only
// verifies encoding and bounds; the contents remain opaque.
func (e *Envelope) validateMessage() error {
	if e.Encrypted == "" {
		return fmt.Errorf("encrypted payload is required")
	}

	if !isBase64(e.Encrypted) {
		return fmt.Errorf("encrypted payload must be valid base64")
	}

	if len(e.Nonce) < minNonceLen || len(e.Nonce) > maxNonceLen {
		return fmt.Errorf("nonce must be between %d and %d characters", minNonceLen, maxNonceLen)
	}

	if !isBase64(e.Nonce) {
		return fmt.Errorf("nonce must be valid base64")
	}

	return nil
}

// validateTyping checks a typing indicator frame.
func (e *Envelope) validateTyping() error {
	if e.IsTyping == nil {
		return fmt.Errorf("is_typing is required")
	}
	return nil
}

func isBase64(value string) bool {
	_, err := base64.StdEncoding.DecodeString(value)
	return err == nil
}

// errorFrame builds the error envelope sent back to an offending or rejected
// client before the loop continues or the transport closes.
func errorFrame(message string) *Envelope {
	return &Envelope{
		Type:    TypeError,
		Message: message,
	}
}
