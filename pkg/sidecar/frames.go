// Copyright 2024-2026 Aiku AI

package sidecar

import (
	"github.com/aiku/session-relay/pkg/connector"
)

// Frame types sent by the relay.
const (
	TypeConnect  = "connect"
	TypeSend     = "send"
	TypeMarkRead = "mark_read"
	TypeDownload = "download"
	TypeLogout   = "logout"
)

// Frame types sent by the sidecar.
const (
	TypeResult     = "result"
	TypeQR         = "qr"
	TypeConnection = "connection"
	TypeCreds      = "creds"
	TypeMessage    = "message"
)

// Frame is the single JSON envelope used in both directions. Requests carry
// an ID that the sidecar echoes in its result frame; events carry none.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// connect
	Creds connector.CredentialBlob `json:"creds,omitempty"`

	// send
	To      string             `json:"to,omitempty"`
	Payload *connector.Payload `json:"payload,omitempty"`

	// mark_read
	Chat        string `json:"chat,omitempty"`
	Participant string `json:"participant,omitempty"`
	MessageID   string `json:"messageId,omitempty"`

	// download, message
	Message *connector.RawMessage `json:"message,omitempty"`

	// result
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
	Data  []byte `json:"data,omitempty"`

	// qr
	Code string `json:"code,omitempty"`

	// connection
	Status string              `json:"status,omitempty"`
	Reason string              `json:"reason,omitempty"`
	User   *connector.UserInfo `json:"user,omitempty"`

	// creds
	Delta connector.CredentialBlob `json:"delta,omitempty"`
}

// toEvent converts an event frame. It returns nil for unknown types.
func (f *Frame) toEvent() connector.Event {
	switch f.Type {
	case TypeQR:
		return connector.QRIssued{Code: f.Code}
	case TypeConnection:
		return connector.ConnectionChanged{
			Status: connector.ConnectionStatus(f.Status),
			Reason: f.Reason,
			User:   f.User,
		}
	case TypeCreds:
		return connector.CredsChanged{Delta: f.Delta}
	case TypeMessage:
		return connector.MessageReceived{Message: f.Message}
	}
	return nil
}
