// Copyright 2024-2026 Aiku AI

package connector

import (
	"maunium.net/go/mautrix/bridgev2/status"
)

// State is the supervisor's connection state.
type State string

const (
	StateDisconnected     State = "DISCONNECTED"
	StateConnecting       State = "CONNECTING"
	StateAwaitingScan     State = "AWAITING_SCAN"
	StateConnected        State = "CONNECTED"
	StateReconnectPending State = "RECONNECT_PENDING"
)

// BridgeState maps the state to the bridge-state vocabulary used for health
// reporting.
func (s State) BridgeState() status.BridgeStateEvent {
	switch s {
	case StateConnected:
		return status.StateConnected
	case StateConnecting, StateAwaitingScan:
		return status.StateConnecting
	case StateReconnectPending:
		return status.StateTransientDisconnect
	default:
		return status.StateLoggedOut
	}
}

// Status is a read-only snapshot of a session.
type Status struct {
	Instance         string                  `json:"instance"`
	Connected        bool                    `json:"connected"`
	ConnectionState  State                   `json:"connectionState"`
	UserInfo         *UserInfo               `json:"userInfo,omitempty"`
	HasPendingQRCode bool                    `json:"hasPendingQRCode"`
	BridgeState      status.BridgeStateEvent `json:"bridgeState"`
	// LastError is the reason of the last close, if any.
	LastError string `json:"lastError,omitempty"`
	// ReconnectAttempts counts consecutive transient closes since the last
	// successful open.
	ReconnectAttempts int `json:"reconnectAttempts,omitempty"`
}
