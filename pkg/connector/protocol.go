// Copyright 2024-2026 Aiku AI

package connector

import "context"

// ConnectionStatus is the low-level transport status reported by a
// ProtocolClient.
type ConnectionStatus string

const (
	ConnectionOpen       ConnectionStatus = "open"
	ConnectionConnecting ConnectionStatus = "connecting"
	ConnectionClose      ConnectionStatus = "close"
)

// ReasonLoggedOut is the only close reason treated as terminal.
const ReasonLoggedOut = "loggedOut"

// Event is one item of the stream returned by ProtocolClient.Connect. It is
// one of QRIssued, ConnectionChanged, CredsChanged or MessageReceived.
type Event interface {
	isEvent()
}

// QRIssued carries a new pairing code. A newer code supersedes older ones.
type QRIssued struct {
	Code string
}

// ConnectionChanged reports a transport status change. User is only set when
// Status is ConnectionOpen.
type ConnectionChanged struct {
	Status ConnectionStatus
	Reason string
	User   *UserInfo
}

// CredsChanged carries credential entries to persist. A nil value deletes the
// entry.
type CredsChanged struct {
	Delta CredentialBlob
}

// MessageReceived carries one inbound message in delivery order.
type MessageReceived struct {
	Message *RawMessage
}

func (QRIssued) isEvent()          {}
func (ConnectionChanged) isEvent() {}
func (CredsChanged) isEvent()      {}
func (MessageReceived) isEvent()   {}

// UserInfo identifies the account a session is logged in as.
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// RawMessage is an inbound message as delivered by the protocol client.
type RawMessage struct {
	ID          string `json:"id"`
	Chat        string `json:"chat"`
	Participant string `json:"participant,omitempty"`
	FromMe      bool   `json:"fromMe,omitempty"`
	PushName    string `json:"pushName,omitempty"`
	// Timestamp is in seconds.
	Timestamp int64 `json:"timestamp"`
	// Content is nil for events without a payload (receipts, protocol
	// messages, deletions).
	Content *MessageContent `json:"content,omitempty"`
	// Handle is an opaque reference the client uses to download media.
	Handle string `json:"handle,omitempty"`
}

// Sender returns the participant for group messages and the chat otherwise.
func (m *RawMessage) Sender() string {
	if m.Participant != "" {
		return m.Participant
	}
	return m.Chat
}

// MessageContent holds the type-specific sub-fields of a message. At most one
// media field is normally set.
type MessageContent struct {
	Conversation string        `json:"conversation,omitempty"`
	ExtendedText *ExtendedText `json:"extendedText,omitempty"`
	Image        *MediaInfo    `json:"image,omitempty"`
	Video        *MediaInfo    `json:"video,omitempty"`
	Audio        *MediaInfo    `json:"audio,omitempty"`
	Document     *MediaInfo    `json:"document,omitempty"`
	Sticker      *MediaInfo    `json:"sticker,omitempty"`
}

// ExtendedText is a text message with a quote or link preview attached.
type ExtendedText struct {
	Text string `json:"text"`
}

// MediaInfo describes an attachment.
type MediaInfo struct {
	Caption    string `json:"caption,omitempty"`
	Mimetype   string `json:"mimetype,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	FileLength int64  `json:"fileLength,omitempty"`
}

// Payload is an outbound message. Exactly one of Text, ImageURL and
// DocumentURL is expected to be set.
type Payload struct {
	Text        string `json:"text,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	DocumentURL string `json:"documentUrl,omitempty"`
	Caption     string `json:"caption,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Receipt is returned by a successful send.
type Receipt struct {
	ID string `json:"id"`
}

// ProtocolClient drives the messaging network's wire protocol. Connect returns
// a stream of events that is closed when the transport goes away; a stream
// that ends without a ConnectionChanged close event is treated as a transient
// close.
type ProtocolClient interface {
	Connect(ctx context.Context, creds CredentialBlob) (<-chan Event, error)
	Send(ctx context.Context, target string, payload Payload) (Receipt, error)
	MarkRead(ctx context.Context, chat, participant, messageID string) error
	DownloadMedia(ctx context.Context, msg *RawMessage) ([]byte, error)
	Logout(ctx context.Context) error
	// Close tears down the transport without logging out.
	Close() error
}

// ClientFactory creates the protocol client for an instance.
type ClientFactory func(instanceName string) (ProtocolClient, error)
