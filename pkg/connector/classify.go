// Copyright 2024-2026 Aiku AI

package connector

// MediaKind is the attachment type of an inbound message.
type MediaKind string

const (
	MediaNone     MediaKind = "none"
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
)

// Envelope is the normalized form of one inbound message as forwarded
// downstream. MessageID and From together identify a message.
type Envelope struct {
	Instance        string    `json:"instance,omitempty" cbor:"instance,omitempty"`
	MessageID       string    `json:"messageId" cbor:"messageId"`
	From            string    `json:"from" cbor:"from"`
	Chat            string    `json:"chat,omitempty" cbor:"chat,omitempty"`
	FromDisplayName string    `json:"fromName" cbor:"fromName"`
	TimestampMillis int64     `json:"timestampMillis" cbor:"timestampMillis"`
	Text            string    `json:"text,omitempty" cbor:"text,omitempty"`
	MediaKind       MediaKind `json:"mediaKind" cbor:"mediaKind"`
	IsGroup         bool      `json:"isGroup" cbor:"isGroup"`
	MediaURL        string    `json:"mediaUrl,omitempty" cbor:"mediaUrl,omitempty"`
	FileName        string    `json:"fileName,omitempty" cbor:"fileName,omitempty"`
	MimeType        string    `json:"mimeType,omitempty" cbor:"mimeType,omitempty"`
}

// ExtractText returns the first populated text-bearing field, in order:
// conversation, extended text, image caption, video caption.
func ExtractText(c *MessageContent) string {
	if c == nil {
		return ""
	}
	switch {
	case c.Conversation != "":
		return c.Conversation
	case c.ExtendedText != nil && c.ExtendedText.Text != "":
		return c.ExtendedText.Text
	case c.Image != nil && c.Image.Caption != "":
		return c.Image.Caption
	case c.Video != nil && c.Video.Caption != "":
		return c.Video.Caption
	}
	return ""
}

// ClassifyMedia returns the kind of the first media sub-field present along
// with its metadata.
func ClassifyMedia(c *MessageContent) (MediaKind, *MediaInfo) {
	if c == nil {
		return MediaNone, nil
	}
	switch {
	case c.Image != nil:
		return MediaImage, c.Image
	case c.Video != nil:
		return MediaVideo, c.Video
	case c.Audio != nil:
		return MediaAudio, c.Audio
	case c.Document != nil:
		return MediaDocument, c.Document
	case c.Sticker != nil:
		return MediaSticker, c.Sticker
	}
	return MediaNone, nil
}

// BuildEnvelope normalizes a raw message. The sender of a group message is its
// participant; IsGroup is derived from the chat address.
func BuildEnvelope(instance string, msg *RawMessage) *Envelope {
	kind, _ := ClassifyMedia(msg.Content)
	return &Envelope{
		Instance:        instance,
		MessageID:       msg.ID,
		From:            BareAddress(msg.Sender()),
		Chat:            BareAddress(msg.Chat),
		FromDisplayName: msg.PushName,
		TimestampMillis: msg.Timestamp * 1000,
		Text:            ExtractText(msg.Content),
		MediaKind:       kind,
		IsGroup:         IsGroupAddress(msg.Chat),
	}
}
