// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMediaTimeout bounds media download plus upload for one message.
const DefaultMediaTimeout = 60 * time.Second

// RelayOptions configures the inbound pipeline.
type RelayOptions struct {
	// Allowlist restricts forwarding to these senders when non-empty. Entries
	// may be bare numbers or full addresses. In groups the sender is the
	// participant, never the group itself.
	Allowlist    []string
	UserServer   string
	MediaTimeout time.Duration
	// MirrorTimeout bounds each mirror post. Defaults to DefaultWebhookTimeout.
	MirrorTimeout time.Duration
}

// Relay classifies inbound messages and forwards them downstream. It holds no
// per-session state and may be shared by several sessions.
type Relay struct {
	webhook      Forwarder
	mirrors      []Forwarder
	storage      ObjectStorage
	outbox       *Outbox
	allow         map[string]struct{}
	mediaTimeout  time.Duration
	mirrorTimeout time.Duration
	log           zerolog.Logger
}

var _ MessageHandler = (*Relay)(nil)

// NewRelay creates a relay. webhook and storage may be nil, which disables
// forwarding and media materialization respectively.
func NewRelay(opts RelayOptions, webhook Forwarder, storage ObjectStorage, log zerolog.Logger) *Relay {
	r := &Relay{
		webhook:      webhook,
		storage:      storage,
		allow:         make(map[string]struct{}, len(opts.Allowlist)),
		mediaTimeout:  opts.MediaTimeout,
		mirrorTimeout: opts.MirrorTimeout,
		log:           log.With().Str("component", "relay").Logger(),
	}
	if r.mediaTimeout <= 0 {
		r.mediaTimeout = DefaultMediaTimeout
	}
	if r.mirrorTimeout <= 0 {
		r.mirrorTimeout = DefaultWebhookTimeout
	}
	for _, entry := range opts.Allowlist {
		if addr := NormalizeAddress(entry, opts.UserServer); addr != "" {
			r.allow[addr] = struct{}{}
		}
	}
	return r
}

// AddMirror registers a secondary sink. Mirrors run after the webhook and the
// read receipt, each bounded by the mirror timeout. Their failures never reach
// the outbox.
func (r *Relay) AddMirror(f Forwarder) {
	r.mirrors = append(r.mirrors, f)
}

// SetOutbox enables durable redelivery of failed webhook posts.
func (r *Relay) SetOutbox(o *Outbox) {
	r.outbox = o
}

// HandleMessage runs the pipeline for one message of a session.
func (r *Relay) HandleMessage(ctx context.Context, sess *Session, msg *RawMessage) {
	r.Process(ctx, sess.Instance(), sess.Client(), sess.Self(), msg)
}

// Process runs the pipeline and returns the forwarded envelope, or nil when
// the message was dropped.
func (r *Relay) Process(ctx context.Context, instance string, client ProtocolClient, self string, msg *RawMessage) *Envelope {
	log := r.log.With().
		Str("instance", instance).
		Str("message_id", msg.ID).
		Str("chat", msg.Chat).
		Logger()

	if reason := r.dropReason(self, msg); reason != "" {
		log.Debug().Str("reason", reason).Msg("Dropping inbound message")
		return nil
	}

	env := BuildEnvelope(instance, msg)
	if !r.allowed(env) {
		log.Debug().Str("from", env.From).Msg("Sender not on allowlist, dropping")
		return nil
	}

	if kind, info := ClassifyMedia(msg.Content); info != nil {
		env.MimeType = info.Mimetype
		env.FileName = info.FileName
		if kind == MediaImage {
			env.FileName = MediaFileName(info.FileName, info.Mimetype)
			r.materialize(ctx, log, instance, client, msg, env)
		}
	}

	r.forward(ctx, log, env)

	if err := client.MarkRead(ctx, msg.Chat, msg.Participant, msg.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to mark message as read")
	}
	r.mirror(ctx, log, env)
	return env
}

func (r *Relay) dropReason(self string, msg *RawMessage) string {
	switch {
	case msg.Content == nil:
		return "no payload"
	case msg.FromMe:
		return "sent by this session"
	case SameAddress(msg.Sender(), self):
		return "own address"
	case IsBroadcastAddress(msg.Chat):
		return "broadcast"
	}
	return ""
}

func (r *Relay) allowed(env *Envelope) bool {
	if len(r.allow) == 0 {
		return true
	}
	_, ok := r.allow[env.From]
	return ok
}

func (r *Relay) materialize(ctx context.Context, log zerolog.Logger, instance string, client ProtocolClient, msg *RawMessage, env *Envelope) {
	if r.storage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.mediaTimeout)
	defer cancel()
	data, err := client.DownloadMedia(ctx, msg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to download media, forwarding without it")
		return
	}
	url, err := r.storage.Upload(ctx, data, env.FileName, env.MimeType, instance)
	if err != nil {
		log.Warn().Err(err).Int("size", len(data)).Msg("Failed to upload media, forwarding without it")
		return
	}
	env.MediaURL = url
}

func (r *Relay) mirror(ctx context.Context, log zerolog.Logger, env *Envelope) {
	for _, mirror := range r.mirrors {
		mctx, cancel := context.WithTimeout(ctx, r.mirrorTimeout)
		err := mirror.Forward(mctx, env)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to mirror message")
		}
	}
}

func (r *Relay) forward(ctx context.Context, log zerolog.Logger, env *Envelope) {
	if r.webhook == nil {
		return
	}
	err := r.webhook.Forward(ctx, env)
	if err == nil {
		log.Debug().Str("media_kind", string(env.MediaKind)).Msg("Forwarded message")
		return
	}
	log.Warn().Err(err).Msg("Failed to forward message")
	if r.outbox == nil {
		return
	}
	if err := r.outbox.Append(ctx, env, err); err != nil {
		log.Error().Err(err).Msg("Failed to queue message for redelivery")
	}
}
