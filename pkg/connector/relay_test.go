// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRelayEndToEndTextMessage(t *testing.T) {
	t.Parallel()
	hook := newFakeWebhook()
	defer hook.Close()
	relay := newTestRelay(hook.Server.URL, nil, nil)
	sess, client, _ := newTestSession(t, relay)
	connectAndOpen(t, sess, client)

	client.Emit(MessageReceived{Message: textMessage("ABCD", "5511999999999@net", "oi")})
	waitFor(t, "mark read", func() bool { return len(client.MarkReads()) == 1 })

	envs := hook.Envelopes()
	if len(envs) != 1 {
		t.Fatalf("webhook posts: got %d, want 1", len(envs))
	}
	env := envs[0]
	if env["from"] != "5511999999999@net" || env["text"] != "oi" || env["messageId"] != "ABCD" {
		t.Errorf("envelope: got %v", env)
	}
	if env["isGroup"] != false || env["mediaKind"] != string(MediaNone) {
		t.Errorf("envelope kind: got %v", env)
	}
	if mr := client.MarkReads()[0]; mr.MessageID != "ABCD" || mr.Chat != "5511999999999@net" {
		t.Errorf("MarkRead: got %+v", mr)
	}
}

func TestRelayDropsOwnMessages(t *testing.T) {
	t.Parallel()
	hook := newFakeWebhook()
	defer hook.Close()
	relay := newTestRelay(hook.Server.URL, nil, nil)
	client := newFakeClient()
	self := "5511000000000@s.whatsapp.net"

	fromMe := textMessage("1", "5511999999999@s.whatsapp.net", "echo")
	fromMe.FromMe = true
	ownAddress := textMessage("2", "5511000000000:7@s.whatsapp.net", "echo")
	noContent := &RawMessage{ID: "3", Chat: "5511999999999@s.whatsapp.net"}
	broadcast := textMessage("4", "status@broadcast", "story")
	broadcast.Participant = "5511999999999@s.whatsapp.net"

	for _, msg := range []*RawMessage{fromMe, ownAddress, noContent, broadcast} {
		if env := relay.Process(context.Background(), "test", client, self, msg); env != nil {
			t.Errorf("message %s: should be dropped, got %+v", msg.ID, env)
		}
	}
	if got := len(hook.Envelopes()); got != 0 {
		t.Errorf("webhook posts: got %d, want 0", got)
	}
	if got := len(client.MarkReads()); got != 0 {
		t.Errorf("mark reads: got %d, want 0", got)
	}
}

func TestRelayAllowlist(t *testing.T) {
	t.Parallel()
	hook := newFakeWebhook()
	defer hook.Close()
	relay := newTestRelay(hook.Server.URL, []string{"+55 11 99999-9999", "120363000000@g.us"}, nil)
	client := newFakeClient()

	blocked := textMessage("1", "5511777777777@s.whatsapp.net", "spam")
	if env := relay.Process(context.Background(), "test", client, "", blocked); env != nil {
		t.Errorf("blocked sender forwarded: %+v", env)
	}
	if got := len(client.MarkReads()); got != 0 {
		t.Errorf("blocked sender marked read: %d", got)
	}

	allowed := textMessage("2", "5511999999999@s.whatsapp.net", "hi")
	if env := relay.Process(context.Background(), "test", client, "", allowed); env == nil {
		t.Error("allowed sender dropped")
	}
	group := textMessage("3", "120363000000@g.us", "team")
	group.Participant = "5511777777777@s.whatsapp.net"
	if env := relay.Process(context.Background(), "test", client, "", group); env != nil {
		t.Errorf("listed group with unlisted participant forwarded: %+v", env)
	}
	fromAllowed := textMessage("4", "120363999999@g.us", "team")
	fromAllowed.Participant = "5511999999999@s.whatsapp.net"
	if env := relay.Process(context.Background(), "test", client, "", fromAllowed); env == nil {
		t.Error("allowed participant in a group dropped")
	}
	if got := len(hook.Envelopes()); got != 2 {
		t.Errorf("webhook posts: got %d, want 2", got)
	}
	if got := len(client.MarkReads()); got != 2 {
		t.Errorf("mark reads: got %d, want 2", got)
	}
}

func TestRelayImageMaterialized(t *testing.T) {
	t.Parallel()
	hook := newFakeWebhook()
	defer hook.Close()
	dir := t.TempDir()
	storage := &LocalStorage{Directory: dir, PublicURL: "https://cdn.example.com/m"}
	relay := newTestRelay(hook.Server.URL, nil, storage)
	client := newFakeClient()
	client.Media = []byte("\xff\xd8jpeg")

	msg := &RawMessage{
		ID:        "IMG1",
		Chat:      "5511999999999@s.whatsapp.net",
		Timestamp: 1,
		Content:   &MessageContent{Image: &MediaInfo{Caption: "receipt", Mimetype: "image/jpeg"}},
	}
	env := relay.Process(context.Background(), "shop", client, "", msg)
	if env == nil {
		t.Fatal("image message dropped")
	}
	if env.Text != "receipt" || env.MediaKind != MediaImage {
		t.Errorf("envelope: got text=%q kind=%q", env.Text, env.MediaKind)
	}
	if !strings.HasPrefix(env.MediaURL, "https://cdn.example.com/m/shop/") || !strings.HasSuffix(env.MediaURL, ".jpg") {
		t.Errorf("MediaURL: got %q", env.MediaURL)
	}
	if !strings.HasSuffix(env.FileName, ".jpg") || env.MimeType != "image/jpeg" {
		t.Errorf("file metadata: got %q %q", env.FileName, env.MimeType)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "shop", "*"))
	if len(files) != 1 {
		t.Errorf("stored files: got %d, want 1", len(files))
	}
	if got := hook.Envelopes(); len(got) != 1 || got[0]["mediaUrl"] != env.MediaURL {
		t.Errorf("webhook envelope: got %v", got)
	}
}

func TestRelayMediaFailureStillForwards(t *testing.T) {
	t.Parallel()
	hook := newFakeWebhook()
	defer hook.Close()
	relay := newTestRelay(hook.Server.URL, nil, &LocalStorage{Directory: t.TempDir()})
	client := newFakeClient()
	client.MediaErr = errors.New("media expired")

	msg := &RawMessage{
		ID:      "IMG2",
		Chat:    "5511999999999@s.whatsapp.net",
		Content: &MessageContent{Image: &MediaInfo{Caption: "lost", Mimetype: "image/png"}},
	}
	env := relay.Process(context.Background(), "test", client, "", msg)
	if env == nil {
		t.Fatal("message dropped")
	}
	if env.MediaURL != "" {
		t.Errorf("MediaURL: got %q, want empty", env.MediaURL)
	}
	if got := len(hook.Envelopes()); got != 1 {
		t.Errorf("webhook posts: got %d, want 1", got)
	}
	if got := len(client.MarkReads()); got != 1 {
		t.Errorf("mark reads: got %d, want 1", got)
	}
}

func TestRelayNonImageMediaMetadata(t *testing.T) {
	t.Parallel()
	relay := newTestRelay("", nil, nil)
	client := newFakeClient()
	msg := &RawMessage{
		ID:      "DOC1",
		Chat:    "5511999999999@s.whatsapp.net",
		Content: &MessageContent{Document: &MediaInfo{FileName: "invoice.pdf", Mimetype: "application/pdf"}},
	}
	env := relay.Process(context.Background(), "test", client, "", msg)
	if env == nil {
		t.Fatal("message dropped")
	}
	if env.MediaKind != MediaDocument || env.FileName != "invoice.pdf" || env.MimeType != "application/pdf" {
		t.Errorf("envelope: got %+v", env)
	}
	if env.MediaURL != "" {
		t.Errorf("documents are not materialized, got %q", env.MediaURL)
	}
}

func TestRelayWebhookFailureMarksReadAndQueues(t *testing.T) {
	t.Parallel()
	hook := newFakeWebhook()
	defer hook.Close()
	hook.SetStatus(http.StatusServiceUnavailable)
	relay := newTestRelay(hook.Server.URL, nil, nil)
	outbox := newTestOutbox(t, NewWebhookForwarder(hook.Server.URL, time.Second), 3)
	relay.SetOutbox(outbox)
	client := newFakeClient()

	env := relay.Process(context.Background(), "test", client, "", textMessage("F1", "5511999999999@s.whatsapp.net", "hello"))
	if env == nil {
		t.Fatal("message dropped")
	}
	if got := len(client.MarkReads()); got != 1 {
		t.Errorf("mark reads after failed delivery: got %d, want 1", got)
	}
	entries, err := outbox.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Envelope.MessageID != "F1" {
		t.Fatalf("outbox entries: got %+v", entries)
	}
	if !strings.Contains(entries[0].LastError, "503") {
		t.Errorf("LastError: got %q", entries[0].LastError)
	}
}

func TestRelayMarkReadFailureIgnored(t *testing.T) {
	t.Parallel()
	relay := newTestRelay("", nil, nil)
	client := newFakeClient()
	client.MarkReadErr = errors.New("offline")
	if env := relay.Process(context.Background(), "test", client, "", textMessage("1", "1@s.whatsapp.net", "x")); env == nil {
		t.Error("message dropped")
	}
}

func TestRelayMirror(t *testing.T) {
	t.Parallel()
	mm := newFakeMM()
	defer mm.Close()
	mm.Fail("/api/v4/posts")
	hook := newFakeWebhook()
	defer hook.Close()
	relay := NewRelay(RelayOptions{}, NewWebhookForwarder(hook.Server.URL, time.Second), nil, zerolog.Nop())
	relay.AddMirror(&MattermostMirror{Client: mm.Client(), ChannelID: "chan1"})

	relay.Process(context.Background(), "test", newFakeClient(), "", textMessage("M1", "5511999999999@s.whatsapp.net", "*hi*"))
	if got := len(hook.Envelopes()); got != 1 {
		t.Errorf("webhook posts with failing mirror: got %d, want 1", got)
	}
	calls := mm.Calls()
	if len(calls) != 1 || calls[0].Path != "/api/v4/posts" {
		t.Errorf("mirror calls: got %+v", calls)
	}
}

// stalledForwarder blocks until its context ends.
type stalledForwarder struct {
	err chan error
}

func (f *stalledForwarder) Forward(ctx context.Context, _ *Envelope) error {
	<-ctx.Done()
	f.err <- ctx.Err()
	return ctx.Err()
}

func TestRelayStalledMirrorDoesNotBlockDelivery(t *testing.T) {
	t.Parallel()
	hook := newFakeWebhook()
	defer hook.Close()
	relay := NewRelay(RelayOptions{MirrorTimeout: 50 * time.Millisecond}, NewWebhookForwarder(hook.Server.URL, time.Second), nil, zerolog.Nop())
	mirror := &stalledForwarder{err: make(chan error, 1)}
	relay.AddMirror(mirror)
	client := newFakeClient()

	start := time.Now()
	relay.Process(context.Background(), "test", client, "", textMessage("M1", "5511999999999@s.whatsapp.net", "oi"))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Process took %s with a stalled mirror", elapsed)
	}
	if got := len(hook.Envelopes()); got != 1 {
		t.Errorf("webhook posts: got %d, want 1", got)
	}
	if got := len(client.MarkReads()); got != 1 {
		t.Errorf("mark reads: got %d, want 1", got)
	}
	if err := <-mirror.err; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("mirror context: got %v, want %v", err, context.DeadlineExceeded)
	}
}
