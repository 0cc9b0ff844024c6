// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// sendCall records one ProtocolClient.Send invocation.
type sendCall struct {
	Target  string
	Payload Payload
}

// markReadCall records one ProtocolClient.MarkRead invocation.
type markReadCall struct {
	Chat        string
	Participant string
	MessageID   string
}

// fakeClient is a scriptable ProtocolClient. Every Connect opens a new event
// stream that the test feeds through Emit and ends through EndStream.
type fakeClient struct {
	mu        sync.Mutex
	streams   []chan Event
	connects  []CredentialBlob
	sends     []sendCall
	markReads []markReadCall
	logouts   int
	closes    int
	// logoutGate, when set, holds Logout until it is closed.
	logoutGate chan struct{}

	ConnectErr  error
	SendErr     error
	LogoutErr   error
	Media       []byte
	MediaErr    error
	MarkReadErr error
}

var _ ProtocolClient = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{}
}

func (f *fakeClient) Connect(_ context.Context, creds CredentialBlob) (<-chan Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, creds.Clone())
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	ch := make(chan Event, 64)
	f.streams = append(f.streams, ch)
	return ch, nil
}

func (f *fakeClient) Send(_ context.Context, target string, payload Payload) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{Target: target, Payload: payload})
	if f.SendErr != nil {
		return Receipt{}, f.SendErr
	}
	return Receipt{ID: fmt.Sprintf("sent-%d", len(f.sends))}, nil
}

func (f *fakeClient) MarkRead(_ context.Context, chat, participant, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, markReadCall{Chat: chat, Participant: participant, MessageID: messageID})
	return f.MarkReadErr
}

func (f *fakeClient) DownloadMedia(_ context.Context, _ *RawMessage) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Media, f.MediaErr
}

func (f *fakeClient) Logout(_ context.Context) error {
	f.mu.Lock()
	f.logouts++
	gate, err := f.logoutGate, f.LogoutErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

// HoldLogout makes later Logout calls block until release is closed.
func (f *fakeClient) HoldLogout(release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutGate = release
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// Emit pushes an event onto the most recent stream.
func (f *fakeClient) Emit(evt Event) {
	f.mu.Lock()
	ch := f.streams[len(f.streams)-1]
	f.mu.Unlock()
	ch <- evt
}

// EndStream closes the most recent stream without a close event.
func (f *fakeClient) EndStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.streams[len(f.streams)-1])
}

func (f *fakeClient) ConnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeClient) ConnectCreds(i int) CredentialBlob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[i]
}

func (f *fakeClient) Sends() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.sends...)
}

func (f *fakeClient) MarkReads() []markReadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]markReadCall(nil), f.markReads...)
}

func (f *fakeClient) Logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, sess *Session, want State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return sess.State() == want })
}

// fakeWebhook is a downstream consumer recording every envelope it receives.
type fakeWebhook struct {
	Server *httptest.Server

	mu        sync.Mutex
	envelopes []map[string]any
	status    int
	delay     time.Duration
}

func newFakeWebhook() *fakeWebhook {
	f := &fakeWebhook{status: http.StatusOK}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeWebhook) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var env map[string]any
	_ = json.Unmarshal(body, &env)
	f.mu.Lock()
	f.envelopes = append(f.envelopes, env)
	status, delay := f.status, f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	w.WriteHeader(status)
}

func (f *fakeWebhook) SetStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeWebhook) Envelopes() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.envelopes...)
}

func (f *fakeWebhook) Close() {
	f.Server.Close()
}

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM simulates the parts of the Mattermost API used for media storage
// and mirroring. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM() *fakeMM {
	f := &fakeMM{FailEndpoints: make(map[string]bool)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) Client() *model.Client4 {
	client := model.NewAPIv4Client(f.Server.URL)
	client.SetToken("test-token")
	return client
}

func (f *fakeMM) Fail(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailEndpoints[prefix] = true
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]endpointCall(nil), f.calls...)
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: path, Body: string(body)})
	failing := false
	for prefix := range f.FailEndpoints {
		if strings.Contains(path, prefix) {
			failing = true
		}
	}
	f.mu.Unlock()

	if failing {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
		return
	}

	switch {
	// POST /api/v4/posts
	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	// POST /api/v4/files (upload)
	case r.Method == http.MethodPost && path == "/api/v4/files":
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: "uploaded-file-id", Name: "upload"}},
		})

	// GET /api/v4/files/{file_id}/link
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/files/") && strings.HasSuffix(path, "/link"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v4/files/"), "/link")
		_ = json.NewEncoder(w).Encode(map[string]string{"link": f.Server.URL + "/files/" + id + "/public"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// newTestRelay builds a relay posting to webhookURL.
func newTestRelay(webhookURL string, allowlist []string, storage ObjectStorage) *Relay {
	var fwd Forwarder
	if webhookURL != "" {
		fwd = NewWebhookForwarder(webhookURL, time.Second)
	}
	return NewRelay(RelayOptions{Allowlist: allowlist}, fwd, storage, zerolog.Nop())
}

// newTestSession builds a session around a fake client with a short
// reconnect delay.
func newTestSession(t *testing.T, handler MessageHandler) (*Session, *fakeClient, *CredentialStore) {
	t.Helper()
	client := newFakeClient()
	store := newTestStore(t, "")
	sess := NewSession("test", client, store, handler, ReconnectPolicy{Delay: 20 * time.Millisecond}, zerolog.Nop())
	t.Cleanup(sess.Stop)
	return sess, client, store
}

// textMessage builds an inbound text message from sender.
func textMessage(id, sender, text string) *RawMessage {
	return &RawMessage{
		ID:        id,
		Chat:      sender,
		PushName:  "Sender",
		Timestamp: 1700000000,
		Content:   &MessageContent{Conversation: text},
	}
}
