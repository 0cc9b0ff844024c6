// Copyright 2024-2026 Aiku AI

package sidecar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"github.com/aiku/session-relay/pkg/connector"
)

// DefaultRequestTimeout bounds a command round trip when none is configured.
const DefaultRequestTimeout = 30 * time.Second

// ErrClosed is returned for commands issued without an open stream.
var ErrClosed = errors.New("sidecar connection closed")

// RemoteError is an error reported by the sidecar in a result frame.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sidecar %s failed: %s", e.Op, e.Message)
}

// Client speaks to a protocol sidecar over a websocket. One websocket carries
// one connection attempt: Connect dials a fresh socket and the event stream
// ends when that socket goes away.
type Client struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
	header  http.Header
	log     zerolog.Logger

	mu   sync.Mutex
	conn *conn
}

var _ connector.ProtocolClient = (*Client)(nil)

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once

	pendingMu sync.Mutex
	pending   map[string]chan *Frame
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// New creates a client for the sidecar at rawURL. An http(s) URL is converted
// to the matching websocket scheme.
func New(rawURL, instance string, timeout time.Duration, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(httpToWS(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse sidecar url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported sidecar url scheme %q", u.Scheme)
	}
	if instance != "" {
		q := u.Query()
		q.Set("instance", instance)
		u.RawQuery = q.Encode()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		url:     u.String(),
		timeout: timeout,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment},
		header:  http.Header{},
		log:     log.With().Str("component", "sidecar").Str("instance", instance).Logger(),
	}, nil
}

// Factory returns a ClientFactory creating one client per instance.
func Factory(rawURL string, timeout time.Duration, log zerolog.Logger) connector.ClientFactory {
	return func(instance string) (connector.ProtocolClient, error) {
		return New(rawURL, instance, timeout, log)
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Connect dials the sidecar and hands it the stored credentials. The returned
// stream is closed when the socket drops or ctx is cancelled.
func (c *Client) Connect(ctx context.Context, creds connector.CredentialBlob) (<-chan connector.Event, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, fmt.Errorf("dial sidecar: %w", err)
	}
	cn := &conn{ws: ws, done: make(chan struct{}), pending: make(map[string]chan *Frame)}

	c.mu.Lock()
	old := c.conn
	c.conn = cn
	c.mu.Unlock()
	if old != nil {
		old.close()
	}

	events := make(chan connector.Event, 64)
	go c.readLoop(cn, events)
	go func() {
		select {
		case <-ctx.Done():
			cn.close()
		case <-cn.done:
		}
	}()

	if _, err := c.roundTrip(ctx, cn, &Frame{Type: TypeConnect, Creds: creds}); err != nil {
		cn.close()
		return nil, err
	}
	c.log.Debug().Int("credential_entries", len(creds)).Msg("Sidecar stream opened")
	return events, nil
}

func (c *Client) readLoop(cn *conn, events chan<- connector.Event) {
	defer close(events)
	defer cn.close()
	defer c.failPending(cn)
	for {
		var frame Frame
		if err := cn.ws.ReadJSON(&frame); err != nil {
			select {
			case <-cn.done:
			default:
				c.log.Debug().Err(err).Msg("Sidecar stream ended")
			}
			return
		}
		if frame.Type == TypeResult {
			cn.pendingMu.Lock()
			waiter, ok := cn.pending[frame.ID]
			delete(cn.pending, frame.ID)
			cn.pendingMu.Unlock()
			if ok {
				waiter <- &frame
			} else {
				c.log.Warn().Str("request_id", frame.ID).Msg("Result for unknown request")
			}
			continue
		}
		evt := frame.toEvent()
		if evt == nil {
			c.log.Warn().Str("frame_type", frame.Type).Msg("Unknown sidecar frame")
			continue
		}
		select {
		case events <- evt:
		case <-cn.done:
			return
		}
	}
}

func (c *Client) failPending(cn *conn) {
	cn.pendingMu.Lock()
	defer cn.pendingMu.Unlock()
	for id, waiter := range cn.pending {
		close(waiter)
		delete(cn.pending, id)
	}
}

func (c *Client) current() (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrClosed
	}
	select {
	case <-c.conn.done:
		return nil, ErrClosed
	default:
		return c.conn, nil
	}
}

// roundTrip sends a request frame and waits for its result.
func (c *Client) roundTrip(ctx context.Context, cn *conn, req *Frame) (*Frame, error) {
	req.ID = random.String(16)
	waiter := make(chan *Frame, 1)
	cn.pendingMu.Lock()
	cn.pending[req.ID] = waiter
	cn.pendingMu.Unlock()
	defer func() {
		cn.pendingMu.Lock()
		delete(cn.pending, req.ID)
		cn.pendingMu.Unlock()
	}()

	cn.writeMu.Lock()
	_ = cn.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	err := cn.ws.WriteJSON(req)
	cn.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s frame: %w", req.Type, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, ErrClosed
		}
		if !resp.OK {
			return nil, &RemoteError{Op: req.Type, Message: resp.Error}
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("sidecar %s timed out after %s", req.Type, c.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cn.done:
		return nil, ErrClosed
	}
}

func (c *Client) request(ctx context.Context, req *Frame) (*Frame, error) {
	cn, err := c.current()
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, cn, req)
}

func (c *Client) Send(ctx context.Context, target string, payload connector.Payload) (connector.Receipt, error) {
	resp, err := c.request(ctx, &Frame{Type: TypeSend, To: target, Payload: &payload})
	if err != nil {
		return connector.Receipt{}, err
	}
	return connector.Receipt{ID: resp.MessageID}, nil
}

func (c *Client) MarkRead(ctx context.Context, chat, participant, messageID string) error {
	_, err := c.request(ctx, &Frame{Type: TypeMarkRead, Chat: chat, Participant: participant, MessageID: messageID})
	return err
}

func (c *Client) DownloadMedia(ctx context.Context, msg *connector.RawMessage) ([]byte, error) {
	resp, err := c.request(ctx, &Frame{Type: TypeDownload, Message: msg})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("sidecar returned empty media")
	}
	return resp.Data, nil
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.request(ctx, &Frame{Type: TypeLogout})
	return err
}

// Close drops the current socket. It does not log out.
func (c *Client) Close() error {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if cn != nil {
		cn.close()
	}
	return nil
}
