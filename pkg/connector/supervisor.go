// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultReconnectDelay is the fixed wait between a transient close and the
// next connect attempt.
const DefaultReconnectDelay = 3 * time.Second

// ReconnectPolicy controls retries after transient closes. The zero value of
// Jitter and MaxAttempts gives an unbounded fixed-delay retry.
type ReconnectPolicy struct {
	Delay time.Duration
	// Jitter is a fraction of Delay (0 to 1) added or subtracted at random.
	Jitter float64
	// MaxAttempts stops retrying after this many consecutive transient closes.
	// Credentials are kept when giving up. Zero means unbounded.
	MaxAttempts int
}

func (p ReconnectPolicy) next() time.Duration {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if p.Jitter > 0 {
		spread := float64(delay) * min(p.Jitter, 1)
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return delay
}

// MessageHandler processes inbound messages for a session, one at a time and
// in delivery order.
type MessageHandler interface {
	HandleMessage(ctx context.Context, sess *Session, msg *RawMessage)
}

// Session supervises the connection of one instance. It is the only writer of
// the connection state and the pending pairing code.
type Session struct {
	instance string
	client   ProtocolClient
	store    *CredentialStore
	handler  MessageHandler
	policy   ReconnectPolicy
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.RWMutex
	state          State
	qrCode         string
	user           *UserInfo
	lastError      string
	attempts       int
	generation     uint64
	dialCancel     context.CancelFunc
	reconnectTimer *time.Timer

	// persistMu serializes credential writes with wipes so a save from a
	// stream that is being torn down cannot land after the wipe.
	persistMu sync.Mutex

	subsMu    sync.Mutex
	subs      map[int]chan Status
	nextSubID int

	queueMu     sync.Mutex
	queue       []*RawMessage
	queueSignal chan struct{}
	relayDone   chan struct{}

	stopOnce sync.Once
}

// NewSession creates a disconnected session and starts its relay worker.
func NewSession(instance string, client ProtocolClient, store *CredentialStore, handler MessageHandler, policy ReconnectPolicy, log zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		instance:    instance,
		client:      client,
		store:       store,
		handler:     handler,
		policy:      policy,
		log:         log.With().Str("instance", instance).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateDisconnected,
		subs:        make(map[int]chan Status),
		queueSignal: make(chan struct{}, 1),
		relayDone:   make(chan struct{}),
	}
	go s.relayLoop()
	return s
}

// Instance returns the instance name.
func (s *Session) Instance() string {
	return s.instance
}

// Client returns the protocol client owned by the session.
func (s *Session) Client() ProtocolClient {
	return s.client
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// QRCode returns the pending pairing code, or "" when none is pending.
func (s *Session) QRCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAwaitingScan {
		return ""
	}
	return s.qrCode
}

// Self returns the session's own address while connected.
func (s *Session) Self() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	st := Status{
		Instance:          s.instance,
		Connected:         s.state == StateConnected,
		ConnectionState:   s.state,
		HasPendingQRCode:  s.state == StateAwaitingScan && s.qrCode != "",
		BridgeState:       s.state.BridgeState(),
		LastError:         s.lastError,
		ReconnectAttempts: s.attempts,
	}
	if s.user != nil && s.state == StateConnected {
		user := *s.user
		st.UserInfo = &user
	}
	return st
}

// Subscribe returns a channel receiving the latest status after every state
// change. Slow subscribers only see the most recent snapshot.
func (s *Session) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	s.subsMu.Unlock()
	return ch, func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Session) notify(st Status) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// Connect starts connecting if the session is disconnected. It does not wait
// for the handshake.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.state != StateDisconnected || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	s.lastError = ""
	st := s.startDialLocked()
	s.mu.Unlock()
	s.log.Info().Msg("Connecting session")
	s.notify(st)
}

func (s *Session) startDialLocked() Status {
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	s.qrCode = ""
	s.user = nil
	ctx, cancel := context.WithCancel(s.ctx)
	s.dialCancel = cancel
	go s.dial(ctx, gen)
	return s.statusLocked()
}

func (s *Session) dial(ctx context.Context, gen uint64) {
	log := s.log.With().Uint64("generation", gen).Logger()
	creds := s.store.Load(s.instance)
	log.Debug().Int("credential_entries", len(creds)).Msg("Opening protocol stream")
	events, err := s.client.Connect(ctx, creds)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("Failed to open protocol stream")
		s.handleClose(gen, err.Error())
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					s.handleClose(gen, "stream ended")
				}
				return
			}
			s.handleEvent(gen, evt)
		}
	}
}

func (s *Session) current(gen uint64) bool {
	return s.generation == gen && s.state != StateDisconnected
}

func (s *Session) handleEvent(gen uint64, evt Event) {
	switch evt := evt.(type) {
	case QRIssued:
		s.mu.Lock()
		if !s.current(gen) || (s.state != StateConnecting && s.state != StateAwaitingScan) {
			s.mu.Unlock()
			return
		}
		s.state = StateAwaitingScan
		s.qrCode = evt.Code
		st := s.statusLocked()
		s.mu.Unlock()
		s.log.Info().Msg("Pairing code issued")
		s.notify(st)
	case ConnectionChanged:
		switch evt.Status {
		case ConnectionOpen:
			s.handleOpen(gen, evt.User)
		case ConnectionClose:
			s.handleClose(gen, evt.Reason)
		default:
			s.log.Debug().Str("status", string(evt.Status)).Msg("Transport status update")
		}
	case CredsChanged:
		s.persistCreds(gen, evt.Delta)
	case MessageReceived:
		if evt.Message == nil {
			return
		}
		s.mu.RLock()
		ok := s.current(gen)
		s.mu.RUnlock()
		if ok {
			s.enqueue(evt.Message)
		}
	default:
		s.log.Warn().Type("event_type", evt).Msg("Unhandled protocol event")
	}
}

func (s *Session) persistCreds(gen uint64, delta CredentialBlob) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.RLock()
	ok := s.current(gen)
	s.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.store.Save(s.instance, delta); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist credentials")
	}
}

func (s *Session) wipeCreds() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.store.Wipe(s.instance)
}

func (s *Session) handleOpen(gen uint64, user *UserInfo) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.qrCode = ""
	s.user = user
	s.attempts = 0
	s.lastError = ""
	st := s.statusLocked()
	s.mu.Unlock()
	evt := s.log.Info()
	if user != nil {
		evt = evt.Str("user_id", user.ID)
	}
	evt.Msg("Session connected")
	s.notify(st)
}

func (s *Session) handleClose(gen uint64, reason string) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	s.generation++
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.qrCode = ""
	s.user = nil
	s.lastError = reason

	if reason == ReasonLoggedOut {
		s.state = StateDisconnected
		s.attempts = 0
		st := s.statusLocked()
		s.mu.Unlock()
		s.log.Warn().Msg("Session logged out remotely, wiping credentials")
		if err := s.wipeCreds(); err != nil {
			s.log.Error().Err(err).Msg("Failed to wipe credentials")
		}
		s.notify(st)
		return
	}

	s.attempts++
	if s.policy.MaxAttempts > 0 && s.attempts > s.policy.MaxAttempts {
		s.state = StateDisconnected
		st := s.statusLocked()
		s.mu.Unlock()
		s.log.Error().Str("reason", reason).Int("attempts", st.ReconnectAttempts).
			Msg("Giving up reconnecting")
		if err := s.client.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close protocol client")
		}
		s.notify(st)
		return
	}

	delay := s.policy.next()
	s.state = StateReconnectPending
	pendingGen := s.generation
	s.reconnectTimer = time.AfterFunc(delay, func() { s.redial(pendingGen) })
	st := s.statusLocked()
	s.mu.Unlock()
	s.log.Warn().Str("reason", reason).Dur("delay", delay).Int("attempt", st.ReconnectAttempts).
		Msg("Connection closed, reconnect scheduled")
	s.notify(st)
}

func (s *Session) redial(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || s.state != StateReconnectPending || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	st := s.startDialLocked()
	s.mu.Unlock()
	s.log.Info().Msg("Reconnecting session")
	s.notify(st)
}

// Disconnect logs out, wipes the stored credentials and resets the session to
// DISCONNECTED. Any scheduled reconnect is discarded. Logout failures are
// logged; only a failure to wipe credentials is returned.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	previous := s.state
	s.generation++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	cancel := s.dialCancel
	s.dialCancel = nil
	s.state = StateDisconnected
	s.qrCode = ""
	s.user = nil
	s.attempts = 0
	s.lastError = ""
	st := s.statusLocked()
	s.mu.Unlock()
	s.notify(st)

	if previous != StateDisconnected {
		if err := s.client.Logout(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Protocol logout failed")
		}
	}
	if cancel != nil {
		cancel()
	}
	if err := s.wipeCreds(); err != nil {
		s.log.Error().Err(err).Msg("Failed to wipe credentials")
		return err
	}
	if previous != StateDisconnected {
		s.log.Info().Str("previous_state", string(previous)).Msg("Session disconnected")
	}
	return nil
}

// Stop shuts the session down without logging out. Stored credentials are
// kept so the next process can resume.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.generation++
		if s.reconnectTimer != nil {
			s.reconnectTimer.Stop()
			s.reconnectTimer = nil
		}
		s.state = StateDisconnected
		s.qrCode = ""
		s.user = nil
		st := s.statusLocked()
		s.mu.Unlock()
		s.cancel()
		if err := s.client.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close protocol client")
		}
		<-s.relayDone
		s.notify(st)
	})
}

func (s *Session) enqueue(msg *RawMessage) {
	s.queueMu.Lock()
	s.queue = append(s.queue, msg)
	s.queueMu.Unlock()
	select {
	case s.queueSignal <- struct{}{}:
	default:
	}
}

func (s *Session) dequeue() *RawMessage {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	msg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return msg
}

func (s *Session) relayLoop() {
	defer close(s.relayDone)
	for {
		for msg := s.dequeue(); msg != nil; msg = s.dequeue() {
			if s.ctx.Err() != nil {
				return
			}
			if s.handler != nil {
				s.handler.HandleMessage(s.ctx, s, msg)
			}
		}
		select {
		case <-s.ctx.Done():
			s.queueMu.Lock()
			pending := len(s.queue)
			s.queueMu.Unlock()
			if pending > 0 {
				s.log.Warn().Int("pending", pending).Msg("Dropping unprocessed inbound messages on shutdown")
			}
			return
		case <-s.queueSignal:
		}
	}
}
