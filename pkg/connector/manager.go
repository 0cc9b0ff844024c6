// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// SessionManager owns the sessions of the process, keyed by instance name.
// There is at most one session, and therefore one protocol client, per name.
type SessionManager struct {
	factory ClientFactory
	store   *CredentialStore
	handler MessageHandler
	policy  ReconnectPolicy
	gateway GatewayOptions
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	// closing holds instances with a Disconnect in progress. The channel is
	// closed once logout, wipe and teardown are done.
	closing map[string]chan struct{}
	stopped bool
}

// NewSessionManager creates an empty manager.
func NewSessionManager(factory ClientFactory, store *CredentialStore, handler MessageHandler, policy ReconnectPolicy, gateway GatewayOptions, log zerolog.Logger) *SessionManager {
	return &SessionManager{
		factory:  factory,
		store:    store,
		handler:  handler,
		policy:   policy,
		gateway:  gateway,
		log:      log.With().Str("component", "sessions").Logger(),
		sessions: make(map[string]*Session),
		closing:  make(map[string]chan struct{}),
	}
}

// Get returns the session for instance, or nil if none was created.
func (m *SessionManager) Get(instance string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[instance]
}

// Instances returns the names of all live sessions, sorted.
func (m *SessionManager) Instances() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// waitClosingLocked blocks until no Disconnect of instance is in progress.
// m.mu is released while waiting and held again on return.
func (m *SessionManager) waitClosingLocked(ctx context.Context, instance string) error {
	for {
		done, ok := m.closing[instance]
		if !ok {
			return nil
		}
		m.mu.Unlock()
		select {
		case <-done:
			m.mu.Lock()
		case <-ctx.Done():
			m.mu.Lock()
			return ctx.Err()
		}
	}
}

func (m *SessionManager) getOrCreate(instance string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.waitClosingLocked(context.Background(), instance); err != nil {
		return nil, err
	}
	if m.stopped {
		return nil, fmt.Errorf("session manager stopped")
	}
	if sess, ok := m.sessions[instance]; ok {
		return sess, nil
	}
	client, err := m.factory(instance)
	if err != nil {
		return nil, fmt.Errorf("create protocol client for %q: %w", instance, err)
	}
	sess := NewSession(instance, client, m.store, m.handler, m.policy, m.log)
	m.sessions[instance] = sess
	m.log.Debug().Str("instance", instance).Msg("Created session")
	return sess, nil
}

// Connect creates the session on first use and starts connecting it.
func (m *SessionManager) Connect(instance string) (*Session, error) {
	sess, err := m.getOrCreate(instance)
	if err != nil {
		return nil, err
	}
	sess.Connect()
	return sess, nil
}

// Disconnect logs the instance out, wipes its credentials and destroys the
// session. Disconnecting an unknown instance only wipes stored credentials.
// Until it returns, creating a new session for the instance waits.
func (m *SessionManager) Disconnect(ctx context.Context, instance string) error {
	m.mu.Lock()
	if err := m.waitClosingLocked(ctx, instance); err != nil {
		m.mu.Unlock()
		return err
	}
	sess := m.sessions[instance]
	done := make(chan struct{})
	m.closing[instance] = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if sess != nil && m.sessions[instance] == sess {
			delete(m.sessions, instance)
		}
		delete(m.closing, instance)
		m.mu.Unlock()
		close(done)
	}()
	if sess == nil {
		return m.store.Wipe(instance)
	}
	err := sess.Disconnect(ctx)
	sess.Stop()
	return err
}

// Gateway returns the command surface for instance.
func (m *SessionManager) Gateway(instance string) *Gateway {
	return &Gateway{manager: m, instance: instance, opts: m.gateway}
}

// Stop shuts every session down, keeping credentials.
func (m *SessionManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Stop()
		}()
	}
	wg.Wait()
}
