// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aiku/session-relay/pkg/connector/wafmt"
)

var (
	ErrNotConnected = errors.New("session is not connected")
	ErrEmptyTarget  = errors.New("target address is empty")
	ErrEmptyBody    = errors.New("message body is empty")
)

// GatewayOptions configures outbound commands.
type GatewayOptions struct {
	UserServer string
	// ConvertMarkdown rewrites Markdown in text bodies into network markup.
	ConvertMarkdown bool
}

// Gateway is the synchronous command surface of one instance. It keeps no
// state of its own.
type Gateway struct {
	manager  *SessionManager
	instance string
	opts     GatewayOptions
}

// Instance returns the instance the gateway acts on.
func (g *Gateway) Instance() string {
	return g.instance
}

func (g *Gateway) connected() (*Session, error) {
	sess := g.manager.Get(g.instance)
	if sess == nil || sess.State() != StateConnected {
		return nil, ErrNotConnected
	}
	return sess, nil
}

func (g *Gateway) send(ctx context.Context, target string, payload Payload) (string, error) {
	sess, err := g.connected()
	if err != nil {
		return "", err
	}
	addr := NormalizeAddress(target, g.opts.UserServer)
	if addr == "" {
		return "", ErrEmptyTarget
	}
	receipt, err := sess.Client().Send(ctx, addr, payload)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", addr, err)
	}
	return receipt.ID, nil
}

// SendText sends a text message and returns its ID.
func (g *Gateway) SendText(ctx context.Context, target, body string) (string, error) {
	if _, err := g.connected(); err != nil {
		return "", err
	}
	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyBody
	}
	if g.opts.ConvertMarkdown {
		body = wafmt.FromMarkdown(body)
	}
	return g.send(ctx, target, Payload{Text: body})
}

// SendImage sends an image fetched from imageURL by the protocol client.
func (g *Gateway) SendImage(ctx context.Context, target, imageURL, caption string) (string, error) {
	if _, err := g.connected(); err != nil {
		return "", err
	}
	if imageURL == "" {
		return "", ErrEmptyBody
	}
	if g.opts.ConvertMarkdown {
		caption = wafmt.FromMarkdown(caption)
	}
	return g.send(ctx, target, Payload{ImageURL: imageURL, Caption: caption})
}

// SendDocument sends a document fetched from documentURL by the protocol
// client.
func (g *Gateway) SendDocument(ctx context.Context, target, documentURL, fileName, mimeType string) (string, error) {
	if _, err := g.connected(); err != nil {
		return "", err
	}
	if documentURL == "" {
		return "", ErrEmptyBody
	}
	return g.send(ctx, target, Payload{
		DocumentURL: documentURL,
		FileName:    MediaFileName(fileName, mimeType),
		MimeType:    mimeType,
	})
}

// MarkRead marks a message as read.
func (g *Gateway) MarkRead(ctx context.Context, chat, participant, messageID string) error {
	sess, err := g.connected()
	if err != nil {
		return err
	}
	return sess.Client().MarkRead(ctx, NormalizeAddress(chat, g.opts.UserServer), participant, messageID)
}

// Status is always available, including before the session exists.
func (g *Gateway) Status() Status {
	if sess := g.manager.Get(g.instance); sess != nil {
		return sess.Status()
	}
	return Status{
		Instance:        g.instance,
		ConnectionState: StateDisconnected,
		BridgeState:     StateDisconnected.BridgeState(),
	}
}

// Connect starts connecting the instance.
func (g *Gateway) Connect() error {
	_, err := g.manager.Connect(g.instance)
	return err
}

// QRCode returns the pending pairing code, or "" when connected or when no
// code has been issued yet. An absent or disconnected session is connected
// lazily so a code will be issued.
func (g *Gateway) QRCode() (string, error) {
	sess := g.manager.Get(g.instance)
	if sess == nil || sess.State() == StateDisconnected {
		var err error
		if sess, err = g.manager.Connect(g.instance); err != nil {
			return "", err
		}
	}
	return sess.QRCode(), nil
}

// Disconnect logs out and wipes credentials. It is idempotent.
func (g *Gateway) Disconnect(ctx context.Context) error {
	return g.manager.Disconnect(ctx, g.instance)
}
