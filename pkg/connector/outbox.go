// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

var envelopeEncMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("outbox: CBOR encoder initialization failed: " + err.Error())
	}
	return mode
}()

// Outbox is a durable queue of envelopes whose webhook delivery failed. A
// retry loop re-sends them until they succeed or run out of attempts.
type Outbox struct {
	db          *sql.DB
	forwarder   Forwarder
	interval    time.Duration
	maxAttempts int
	log         zerolog.Logger
}

// OutboxEntry is a queued envelope.
type OutboxEntry struct {
	ID        int64
	Envelope  *Envelope
	Attempts  int
	LastError string
	Dead      bool
}

// OpenOutbox opens or creates the outbox database at path.
func OpenOutbox(path string, forwarder Forwarder, interval time.Duration, maxAttempts int, log zerolog.Logger) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			payload BLOB NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			dead INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (message_id, sender)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create outbox table: %w", err)
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Outbox{
		db:          db,
		forwarder:   forwarder,
		interval:    interval,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "outbox").Logger(),
	}, nil
}

// Append queues an envelope. Re-appending the same message is a no-op.
func (o *Outbox) Append(ctx context.Context, env *Envelope, cause error) error {
	payload, err := envelopeEncMode.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	now := time.Now().UnixMilli()
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO outbox (message_id, sender, payload, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (message_id, sender) DO NOTHING
	`, env.MessageID, env.From, payload, lastError, now, now)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// Entries lists queued envelopes in insertion order, including dead ones.
func (o *Outbox) Entries(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, payload, attempts, last_error, dead FROM outbox ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()
	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &payload, &entry.Attempts, &entry.LastError, &entry.Dead); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entry.Envelope = &Envelope{}
		if err := cbor.Unmarshal(payload, entry.Envelope); err != nil {
			return nil, fmt.Errorf("decode outbox entry %d: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Flush makes one delivery pass over live entries, oldest first, and returns
// how many were delivered.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	entries, err := o.Entries(ctx)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, entry := range entries {
		if entry.Dead {
			continue
		}
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		ferr := o.forwarder.Forward(ctx, entry.Envelope)
		if ferr == nil {
			if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, entry.ID); err != nil {
				return delivered, fmt.Errorf("delete outbox entry: %w", err)
			}
			delivered++
			continue
		}
		attempts := entry.Attempts + 1
		dead := o.maxAttempts > 0 && attempts >= o.maxAttempts
		deadFlag := 0
		if dead {
			deadFlag = 1
		}
		_, err := o.db.ExecContext(ctx, `
			UPDATE outbox SET attempts = ?, last_error = ?, dead = ?, updated_at = ? WHERE id = ?
		`, attempts, ferr.Error(), deadFlag, time.Now().UnixMilli(), entry.ID)
		if err != nil {
			return delivered, fmt.Errorf("update outbox entry: %w", err)
		}
		log := o.log.Warn()
		if dead {
			log = o.log.Error()
		}
		log.Err(ferr).
			Str("message_id", entry.Envelope.MessageID).
			Int("attempts", attempts).
			Bool("dead", dead).
			Msg("Outbox redelivery failed")
	}
	return delivered, nil
}

// Run retries queued envelopes every interval until ctx is done.
func (o *Outbox) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.Flush(ctx)
			if err != nil && ctx.Err() == nil {
				o.log.Error().Err(err).Msg("Outbox flush failed")
			} else if n > 0 {
				o.log.Info().Int("delivered", n).Msg("Redelivered queued envelopes")
			}
		}
	}
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.db.Close()
}
