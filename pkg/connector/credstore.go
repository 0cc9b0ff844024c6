// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

// CredentialBlob is the opaque authentication state of a session, stored as
// named entries.
type CredentialBlob map[string][]byte

// Clone returns a deep copy of the blob.
func (b CredentialBlob) Clone() CredentialBlob {
	out := make(CredentialBlob, len(b))
	for k, v := range b {
		out[k] = bytes.Clone(v)
	}
	return out
}

const (
	credFileSuffix = ".cred"
	tmpFileSuffix  = ".tmp"
)

// CredentialStore persists credential blobs under one directory per instance,
// one file per entry. When a passphrase is set every entry is encrypted with
// age using a scrypt recipient.
type CredentialStore struct {
	root       string
	passphrase string
	workFactor int
	log        zerolog.Logger

	mu      sync.Mutex
	digests map[string]map[string][32]byte
}

// NewCredentialStore creates a store rooted at dir. workFactor is the scrypt
// log2 work factor; zero keeps age's default.
func NewCredentialStore(dir, passphrase string, workFactor int, log zerolog.Logger) *CredentialStore {
	return &CredentialStore{
		root:       dir,
		passphrase: passphrase,
		workFactor: workFactor,
		log:        log.With().Str("component", "credstore").Logger(),
		digests:    make(map[string]map[string][32]byte),
	}
}

// Dir returns the directory holding the instance's credentials.
func (s *CredentialStore) Dir(instance string) string {
	if instance == "" {
		instance = "default"
	}
	return filepath.Join(s.root, url.PathEscape(instance))
}

// Load reads all entries of an instance. A missing, unreadable or corrupt
// store yields an empty blob so the caller falls back to fresh pairing.
func (s *CredentialStore) Load(instance string) CredentialBlob {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.Dir(instance)
	blob := make(CredentialBlob)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("instance", instance).Msg("Failed to list credential directory")
		}
		return blob
	}
	digests := make(map[string][32]byte)
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(fileName, credFileSuffix) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(fileName, credFileSuffix))
		if err != nil {
			s.log.Warn().Err(err).Str("file", fileName).Msg("Corrupt credential file name, starting fresh")
			return make(CredentialBlob)
		}
		value, err := s.readEntry(filepath.Join(dir, fileName))
		if err != nil {
			s.log.Warn().Err(err).Str("entry", name).Msg("Corrupt credential entry, starting fresh")
			return make(CredentialBlob)
		}
		blob[name] = value
		digests[name] = blake3.Sum256(value)
	}
	s.digests[instance] = digests
	return blob
}

// Save applies delta to the instance's store. Nil values delete entries.
// Entries whose content did not change since the last load or save are not
// rewritten.
func (s *CredentialStore) Save(instance string, delta CredentialBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.Dir(instance)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	digests := s.digests[instance]
	if digests == nil {
		digests = make(map[string][32]byte)
		s.digests[instance] = digests
	}
	var errs []error
	for name, value := range delta {
		path := filepath.Join(dir, url.PathEscape(name)+credFileSuffix)
		if value == nil {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
				continue
			}
			delete(digests, name)
			continue
		}
		sum := blake3.Sum256(value)
		if prev, ok := digests[name]; ok && prev == sum {
			if _, err := os.Stat(path); err == nil {
				continue
			}
		}
		if err := s.writeEntry(path, value); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", name, err))
			continue
		}
		digests[name] = sum
	}
	return errors.Join(errs...)
}

// Wipe removes the instance's whole credential tree.
func (s *CredentialStore) Wipe(instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.digests, instance)
	if err := os.RemoveAll(s.Dir(instance)); err != nil {
		return fmt.Errorf("wipe credentials: %w", err)
	}
	return nil
}

func (s *CredentialStore) writeEntry(path string, value []byte) error {
	data := value
	if s.passphrase != "" {
		var err error
		data, err = s.seal(value)
		if err != nil {
			return err
		}
	}
	tmp := path + tmpFileSuffix
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *CredentialStore) readEntry(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if s.passphrase == "" {
		return data, nil
	}
	return s.open(data)
}

func (s *CredentialStore) seal(plaintext []byte) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("create scrypt recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}
	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err = writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *CredentialStore) open(ciphertext []byte) ([]byte, error) {
	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("create scrypt identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return io.ReadAll(reader)
}
