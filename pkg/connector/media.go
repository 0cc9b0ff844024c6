// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"go.mau.fi/util/exmime"
	"go.mau.fi/util/random"
)

// ObjectStorage stores media blobs and returns a durable URL for them.
type ObjectStorage interface {
	Upload(ctx context.Context, data []byte, fileName, mimeType, namespaceHint string) (string, error)
}

// MediaFileName returns fileName, or a random name with an extension matching
// mimeType when fileName is empty.
func MediaFileName(fileName, mimeType string) string {
	fileName = filepath.Base(strings.TrimSpace(fileName))
	if fileName != "" && fileName != "." && fileName != string(filepath.Separator) {
		return fileName
	}
	ext := exmime.ExtensionFromMimetype(mimeType)
	if ext == "" {
		ext = ".bin"
	}
	return random.String(16) + ext
}

func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	return strings.Trim(s, ".")
}

// LocalStorage writes media below a directory served at PublicURL.
type LocalStorage struct {
	Directory string
	PublicURL string
}

func (l *LocalStorage) Upload(_ context.Context, data []byte, fileName, mimeType, namespaceHint string) (string, error) {
	if l.Directory == "" {
		return "", errors.New("local storage directory not configured")
	}
	namespace := safeSegment(namespaceHint)
	if namespace == "" {
		namespace = "media"
	}
	name := random.String(8) + "-" + safeSegment(MediaFileName(fileName, mimeType))
	dir := filepath.Join(l.Directory, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	base, err := url.Parse(l.PublicURL)
	if err != nil {
		return "", fmt.Errorf("parse public url: %w", err)
	}
	base.Path = path.Join(base.Path, namespace, name)
	return base.String(), nil
}

// MattermostStorage uploads media as files into a Mattermost channel.
type MattermostStorage struct {
	Client    *model.Client4
	ChannelID string
	// PublicLinks requests a public file link. When disabled, or when the
	// server refuses, the authenticated API URL is returned instead.
	PublicLinks bool
}

func (m *MattermostStorage) Upload(ctx context.Context, data []byte, fileName, mimeType, namespaceHint string) (string, error) {
	name := MediaFileName(fileName, mimeType)
	if hint := safeSegment(namespaceHint); hint != "" {
		name = hint + "-" + name
	}
	resp, _, err := m.Client.UploadFile(ctx, data, m.ChannelID, name)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	if resp == nil || len(resp.FileInfos) == 0 {
		return "", errors.New("upload file: empty response")
	}
	fileID := resp.FileInfos[0].Id
	if m.PublicLinks {
		link, _, err := m.Client.GetFileLink(ctx, fileID)
		if err == nil && link != "" {
			return link, nil
		}
	}
	return m.Client.APIURL + "/files/" + fileID, nil
}
