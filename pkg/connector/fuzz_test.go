// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"encoding/json"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// FuzzNormalizeAddress checks that normalization never panics, is idempotent
// and always yields either "" or a user@server address.
// ---------------------------------------------------------------------------

func FuzzNormalizeAddress(f *testing.F) {
	f.Add("5511999999999", "")
	f.Add("+55 (11) 99999-9999", "s.whatsapp.net")
	f.Add("5511999999999:12@s.whatsapp.net", "")
	f.Add("120363000000@g.us", "")
	f.Add("status@broadcast", "")
	f.Add("", "")
	f.Add("@", "")
	f.Add("no digits here", "")
	f.Add("١٢٣", "") // Arabic-Indic digits
	f.Add(string([]byte{0xff, 0xfe}), "")

	f.Fuzz(func(t *testing.T, target, server string) {
		got := NormalizeAddress(target, server)
		if got == "" {
			return
		}
		if !strings.Contains(got, "@") {
			t.Errorf("NormalizeAddress(%q, %q) = %q: missing server part", target, server, got)
		}
		if again := NormalizeAddress(got, server); again != got {
			t.Errorf("NormalizeAddress not idempotent: %q -> %q -> %q", target, got, again)
		}
		if !SameAddress(got, got) {
			t.Errorf("SameAddress(%q, %q) = false", got, got)
		}
	})
}

// ---------------------------------------------------------------------------
// FuzzBuildEnvelope feeds arbitrary message JSON through classification.
// Decoding may fail; anything that decodes must classify without panicking.
// ---------------------------------------------------------------------------

func FuzzBuildEnvelope(f *testing.F) {
	f.Add(`{"id":"A","chat":"1@s.whatsapp.net","timestamp":1,"content":{"conversation":"oi"}}`)
	f.Add(`{"id":"B","chat":"1@g.us","participant":"2:3@s.whatsapp.net","content":{"image":{"caption":"c"}}}`)
	f.Add(`{"id":"C","chat":"status@broadcast","content":{"extendedText":{"text":"x"}}}`)
	f.Add(`{"content":{"video":{},"audio":{},"sticker":{}}}`)
	f.Add(`{}`)
	f.Add(`null`)

	f.Fuzz(func(t *testing.T, data string) {
		var msg RawMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return
		}
		env := BuildEnvelope("fuzz", &msg)
		if env.MessageID != msg.ID {
			t.Errorf("MessageID: got %q, want %q", env.MessageID, msg.ID)
		}
		if env.IsGroup != IsGroupAddress(msg.Chat) {
			t.Errorf("IsGroup mismatch for chat %q", msg.Chat)
		}
		kind, info := ClassifyMedia(msg.Content)
		if env.MediaKind != kind {
			t.Errorf("MediaKind: got %q, want %q", env.MediaKind, kind)
		}
		if (info == nil) != (kind == MediaNone) {
			t.Errorf("ClassifyMedia returned info=%v for kind %q", info, kind)
		}
		if _, err := json.Marshal(env); err != nil {
			t.Errorf("envelope does not marshal: %v", err)
		}
	})
}
