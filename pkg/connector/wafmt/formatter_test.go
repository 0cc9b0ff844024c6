// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package wafmt

import "testing"

func TestFromMarkdown(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hello world", "hello world"},
		{"bold stars", "**hello**", "*hello*"},
		{"bold underscores", "__hello__", "*hello*"},
		{"italic", "*hello*", "_hello_"},
		{"bold and italic", "**bold** and *it*", "*bold* and _it_"},
		{"strike", "~~gone~~", "~gone~"},
		{"heading", "# Title", "*Title*"},
		{"heading level three", "### Sub ###", "*Sub*"},
		{"list", "* one\n* two", "- one\n- two"},
		{"link", "[docs](https://example.com)", "docs (https://example.com)"},
		{"autolink", "[https://x.io](https://x.io)", "https://x.io"},
		{"inline code untouched", "run `**x**` now", "run `**x**` now"},
		{"code block untouched", "```\n**x**\n```", "```\n**x**\n```"},
		{"multiplication kept", "2 * 3 * 4", "2 * 3 * 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := FromMarkdown(tt.in); got != tt.want {
				t.Errorf("FromMarkdown(%q): got %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestToMarkdown(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "oi", "oi"},
		{"bold", "*hello*", "**hello**"},
		{"italic unchanged", "_hello_", "_hello_"},
		{"strike", "~gone~", "~~gone~~"},
		{"mixed", "*a* and ~b~", "**a** and ~~b~~"},
		{"code untouched", "```*x*```", "```*x*```"},
		{"lone star", "5 * 3", "5 * 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ToMarkdown(tt.in); got != tt.want {
				t.Errorf("ToMarkdown(%q): got %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func FuzzFromMarkdown(f *testing.F) {
	f.Add("**bold** *it* ~~s~~ [l](u)")
	f.Add("```code```")
	f.Add("")
	f.Add(string([]byte{0x01}))
	f.Fuzz(func(t *testing.T, s string) {
		if FromMarkdown(s) != FromMarkdown(s) {
			t.Errorf("non-deterministic output for %q", s)
		}
	})
}
