// Copyright 2024-2026 Aiku AI

package connector

import "testing"

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		target string
		server string
		want   string
	}{
		{"bare digits", "5511999999999", "", "5511999999999@s.whatsapp.net"},
		{"formatted number", "+55 (11) 99999-9999", "", "5511999999999@s.whatsapp.net"},
		{"custom server", "123", "net", "123@net"},
		{"already address", "5511999999999@net", "", "5511999999999@net"},
		{"device suffix stripped", "5511:7@s.whatsapp.net", "", "5511@s.whatsapp.net"},
		{"group kept", "1203630@g.us", "", "1203630@g.us"},
		{"whitespace", "  42  ", "", "42@s.whatsapp.net"},
		{"empty", "", "", ""},
		{"no digits", "abc", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NormalizeAddress(tt.target, tt.server)
			if got != tt.want {
				t.Errorf("NormalizeAddress(%q, %q): got %q, want %q", tt.target, tt.server, got, tt.want)
			}
		})
	}
}

func TestIsGroupAddress(t *testing.T) {
	t.Parallel()
	if !IsGroupAddress("1203630@g.us") {
		t.Error("expected group address")
	}
	if IsGroupAddress("5511@s.whatsapp.net") {
		t.Error("individual address reported as group")
	}
}

func TestIsBroadcastAddress(t *testing.T) {
	t.Parallel()
	for _, addr := range []string{"status@broadcast", "12345@broadcast"} {
		if !IsBroadcastAddress(addr) {
			t.Errorf("IsBroadcastAddress(%q): got false, want true", addr)
		}
	}
	if IsBroadcastAddress("5511@s.whatsapp.net") {
		t.Error("individual address reported as broadcast")
	}
}

func TestSameAddress(t *testing.T) {
	t.Parallel()
	if !SameAddress("5511:3@s.whatsapp.net", "5511@s.whatsapp.net") {
		t.Error("device suffix should be ignored")
	}
	if SameAddress("", "") {
		t.Error("empty addresses should never match")
	}
	if SameAddress("1@net", "2@net") {
		t.Error("different users matched")
	}
}

func TestAddressUser(t *testing.T) {
	t.Parallel()
	if got := AddressUser("5511:9@net"); got != "5511" {
		t.Errorf("AddressUser: got %q, want %q", got, "5511")
	}
}
