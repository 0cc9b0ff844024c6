// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"
	"unicode"
)

// DefaultUserServer is the address domain used for individual accounts when a
// bare phone number is given.
const DefaultUserServer = "s.whatsapp.net"

const (
	groupServer     = "g.us"
	broadcastServer = "broadcast"
	statusBroadcast = "status@broadcast"
)

// NormalizeAddress converts a target into the network's address form. Inputs
// that already contain a server part are returned with the device suffix
// stripped; anything else is reduced to its digits and joined with userServer.
func NormalizeAddress(target, userServer string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if strings.Contains(target, "@") {
		return BareAddress(target)
	}
	if userServer = strings.TrimSpace(userServer); userServer == "" {
		userServer = DefaultUserServer
	}
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, target)
	if digits == "" {
		return ""
	}
	return digits + "@" + userServer
}

// BareAddress strips the device part ("user:12@server" -> "user@server").
func BareAddress(addr string) string {
	user, server, ok := strings.Cut(addr, "@")
	if !ok {
		return addr
	}
	if idx := strings.IndexByte(user, ':'); idx >= 0 {
		user = user[:idx]
	}
	return user + "@" + server
}

// AddressUser returns the part of an address before the server.
func AddressUser(addr string) string {
	user, _, _ := strings.Cut(BareAddress(addr), "@")
	return user
}

// IsGroupAddress reports whether addr is a group chat.
func IsGroupAddress(addr string) bool {
	return strings.HasSuffix(addr, "@"+groupServer)
}

// IsBroadcastAddress reports whether addr is a status or broadcast list
// pseudo-chat.
func IsBroadcastAddress(addr string) bool {
	return addr == statusBroadcast || strings.HasSuffix(addr, "@"+broadcastServer)
}

// SameAddress compares two addresses ignoring device parts.
func SameAddress(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return BareAddress(a) == BareAddress(b)
}
