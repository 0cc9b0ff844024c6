// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package wafmt converts between Markdown and the messaging network's inline
// markup (*bold*, _italic_, ~strike~, ```mono```).
package wafmt

import (
	"regexp"
	"strings"
)

// boldMark stands in for bold delimiters while italics are rewritten.
const boldMark = "\x01"

var (
	codeRe = regexp.MustCompile("(?s)```.*?```|`[^`\n]+`")

	mdBoldStarRe  = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	mdBoldUnderRe = regexp.MustCompile(`__([^_\n]+)__`)
	mdItalicRe    = regexp.MustCompile(`\*([^*\s\n](?:[^*\n]*[^*\s\n])?)\*`)
	mdStrikeRe    = regexp.MustCompile(`~~([^~\n]+)~~`)
	mdHeadingRe   = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+?)[ \t]*#*[ \t]*$`)
	mdListRe      = regexp.MustCompile(`(?m)^([ \t]*)[*+][ \t]+`)
	mdLinkRe      = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)

	waBoldRe   = regexp.MustCompile(`\*([^*\s\n](?:[^*\n]*[^*\s\n])?)\*`)
	waStrikeRe = regexp.MustCompile(`~([^~\s\n](?:[^~\n]*[^~\s\n])?)~`)
)

// FromMarkdown converts Markdown to network markup. Code spans and blocks are
// left untouched.
func FromMarkdown(text string) string {
	if text == "" {
		return ""
	}
	return outsideCode(text, func(s string) string {
		s = mdListRe.ReplaceAllString(s, "$1- ")
		s = mdHeadingRe.ReplaceAllString(s, boldMark+"$1"+boldMark)
		s = mdBoldStarRe.ReplaceAllString(s, boldMark+"$1"+boldMark)
		s = mdBoldUnderRe.ReplaceAllString(s, boldMark+"$1"+boldMark)
		s = mdItalicRe.ReplaceAllString(s, "_${1}_")
		s = mdStrikeRe.ReplaceAllString(s, "~$1~")
		s = mdLinkRe.ReplaceAllStringFunc(s, func(match string) string {
			parts := mdLinkRe.FindStringSubmatch(match)
			if parts[1] == parts[2] {
				return parts[2]
			}
			return parts[1] + " (" + parts[2] + ")"
		})
		return strings.ReplaceAll(s, boldMark, "*")
	})
}

// ToMarkdown converts network markup to Markdown.
func ToMarkdown(text string) string {
	if text == "" {
		return ""
	}
	return outsideCode(text, func(s string) string {
		s = waBoldRe.ReplaceAllString(s, "**$1**")
		return waStrikeRe.ReplaceAllString(s, "~~$1~~")
	})
}

// outsideCode applies fn to every part of text that is not a code span.
func outsideCode(text string, fn func(string) string) string {
	var b strings.Builder
	last := 0
	for _, loc := range codeRe.FindAllStringIndex(text, -1) {
		b.WriteString(fn(text[last:loc[0]]))
		b.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(fn(text[last:]))
	return b.String()
}
