// Package normalize turns provider-specific message fragments into the shapes stored
// for every integration: lowercased addresses, a text/HTML body pair and a snippet.
package normalize

import (
	"regexp"
	"strings"

	"github.com/vdavid/mailsync/internal/models"
)

var (
	// "Display Name" <addr>, Display Name <addr> or <addr>
	namedAddressPattern = regexp.MustCompile(`^\s*(?:"((?:[^"\\]|\\.)*)"|([^<]*?))\s*<\s*([^<>\s]+)\s*>\s*$`)
	bareAddressPattern  = regexp.MustCompile(`[^\s<>"(),;:]+@[^\s<>"(),;:]+`)
)

// ParseAddressHeader parses a single address header value. The quoted and angle
// bracket form is tried first, then a bare address anywhere in the value. The
// email is always lowercased.
func ParseAddressHeader(raw string) models.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.Address{}
	}

	if m := namedAddressPattern.FindStringSubmatch(raw); m != nil {
		name := m[2]
		if m[1] != "" {
			name = unescapeQuoted(m[1])
		}
		return models.Address{
			Name:  strings.TrimSpace(name),
			Email: strings.ToLower(m[3]),
		}
	}

	if addr := bareAddressPattern.FindString(raw); addr != "" {
		return models.Address{Email: strings.ToLower(addr)}
	}

	return models.Address{Email: strings.ToLower(raw)}
}

// ParseAddressList splits a header on commas that are outside quotes and angle
// brackets and parses each entry. Empty entries are dropped.
func ParseAddressList(raw string) []models.Address {
	var (
		addrs   []models.Address
		current strings.Builder
		quoted  bool
		angle   bool
		escaped bool
	)

	flush := func() {
		if entry := strings.TrimSpace(current.String()); entry != "" {
			if addr := ParseAddressHeader(entry); addr.Email != "" {
				addrs = append(addrs, addr)
			}
		}
		current.Reset()
	}

	for _, r := range raw {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == '<' && !quoted:
			angle = true
		case r == '>' && !quoted:
			angle = false
		case r == ',' && !quoted && !angle:
			flush()
			continue
		}
		current.WriteRune(r)
	}
	flush()

	return addrs
}

// FormatAddress renders an address for an outgoing header.
func FormatAddress(addr models.Address) string {
	if addr.Name == "" {
		return addr.Email
	}
	return `"` + strings.ReplaceAll(addr.Name, `"`, `\"`) + `" <` + addr.Email + `>`
}

func unescapeQuoted(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}
