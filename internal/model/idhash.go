package model

import (
	"crypto/sha256"
	"sort"
	"strings"
)

// base58Alphabet is the Bitcoin-style alphabet (no 0, O, I, l) used to render
// hashed ids as short, unambiguous, copy-pastable strings. Treated as a
// stated-semantics utility per SPEC_FULL.md's non-goals — hand rolled rather
// than imported since no pack member carries a base58 library.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(b []byte) string {
	// Count leading zero bytes; each becomes a leading '1'.
	zeros := 0
	for zeros < len(b) && b[zeros] == 0 {
		zeros++
	}

	// big-endian base-256 -> base-58 via repeated division, using a
	// byte-buffer-as-bignum approach (input is always the 30-byte prefix of a
	// SHA-256 digest, so this is cheap).
	input := append([]byte(nil), b...)
	var out []byte
	for len(input) > 0 {
		var remainder int
		var quotient []byte
		for _, c := range input {
			acc := remainder*256 + int(c)
			digit := acc / 58
			remainder = acc % 58
			if len(quotient) > 0 || digit > 0 {
				quotient = append(quotient, byte(digit))
			}
		}
		out = append(out, base58Alphabet[remainder])
		input = quotient
	}
	for i := 0; i < zeros; i++ {
		out = append(out, base58Alphabet[0])
	}
	// reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) == 0 {
		return string(base58Alphabet[0])
	}
	return string(out)
}

// HashID hashes the given parts (joined with a unit separator to avoid
// ambiguous concatenation, e.g. {"a","bc"} vs {"ab","c"}) with SHA-256 and
// returns a base58-encoded, 30-byte-prefix id — the scheme spec.md §3 uses
// for Message/File/Event identity.
func HashID(parts ...string) string {
	joined := strings.Join(parts, "\x1f")
	sum := sha256.Sum256([]byte(joined))
	prefix := sum[:30]
	return base58Encode(prefix)
}

// MessageIdentity computes a Message's stable id per spec.md §3: hashed over
// {accountId, date, subject, sorted-recipient-emails, messageID} (scheme 1).
// It returns "" when neither a date nor a message-id exists; that case is
// covered by MessageIdentityFallback's {accountId, folderPath, uid} hash.
func MessageIdentity(accountID, dateRFC3339, subject string, recipientEmails []string, headerMessageID string) string {
	if dateRFC3339 != "" || headerMessageID != "" {
		sorted := append([]string(nil), recipientEmails...)
		sort.Strings(sorted)
		return HashID(accountID, dateRFC3339, subject, strings.Join(sorted, ","), headerMessageID)
	}
	return ""
}

// MessageIdentityFallback is used when neither date nor message-id exists.
func MessageIdentityFallback(accountID, folderPath string, uid uint32) string {
	return HashID(accountID, folderPath, uitoa(uid))
}

// FileIdentity hashes File id from {messageId, partId|uniqueId|description}.
func FileIdentity(messageID, partOrUniqueOrDescription string) string {
	return HashID(messageID, partOrUniqueOrDescription)
}

// EventIdentity hashes Event id per spec.md §3: stable across modifications.
func EventIdentity(accountID, calendarID, icsUID, recurrenceID string) string {
	return HashID(accountID, calendarID, icsUID, recurrenceID)
}

// FolderIdentity hashes Folder/Label id from {accountId, path}.
func FolderIdentity(accountID, path string) string {
	return HashID(accountID, path)
}

func uitoa(u uint32) string {
	if u == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}
