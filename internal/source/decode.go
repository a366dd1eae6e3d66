package source

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"
)

// Store timestamps count from 2001-01-01 UTC.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// Newer stores write nanoseconds, older ones seconds; anything this large is nanoseconds.
const nanosecondThreshold = 100_000_000_000

// AppleTime converts a stored timestamp. Zero and negative values are invalid.
func AppleTime(v int64) (time.Time, bool) {
	if v <= 0 {
		return time.Time{}, false
	}
	if v > nanosecondThreshold {
		return appleEpoch.Add(time.Duration(v)), true
	}
	return appleEpoch.Add(time.Duration(v) * time.Second), true
}

// ToAppleTime is the inverse of AppleTime, in nanoseconds.
func ToAppleTime(t time.Time) int64 {
	return t.Sub(appleEpoch).Nanoseconds()
}

// bestTimestamp prefers delivery time, then read time, then the written date.
func bestTimestamp(date, dateRead, dateDelivered int64) (time.Time, bool) {
	if t, ok := AppleTime(dateDelivered); ok {
		return t, true
	}
	if t, ok := AppleTime(dateRead); ok {
		return t, true
	}
	return AppleTime(date)
}

var nsStringMarker = []byte("NSString")

// decodeAttributedBody pulls the plain string out of a typedstream-encoded
// NSAttributedString. Returns "" when the blob has no recognizable string.
func decodeAttributedBody(b []byte) string {
	i := bytes.Index(b, nsStringMarker)
	if i < 0 {
		return ""
	}
	rest := b[i+len(nsStringMarker):]
	// Class preamble ends with '+', followed by the length-prefixed bytes.
	j := bytes.IndexByte(rest, '+')
	if j < 0 || j+1 >= len(rest) {
		return ""
	}
	rest = rest[j+1:]

	n := int(rest[0])
	rest = rest[1:]
	switch n {
	case 0x81:
		if len(rest) < 2 {
			return ""
		}
		n = int(binary.LittleEndian.Uint16(rest))
		rest = rest[2:]
	case 0x82:
		if len(rest) < 4 {
			return ""
		}
		n = int(binary.LittleEndian.Uint32(rest))
		rest = rest[4:]
	}
	if n > len(rest) {
		return ""
	}
	return strings.ToValidUTF8(string(rest[:n]), "�")
}

// cleanText drops the object replacement characters that stand in for attachments.
func cleanText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "￼", ""))
}

// reactionFromType maps associated_message_type to a tapback. 2000-2005 add,
// 3000-3005 remove; other codes (custom emoji, stickers) are not tapbacks we model.
func reactionFromType(t int64) (ReactionKind, ReactionAction, bool) {
	switch {
	case t >= 2000 && t <= 2005:
		return ReactionKind(t - 2000), ReactionAdded, true
	case t >= 3000 && t <= 3005:
		return ReactionKind(t - 3000), ReactionRemoved, true
	}
	return 0, 0, false
}

// targetGUID strips the part prefix from associated_message_guid:
// "p:0/GUID" and "bp:GUID" both yield GUID.
func targetGUID(assoc string) string {
	assoc = strings.TrimSpace(assoc)
	if i := strings.LastIndexByte(assoc, '/'); i >= 0 {
		return assoc[i+1:]
	}
	if i := strings.LastIndexByte(assoc, ':'); i >= 0 {
		return assoc[i+1:]
	}
	return assoc
}
