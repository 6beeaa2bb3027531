package record

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText returns s as valid NFC-normalized UTF-8.
//
// Object names come from fixed-width byte fields and log lines from a pty, so
// either may carry invalid sequences; those are replaced with U+FFFD before
// normalization so persisted text compares byte-for-byte.
func NormalizeText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\ufffd")
	}
	return norm.NFC.String(s)
}
