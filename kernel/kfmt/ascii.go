package kfmt

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// SanitizeASCII normalizes a fixed-width byte string that is nominally
// 7-bit ASCII but not guaranteed to be -- ACPI OEM IDs and table
// signatures are padded fields that some firmware fills with garbage past
// the actual content -- into a string safe to fold into panic and
// diagnostic output.
func SanitizeASCII(raw []byte) string {
	clean, err := charmap.ASCII.NewDecoder().Bytes(raw)
	if err != nil || bytes.ContainsRune(clean, utf8.RuneError) {
		// Not representable under the ASCII charmap; mask the high bit
		// off each byte instead of dropping the field or leaking a
		// replacement-rune sequence into diagnostic output.
		clean = make([]byte, len(raw))
		for i, b := range raw {
			clean[i] = b & 0x7f
		}
	}

	return string(clean)
}
