// Package nfc normalizes listing entry names using golang.org/x/text's
// Unicode normalization.
package nfc

import "golang.org/x/text/unicode/norm"

// Normalize returns s in Unicode Normalization Form C, for comparing and
// displaying filenames a server may have returned in a decomposed form.
func Normalize(s string) string {
	return norm.NFC.String(s)
}
