package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Fingerprint derives the stable content identity used for deduplication and
// upsert routing. The same bytes always hash to the same digest; the optional
// context string disambiguates byte-identical boilerplate coming from
// different sources (e.g. two scraped pages sharing a template).
//
// Cosmetic near-duplicates (whitespace, markup) are intentionally NOT
// collapsed here; content normalization is an upstream concern.
func Fingerprint(content []byte, context string) string {
	h := sha256.New()
	h.Write(content)
	if context != "" {
		// Length-prefix framing so ("ab","c") and ("a","bc") cannot collide.
		h.Write([]byte{0})
		h.Write([]byte(context))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintFields hashes an extractor field map deterministically: keys are
// sorted before hashing so map iteration order never leaks into the digest.
// Used when the inbound unit of work is structured data rather than raw bytes.
func FingerprintFields(fields map[string]string, context string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(fields[k]))
		h.Write([]byte{0})
	}
	if context != "" {
		h.Write([]byte{0})
		h.Write([]byte(context))
	}
	return hex.EncodeToString(h.Sum(nil))
}
