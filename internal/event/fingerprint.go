package event

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	digitRun = regexp.MustCompile(`\d+`)
	spaceRun = regexp.MustCompile(`\s+`)
)

// Fingerprint returns a stable identifier for the shape of a message,
// ignoring the parts that vary between occurrences of the same fault
// (counters, timestamps, interface numbers). Identical faults on the same
// host must collapse into one unhandled bucket, so normalization errs on
// the aggressive side.
func Fingerprint(message string) string {
	norm := strings.ToLower(strings.TrimSpace(message))
	norm = digitRun.ReplaceAllString(norm, "#")
	norm = spaceRun.ReplaceAllString(norm, " ")

	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:8])
}

// PayloadHash identifies a raw payload for retry/replay counters. Unlike
// Fingerprint it is exact: two payloads share a retry budget only if they
// are byte-identical.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:12])
}
