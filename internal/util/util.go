// Package util provides small helpers shared across the bridge: secure
// random identifier generation and safe string truncation for logging.
package util

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// RandomToken returns a cryptographically random, URL-safe string carrying
// n bytes of entropy. It is used for client IDs, client secrets, and
// authorization codes. Panics only if the system RNG fails, which indicates
// a critical system-level failure.
func RandomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. It is used when logging sensitive values like tokens, where
// only a short prefix should be shown.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes.
func NormalizeURL(url string) string {
	for len(url) > 0 && url[len(url)-1] == '/' {
		url = url[:len(url)-1]
	}
	return url
}
