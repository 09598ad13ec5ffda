// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package keyfp computes stable, short fingerprints for API keys so that
// logs, metrics, and error strings never carry the raw token.
package keyfp

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns a short, stable, non-reversible identifier for key.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:12]
}
