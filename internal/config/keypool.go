// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ManuGH/xg2g/internal/keyfp"
)

// keyPattern matches the provider's API key token shape (spec §6).
var keyPattern = regexp.MustCompile(`^AIza[A-Za-z0-9_-]{30,}$`)

// LoadKeyPool resolves the API key pool from, in order: a newline/comma
// delimited file path, an environment variable with the same format, or a
// single-key environment variable. Duplicates are removed, preserving
// first-seen order. Every surviving token must match the provider pattern.
func LoadKeyPool(filePath, envList, envSingle string) ([]string, error) {
	var raw string
	switch {
	case filePath != "":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read key pool file %q: %w", filePath, err)
		}
		raw = string(data)
	case os.Getenv(envList) != "":
		raw = os.Getenv(envList)
	case os.Getenv(envSingle) != "":
		raw = os.Getenv(envSingle)
	default:
		return nil, fmt.Errorf("no API key pool source configured (file, %s, or %s)", envList, envSingle)
	}

	keys := splitKeys(raw)
	if len(keys) == 0 {
		return nil, fmt.Errorf("API_KEY_MISSING: key pool source produced no keys")
	}

	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		if !keyPattern.MatchString(k) {
			return nil, fmt.Errorf("API_KEY_MISSING: key does not match expected pattern (fp=%s)", keyfp.Fingerprint(k))
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("API_KEY_MISSING: key pool source produced no valid keys")
	}
	return out, nil
}

// splitKeys tokenizes on newlines and commas, trimming whitespace.
func splitKeys(raw string) []string {
	replaced := strings.NewReplacer("\r", "\n", ",", "\n").Replace(raw)
	lines := strings.Split(replaced, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
