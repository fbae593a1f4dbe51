// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package feed

import (
	"strconv"
	"strings"
)

// The device feed is loosely typed: numbers arrive as strings, booleans as
// integers, and fields disappear between firmware versions. These helpers
// coerce a field or report failure so the caller can drop it, never aborting
// the frame.

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asSlice(v interface{}) ([]interface{}, bool) {
	s, ok := v.([]interface{})
	return s, ok
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return s, true
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" || strings.EqualFold(trimmed, "none") {
			return 0, false
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt(v interface{}) (int, bool) {
	f, ok := asFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func asBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	case int:
		return b != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

// NormalizeColor canonicalizes a vendor color value to "#rrggbb" lowercase.
// Accepted inputs are a plain 6-hex-digit value (with or without "#") and the
// vendor's 7-hex-digit encoding with a leading zero. Anything else is
// rejected and the field dropped. Normalization is idempotent: a canonical
// value passes through unchanged.
func NormalizeColor(raw string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.TrimPrefix(v, "#")

	if len(v) == 7 && v[0] == '0' {
		v = v[1:]
	}
	if len(v) != 6 {
		return "", false
	}
	for _, ch := range v {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return "", false
		}
	}
	return "#" + v, true
}
