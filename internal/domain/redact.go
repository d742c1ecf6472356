// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

const redactedValue = "<redacted>"

// RedactString hides a secret in API responses. Empty input stays empty so
// clients can tell "not set" from "set".
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

func IsRedactedString(s string) bool {
	return s == redactedValue
}
