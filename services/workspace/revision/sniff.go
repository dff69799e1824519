// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import (
	"bytes"
	"net/http"
	"unicode/utf8"
)

// Classify decides whether raw bytes are decodable text.
//
// # Description
//
// Total function: binary content is a valid classification, not an
// error. Bytes are text when they contain no NUL and form valid UTF-8.
//
// # Outputs
//
//   - string: The decoded text. Empty when ok is false.
//   - bool: False for binary content.
func Classify(b []byte) (string, bool) {
	if bytes.IndexByte(b, 0) >= 0 {
		return "", false
	}
	if !utf8.Valid(b) {
		return "", false
	}
	return string(b), true
}

// ContentType sniffs a MIME type for raw file bytes, preferring the
// text classification above over the generic sniffer so UTF-8 sources
// without a magic prefix still tag as text.
func ContentType(b []byte) string {
	if _, ok := Classify(b); ok {
		sniffed := http.DetectContentType(b)
		if sniffed == "application/octet-stream" {
			return "text/plain; charset=utf-8"
		}
		return sniffed
	}
	return http.DetectContentType(b)
}
