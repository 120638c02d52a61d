// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package jsonutil centralizes the JSON codec used for ticket persistence,
// configuration, and wire payloads, so every component decodes/encodes the
// same way.
package jsonutil

import jsoniter "github.com/json-iterator/go"

// json is configured to match encoding/json's field-tag and number
// semantics exactly, matching the idiom in ais/prxs3.go.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MarshalIndent encodes v as indented JSON.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes JSON into v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
