// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[string]any{
		"old_deadline": "2026-03-01T12:15:00Z",
		"new_deadline": "2026-03-01T12:30:00Z",
		"extension":    int64(2),
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("same logical value produced different encodings")
	}
}

func TestUnmarshalAnyUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"action": "extended", "count": int64(3)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if m["action"] != "extended" {
		t.Fatalf("action = %v, want extended", m["action"])
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	type v1 struct {
		Name  string `cbor:"name"`
		Extra int    `cbor:"extra"`
	}
	type v0 struct {
		Name string `cbor:"name"`
	}

	data, err := Marshal(v1{Name: "pwn-heap", Extra: 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded v0
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Name != "pwn-heap" {
		t.Fatalf("Name = %q, want pwn-heap", decoded.Name)
	}
}
