// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshal_Deterministic(t *testing.T) {
	// Map iteration order must not leak into the encoding: the header
	// bytes are AEAD additional data, so they have to be identical on
	// every device for the same logical value.
	value := map[string]any{
		"workspace_id": "ws-1",
		"epoch":        uint64(3),
		"clock":        map[string]uint64{"laptop": 3, "phone": 1},
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	for i := 0; i < 32; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal() error: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("Marshal produced different bytes on run %d", i)
		}
	}
}

func TestUnmarshal_AnyMapsAreStringKeyed(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"theme": "dark"}})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	top, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded top level is %T, want map[string]any", decoded)
	}
	if _, ok := top["nested"].(map[string]any); !ok {
		t.Fatalf("decoded nested value is %T, want map[string]any", top["nested"])
	}
}

func TestUnmarshal_IgnoresUnknownFields(t *testing.T) {
	type v2 struct {
		Name  string `cbor:"name"`
		Extra int    `cbor:"extra"`
	}
	type v1 struct {
		Name string `cbor:"name"`
	}

	data, err := Marshal(v2{Name: "laptop", Extra: 42})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var old v1
	if err := Unmarshal(data, &old); err != nil {
		t.Fatalf("Unmarshal into older schema error: %v", err)
	}
	if old.Name != "laptop" {
		t.Errorf("Name = %q, want %q", old.Name, "laptop")
	}
}
