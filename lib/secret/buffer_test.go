// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewFromBytes_ZeroesSource(t *testing.T) {
	source := []byte("workspace-sync-key-material")
	want := append([]byte(nil), source...)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), want) {
		t.Errorf("Bytes() = %q, want %q", buffer.Bytes(), want)
	}
	for i, b := range source {
		if b != 0 {
			t.Fatalf("source byte %d not zeroed after NewFromBytes", i)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	buffer, err := NewFromBytes([]byte("secret"))
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestBytes_PanicsAfterClose(t *testing.T) {
	buffer, err := NewFromBytes([]byte("secret"))
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestNew_RejectsNonPositiveSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) succeeded, want error")
	}
	if _, err := New(-1); err == nil {
		t.Error("New(-1) succeeded, want error")
	}
}

func TestZero(t *testing.T) {
	data := []byte{1, 2, 3}
	Zero(data)
	if !bytes.Equal(data, []byte{0, 0, 0}) {
		t.Errorf("Zero left %v", data)
	}
}
