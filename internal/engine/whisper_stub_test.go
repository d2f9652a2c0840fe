//go:build !whisper

package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNativeUnavailableWithoutTag(t *testing.T) {
	model := filepath.Join(t.TempDir(), "ggml-base.en.bin")
	if err := os.WriteFile(model, []byte("model"), 0o644); err != nil {
		t.Fatal(err)
	}
	if NativeAvailable() {
		t.Fatal("stub build must not report native support")
	}
	if _, err := InitFromModelFile(model, ContextParams{}); !errors.Is(err, ErrNativeUnavailable) {
		t.Fatalf("expected ErrNativeUnavailable, got %v", err)
	}
}
