package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

func mockOptions(t *testing.T, seconds float64) transcribeOptions {
	t.Helper()
	path := filepath.Join(t.TempDir(), "note.wav")
	if err := audio.WriteWAVFile(path, make([]int16, int(seconds*audio.SampleRate)), audio.SampleRate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	defaults := config.Default()
	opts := transcribeOptions{
		file:      path,
		converter: defaults.Files.ConverterCommand,
		segment:   300,
		engine:    defaults.Engine,
	}
	opts.engine.Mode = "mock"
	return opts
}

func TestRunTranscribe(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := runTranscribe(context.Background(), mockOptions(t, 1), &out, logger); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	got := out.String()
	if !strings.HasPrefix(got, "[16000 samples]") {
		t.Fatalf("unexpected transcript %q", got)
	}
	if !strings.Contains(got, "[recording time: 1.000 s]") {
		t.Fatalf("missing recording time in %q", got)
	}
}

func TestRunTranscribeRejectsSegmentLength(t *testing.T) {
	opts := mockOptions(t, 1)
	opts.segment = 120
	err := runTranscribe(context.Background(), opts, io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("expected segment length error")
	}
}

func TestRunTranscribeRequiresFile(t *testing.T) {
	opts := mockOptions(t, 1)
	opts.file = ""
	if err := runTranscribe(context.Background(), opts, io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestRunValidateExampleHooks(t *testing.T) {
	for _, name := range []string{"keyword-alert", "transcript-log"} {
		path := filepath.Join("..", "..", "hooks", "examples", name, "hook.yaml")
		if err := runValidate(path); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
}
