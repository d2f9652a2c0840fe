package convert

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

func TestNewExecRequiresPlaceholders(t *testing.T) {
	if _, err := NewExec("ffmpeg -i in.mp3 out.wav"); err == nil {
		t.Fatal("expected error without placeholders")
	}
	if _, err := NewExec(""); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExec(config.DefaultConverterCommand); err != nil {
		t.Fatalf("default command rejected: %v", err)
	}
}

func TestPassthroughForEngineReadyWAV(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.wav")
	out := filepath.Join(dir, "out.wav")
	if err := audio.WriteWAVFile(in, []int16{1, 2, 3}, audio.SampleRate); err != nil {
		t.Fatal(err)
	}
	// a converter that would fail if it ran
	conv, err := NewExec("false {input} {output}")
	if err != nil {
		t.Fatal(err)
	}
	if err := conv.Convert(context.Background(), in, out); err != nil {
		t.Fatalf("convert: %v", err)
	}
	clip, err := audio.ReadWAVFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(clip.Samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(clip.Samples))
	}
}

func TestExecRunsCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires cp")
	}
	dir := t.TempDir()
	in := filepath.Join(dir, "in put.mp3")
	out := filepath.Join(dir, "out.wav")
	if err := os.WriteFile(in, []byte("not a wav"), 0o644); err != nil {
		t.Fatal(err)
	}
	conv, err := NewExec("cp {input} {output}")
	if err != nil {
		t.Fatal(err)
	}
	if err := conv.Convert(context.Background(), in, out); err != nil {
		t.Fatalf("convert: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != "not a wav" {
		t.Fatalf("expected copied output, got %q err=%v", data, err)
	}
}

func TestExecReportsStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	in := filepath.Join(dir, "in.mp3")
	if err := os.WriteFile(in, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	conv, err := NewExec(`sh -c "echo bad codec >&2; exit 1" {input} {output}`)
	if err != nil {
		t.Fatal(err)
	}
	err = conv.Convert(context.Background(), in, filepath.Join(dir, "out.wav"))
	if err == nil || !strings.Contains(err.Error(), "bad codec") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}
