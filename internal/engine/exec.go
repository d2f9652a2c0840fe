package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// execContext hands each inference to an external recognizer command. The
// command receives a 16 kHz mono WAV via --audio and prints JSON on stdout.
type execContext struct {
	cmd      []string
	cfg      config.EngineConfig
	segments []Segment
}

type execResult struct {
	Text     string        `json:"text"`
	Segments []execSegment `json:"segments"`
}

type execSegment struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

func NewExecContext(cfg config.EngineConfig) (Context, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: engine command is empty", ErrInitFailed)
	}
	return &execContext{cmd: args, cfg: cfg}, nil
}

func (e *execContext) RunFullInference(ctx context.Context, p Params, samples []float32) error {
	e.segments = nil

	file, err := os.CreateTemp("", "scribe_engine_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, audio.Float32ToInt16(samples), audio.SampleRate, 1); err != nil {
		return err
	}

	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if e.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", e.cfg.ModelPath)
	}
	if p.Language != "" {
		cmdArgs = append(cmdArgs, "--language", p.Language)
	}
	if p.Threads > 0 {
		cmdArgs = append(cmdArgs, "--threads", strconv.Itoa(p.Threads))
	}
	if p.Translate {
		cmdArgs = append(cmdArgs, "--translate")
	}
	if p.SingleSegment {
		cmdArgs = append(cmdArgs, "--single-segment")
	}
	if p.OffsetMS > 0 {
		cmdArgs = append(cmdArgs, "--offset-ms", strconv.Itoa(p.OffsetMS))
	}
	if p.InitialPrompt != "" {
		cmdArgs = append(cmdArgs, "--prompt", p.InitialPrompt)
	}

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v: %s", ErrInferenceFailed, err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return fmt.Errorf("%w: decode engine response: %v", ErrInferenceFailed, err)
	}
	if len(resp.Segments) == 0 && resp.Text != "" {
		e.segments = []Segment{{Text: resp.Text, End: audio.Duration(len(samples), audio.SampleRate)}}
		return nil
	}
	for _, seg := range resp.Segments {
		e.segments = append(e.segments, Segment{
			Text:  seg.Text,
			Start: time.Duration(seg.StartMS) * time.Millisecond,
			End:   time.Duration(seg.EndMS) * time.Millisecond,
		})
	}
	return nil
}

func (e *execContext) SegmentCount() int { return len(e.segments) }

func (e *execContext) SegmentText(i int) string {
	if i < 0 || i >= len(e.segments) {
		return ""
	}
	return e.segments[i].Text
}

func (e *execContext) SegmentSpan(i int) (time.Duration, time.Duration) {
	if i < 0 || i >= len(e.segments) {
		return 0, 0
	}
	return e.segments[i].Start, e.segments[i].End
}

// the external command keeps its own timings
func (e *execContext) ResetTimings() {}

func (e *execContext) PrintTimings() {}

func (e *execContext) Close() error { return nil }
