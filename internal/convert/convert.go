// Package convert transcodes uploaded audio into 16 kHz mono PCM16 WAV by
// shelling out to an external converter.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/mattn/go-shellwords"
)

const (
	placeholderInput  = "{input}"
	placeholderOutput = "{output}"
)

// Converter writes an engine-ready WAV at output from any supported input.
type Converter interface {
	Convert(ctx context.Context, input, output string) error
}

// Exec runs a command template; {input} and {output} are substituted per
// argument after shell-style parsing, so paths with spaces stay intact.
type Exec struct {
	args []string
}

func NewExec(template string) (*Exec, error) {
	args, err := shellwords.Parse(template)
	if err != nil {
		return nil, fmt.Errorf("parse converter command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("converter command is empty")
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, placeholderInput) || !strings.Contains(joined, placeholderOutput) {
		return nil, fmt.Errorf("converter command must reference %s and %s", placeholderInput, placeholderOutput)
	}
	return &Exec{args: args}, nil
}

// Convert copies engine-ready WAV input through untouched and runs the
// command for everything else.
func (e *Exec) Convert(ctx context.Context, input, output string) error {
	ready, err := audio.ProbeWAVFile(input)
	if err != nil {
		return fmt.Errorf("probe input: %w", err)
	}
	if ready {
		return copyFile(input, output)
	}

	args := make([]string, len(e.args))
	for i, a := range e.args {
		a = strings.ReplaceAll(a, placeholderInput, input)
		args[i] = strings.ReplaceAll(a, placeholderOutput, output)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("converter failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("converter produced no output: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
