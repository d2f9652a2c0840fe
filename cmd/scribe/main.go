package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/convert"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/hooks/manifest"
	"github.com/loqalabs/loqa-scribe/internal/transcribe"
)

var version = "0.1.0-dev"

type transcribeOptions struct {
	file      string
	converter string
	segment   int
	engine    config.EngineConfig
}

func main() {
	defaults := config.Default()

	var opts transcribeOptions
	opts.engine = defaults.Engine
	opts.engine.PrintTimings = false
	var verbose bool
	transcribeCmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	transcribeCmd.StringVar(&opts.file, "file", "", "Audio or video file to transcribe")
	transcribeCmd.StringVar(&opts.engine.ModelPath, "model", opts.engine.ModelPath, "Path to the ggml model file")
	transcribeCmd.StringVar(&opts.engine.Mode, "mode", opts.engine.Mode, "Engine mode: whisper, exec or mock")
	transcribeCmd.StringVar(&opts.engine.Command, "command", "", "Engine command template when mode=exec")
	transcribeCmd.StringVar(&opts.engine.Language, "language", opts.engine.Language, "Spoken language, or auto")
	transcribeCmd.IntVar(&opts.engine.Threads, "threads", 0, "Inference threads (0 picks from CPU count)")
	transcribeCmd.BoolVar(&opts.engine.UseGPU, "gpu", opts.engine.UseGPU, "Use the GPU when the engine supports it")
	transcribeCmd.BoolVar(&opts.engine.PrintTimings, "timings", false, "Print engine timings after each segment")
	transcribeCmd.IntVar(&opts.segment, "segment", defaults.Files.SegmentSeconds, "Segment length in seconds (300 or 600)")
	transcribeCmd.StringVar(&opts.converter, "converter", defaults.Files.ConverterCommand, "Converter command template")
	transcribeCmd.BoolVar(&verbose, "v", false, "Verbose logging")

	var manifestPath string
	validateCmd := flag.NewFlagSet("validate-hook", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", manifest.FileName, "Path to hook manifest")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'validate-hook' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "transcribe":
		transcribeCmd.Parse(os.Args[2:])
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err := runTranscribe(ctx, opts, os.Stdout, logger)
		stop()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "validate-hook":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("manifest valid")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runTranscribe converts the input to engine-ready audio, transcribes it
// segment by segment and writes the annotated transcript to out.
func runTranscribe(ctx context.Context, opts transcribeOptions, out io.Writer, logger *slog.Logger) error {
	if opts.file == "" {
		return fmt.Errorf("-file is required")
	}
	if err := config.ValidateEngine(opts.engine); err != nil {
		return err
	}
	if err := config.ValidateSegmentSeconds(opts.segment); err != nil {
		return err
	}
	conv, err := convert.NewExec(opts.converter)
	if err != nil {
		return err
	}

	tmp, err := os.MkdirTemp("", "scribe-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	wavPath := filepath.Join(tmp, "audio.wav")
	if err := conv.Convert(ctx, opts.file, wavPath); err != nil {
		return fmt.Errorf("convert %s: %w", opts.file, err)
	}
	clip, err := audio.ReadWAVFile(wavPath)
	if err != nil {
		return err
	}
	if !clip.EngineReady() {
		return fmt.Errorf("converter produced %d Hz %d channel audio, want %d Hz mono", clip.SampleRate, clip.Channels, audio.SampleRate)
	}

	engineCtx, err := engine.Open(opts.engine)
	if err != nil {
		return err
	}
	tr := transcribe.New(engineCtx, transcribe.Config{
		Params:       engine.ParamsFor(opts.engine),
		PrintTimings: opts.engine.PrintTimings,
	}, logger)
	defer tr.Close()

	logger.Info("transcribing",
		slog.String("file", opts.file),
		slog.Duration("duration", clip.Duration()),
		slog.Int("segment_seconds", opts.segment))

	res, err := tr.TranscribeSegments(ctx, clip.Samples, time.Duration(opts.segment)*time.Second, func(seg transcribe.SegmentResult) {
		logger.Info("segment done",
			slog.Int("index", seg.Index+1),
			slog.Int("total", seg.Total),
			slog.Duration("processing", seg.Result.Processing))
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, res.Annotated())
	return err
}

func runValidate(path string) error {
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	return manifest.Validate(m)
}
