package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-dictation/internal/capture"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		realtime   bool
		partials   bool
		asJSON     bool
		verbose    bool
	)
	fileCmd := flag.NewFlagSet("file", flag.ExitOnError)
	fileCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	fileCmd.BoolVar(&realtime, "realtime", false, "Replay the file at its natural pace")
	fileCmd.BoolVar(&partials, "partials", true, "Print partial transcripts to stderr")
	fileCmd.BoolVar(&asJSON, "json", false, "Print the final result as JSON")
	fileCmd.BoolVar(&verbose, "v", false, "Log pipeline activity to stderr")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'file' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "file":
		fileCmd.Parse(os.Args[2:])
		if fileCmd.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: loqa-transcribe file [flags] <audio.wav>")
			os.Exit(2)
		}
		opts := fileOptions{
			configPath: configPath,
			path:       fileCmd.Arg(0),
			realtime:   realtime,
			partials:   partials,
			json:       asJSON,
			verbose:    verbose,
		}
		if err := runFile(opts); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

type fileOptions struct {
	configPath string
	path       string
	realtime   bool
	partials   bool
	json       bool
	verbose    bool
}

// runFile plays a WAV file through a single dictation session and prints the
// final transcript once the file is exhausted.
func runFile(opts fileOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	// Only the core is needed: no bus, no heartbeat, no journal on disk.
	cfg.Bus.Enabled = false
	cfg.Status.Enabled = false
	cfg.EventStore.RetentionMode = "ephemeral"

	var out io.Writer = io.Discard
	if opts.verbose {
		out = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := capture.NewFileSource(opts.path, cfg.Capture.BufferFrames, opts.realtime)
	pipeline, err := runtime.NewPipeline(ctx, cfg, source, logger)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	if opts.partials {
		ch, cancel := pipeline.Outputs.Partial.Subscribe(16)
		defer cancel()
		go func() {
			for text := range ch {
				fmt.Fprintf(os.Stderr, "… %s\n", text)
			}
		}()
	}

	if err := pipeline.Machine.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	select {
	case <-source.Done():
	case <-ctx.Done():
		pipeline.Machine.StopWithoutTranscription()
		return ctx.Err()
	}

	res := pipeline.Machine.Stop(ctx)
	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Text == "" {
		return fmt.Errorf("no transcript produced for %s", opts.path)
	}
	fmt.Println(res.Text)
	return nil
}
