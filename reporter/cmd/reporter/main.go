package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/sightline/sightline/pkg/logging"
	"github.com/sightline/sightline/pkg/types"
	"github.com/sightline/sightline/reporter/internal/config"
	"github.com/sightline/sightline/reporter/internal/shipper"
)

// maxLineBytes caps one input line; longer lines abort the scan.
const maxLineBytes = 1 << 20

type cli struct {
	Config    string `help:"Path to config file." default:"config.yaml" env:"SIGHTLINE_CONFIG"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format." default:"json" enum:"json,text"`
	SourceID  string `name:"source-id" help:"Override reporter.source_id from the config file." env:"SIGHTLINE_SOURCE_ID"`
	Input     string `help:"Read sightings from this file instead of stdin." type:"existingfile"`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("sightline-reporter"),
		kong.Description("Forward JSON-lines sightings to a sightline registry server."),
	)

	if err := run(c); err != nil {
		slog.Error("sightline-reporter exited", "err", err)
		os.Exit(1)
	}
}

func run(c cli) error {
	// Logs go to stderr; stdin/stdout may be part of a pipeline.
	logger, err := logging.New(os.Stderr, c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Info("sightline-reporter starting", "config", c.Config)

	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	r := cfg.Reporter
	if c.SourceID != "" {
		r.SourceID = c.SourceID
	}
	slog.Info("config loaded",
		"server_url", r.ServerURL,
		"source_id", r.SourceID,
		"buffer_size", r.BufferSize,
		"auth_mode", r.Auth.Mode,
	)

	in := io.Reader(os.Stdin)
	if c.Input != "" {
		f, err := os.Open(c.Input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	ship, err := shipper.New(r)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The shipper outlives the reader so buffered reports can drain after EOF.
	shipCtx, cancelShip := context.WithCancel(context.Background())
	defer cancelShip()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ship.Run(shipCtx)
		return nil
	})
	g.Go(func() error {
		defer cancelShip()

		// A blocked stdin read does not observe ctx, so the reader runs on its
		// own and is abandoned on signal.
		type result struct {
			n   int
			err error
		}
		done := make(chan result, 1)
		go func() {
			n, err := readReports(ctx, in, ship.Ship)
			done <- result{n, err}
		}()

		var n int
		select {
		case <-ctx.Done():
			slog.Info("sightline-reporter interrupted", "pending", ship.Pending())
			return nil
		case res := <-done:
			if res.err != nil {
				return fmt.Errorf("read input: %w", res.err)
			}
			n = res.n
		}

		slog.Info("input finished, draining", "read", n, "pending", ship.Pending())
		drainCtx, cancel := context.WithTimeout(ctx, r.DrainTimeout)
		defer cancel()
		if err := ship.Wait(drainCtx); err != nil {
			slog.Warn("drain incomplete", "pending", ship.Pending(), "err", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("sightline-reporter stopped")
	return err
}

// readReports decodes one report per non-blank line and hands each to emit.
// Undecodable lines and lines without a key are logged and skipped. It
// returns the number of reports emitted.
func readReports(ctx context.Context, r io.Reader, emit func(types.Report)) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	n, line := 0, 0
	for sc.Scan() {
		if ctx.Err() != nil {
			return n, nil
		}
		line++
		b := sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		rep, err := types.DecodeReport(b)
		if err != nil {
			slog.Warn("reporter: skipping malformed line", "line", line, "err", err)
			continue
		}
		if rep.Key == "" {
			slog.Warn("reporter: skipping line without jobId", "line", line)
			continue
		}
		emit(rep)
		n++
	}
	return n, sc.Err()
}
