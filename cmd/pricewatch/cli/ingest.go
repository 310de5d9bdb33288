package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pricewatch/pricewatch/internal/ingest"
)

const maxLineBytes = 1 << 20

// Exit codes returned by IngestCommand.
const (
	ExitOK       = 0
	ExitUsage    = 1
	ExitPartial  = 10
	ExitCanceled = 130
)

// Ingester runs a batch of observations as one run.
type Ingester interface {
	Ingest(ctx context.Context, obs []ingest.RawObservation, set ingest.FingerprintSet) ingest.Stats
}

// Fetcher downloads a remote observation feed.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// IngestOptions defines flags for the ingest command.
type IngestOptions struct {
	Path   string
	Stdout io.Writer
	Stderr io.Writer
}

// IngestCLI loads JSON Lines feeds of raw observations.
type IngestCLI struct {
	pipeline Ingester
	fetcher  Fetcher
}

// NewIngestCLI constructs the helper around pipeline. fetcher may be nil when
// only local files are ingested.
func NewIngestCLI(pipeline Ingester, fetcher Fetcher) (*IngestCLI, error) {
	if pipeline == nil {
		return nil, errors.New("ingest cli: pipeline required")
	}
	return &IngestCLI{pipeline: pipeline, fetcher: fetcher}, nil
}

// IngestCommand reads one observation per line from opts.Path, runs them as a
// single run and prints the stats as JSON. Path may be a file, "-" for stdin,
// or an http(s) URL. Malformed lines are reported on stderr and skipped. The
// exit code is ExitPartial when any line was malformed or any item failed.
func (c *IngestCLI) IngestCommand(ctx context.Context, opts IngestOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Path == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "ingest: a JSON Lines file path is required")
		return ExitUsage
	}

	in, closeIn, err := c.openInput(ctx, opts.Path)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "ingest: %v\n", err)
		return ExitUsage
	}
	defer closeIn()

	obs, malformed, err := readObservations(in, opts.Stderr)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "ingest: read %s: %v\n", opts.Path, err)
		return ExitUsage
	}

	stats := c.pipeline.Ingest(ctx, obs, ingest.NewMemorySet())
	enc := json.NewEncoder(opts.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "ingest: encode json: %v\n", err)
		return ExitUsage
	}
	switch {
	case ctx.Err() != nil && stats.Received < len(obs):
		return ExitCanceled
	case malformed > 0 || stats.Failed > 0:
		return ExitPartial
	}
	return ExitOK
}

func (c *IngestCLI) openInput(ctx context.Context, path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		if c.fetcher == nil {
			return nil, nil, errors.New("remote feeds are not configured")
		}
		body, err := c.fetcher.Get(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return bytes.NewReader(body), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func readObservations(r io.Reader, stderr io.Writer) ([]ingest.RawObservation, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var (
		out       []ingest.RawObservation
		malformed int
		line      int
	)
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var obs ingest.RawObservation
		if err := json.Unmarshal(raw, &obs); err != nil {
			malformed++
			_, _ = fmt.Fprintf(stderr, "ingest: line %d: %v\n", line, err)
			continue
		}
		out = append(out, obs)
	}
	return out, malformed, scanner.Err()
}
