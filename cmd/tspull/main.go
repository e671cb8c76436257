package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tspull/internal/certs"
	"github.com/zsiec/tspull/internal/config"
	"github.com/zsiec/tspull/internal/httpts"
	"github.com/zsiec/tspull/internal/ingest"
	"github.com/zsiec/tspull/internal/ingest/pull"
	"github.com/zsiec/tspull/internal/output"
)

var version = "dev"

// statsInterval is how often active pulls log their counters.
const statsInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", envOr("TSPULL_CONFIG", ""), "path to a TOML config file")
	src := config.Source{}
	flag.StringVar(&src.URL, "url", "", "HTTP-TS source URL (single-source mode)")
	flag.StringVar(&src.Key, "key", "default", "stream key (single-source mode)")
	flag.BoolVar(&src.Split, "split", false, "realign output on TS packet boundaries")
	flag.BoolVar(&src.HTTP3, "http3", false, "fetch over HTTP/3")
	flag.StringVar(&src.Output, "out", "-", "output: -, a file path, or srt://host:port?streamid=...")
	flag.StringVar(&src.CAFile, "ca-file", "", "PEM bundle to trust for https sources")
	flag.DurationVar(&src.ReadTimeout.Duration, "read-timeout", config.DefaultReadTimeout, "abort when the body stalls this long")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath, src)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	if *verbose || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("tspull starting", "version", version, "sources", len(cfg.Sources))

	a := newApp(ctx, cfg)
	failed := a.run(ctx)
	if failed > 0 && ctx.Err() == nil {
		slog.Error("pulls failed", "count", failed)
		os.Exit(1)
	}
}

// loadConfig reads the config file if one is given, otherwise it builds a
// single-source configuration from the command line flags.
func loadConfig(path string, src config.Source) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if src.URL == "" {
		return config.Config{}, errors.New("either -config or -url is required")
	}
	cfg := config.Config{Sources: []config.Source{src}}
	cfg.ApplyDefaults()
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

type app struct {
	cfg      config.Config
	registry *ingest.Registry
	caller   *pull.Caller

	outputs map[string]string
}

func newApp(ctx context.Context, cfg config.Config) *app {
	a := &app{
		cfg:     cfg,
		outputs: make(map[string]string, len(cfg.Sources)),
	}
	for _, s := range cfg.Sources {
		a.outputs[s.Key] = s.Output
	}
	a.registry = ingest.NewRegistry(func(key string, input io.Reader, _ ingest.Source) {
		a.handleNewStream(ctx, key, input)
	})
	a.caller = pull.NewCaller(a.registry, nil)
	return a
}

// run pulls every source concurrently and returns the number that ended
// in failure.
func (a *app) run(ctx context.Context) int {
	var (
		mu     sync.Mutex
		failed int
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range a.cfg.Sources {
		g.Go(func() error {
			req, err := pullRequest(s)
			if err != nil {
				slog.Error("source", "key", s.Key, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			res, err := a.caller.Run(ctx, req)
			if err != nil && res.Code != httpts.CodeShutdown {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}

	done := make(chan struct{})
	go a.logStats(done)

	_ = g.Wait()
	close(done)
	a.registry.Wait()
	return failed
}

func pullRequest(s config.Source) (pull.PullRequest, error) {
	tlsConf, err := certs.ClientTLSConfig(s.CAFile)
	if err != nil {
		return pull.PullRequest{}, err
	}
	var header http.Header
	if len(s.Headers) > 0 {
		header = make(http.Header, len(s.Headers))
		for k, v := range s.Headers {
			header.Set(k, v)
		}
	}
	return pull.PullRequest{
		URL:         s.URL,
		StreamKey:   s.Key,
		Split:       s.Split,
		HTTP3:       s.HTTP3,
		Header:      header,
		ReadTimeout: s.ReadTimeout.Duration,
		TLSConfig:   tlsConf,
	}, nil
}

// handleNewStream copies an ingested stream to its configured output. If
// the output fails the rest of the stream is discarded so the pull is not
// blocked.
func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader) {
	defer func() {
		_, _ = io.Copy(io.Discard, input)
	}()

	target := a.outputs[key]
	log := slog.With("stream_key", key, "output", target)
	w, err := output.Open(ctx, target)
	if err != nil {
		log.Error("failed to open output", "error", err)
		if stopErr := a.caller.Stop(key); stopErr != nil {
			log.Debug("stop after output failure", "error", stopErr)
		}
		return
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Warn("close output", "error", err)
		}
	}()

	ew := &errWriter{w: w}
	n, _ := io.Copy(ew, input)
	if ew.err != nil {
		log.Error("output failed", "bytes", n, "error", ew.err)
		if stopErr := a.caller.Stop(key); stopErr != nil {
			log.Debug("stop after output failure", "error", stopErr)
		}
		return
	}
	log.Info("output finished", "bytes", n)
}

// errWriter remembers the first write error so output failures can be told
// apart from the pull's own terminal error surfacing through the pipe.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil && e.err == nil {
		e.err = err
	}
	return n, err
}

func statsAttrs(key string, stats pull.PullStats) []any {
	attrs := []any{
		"stream_key", key,
		"session", stats.Session,
		"status", stats.Player.Status,
		"ts_content", stats.Player.TSContent,
		"first_packet_ts", stats.Player.FirstPacketConfirmed,
		"bytes", stats.Transport.BytesReceived,
		"packets", stats.Player.PacketCallbacks,
		"uptime_ms", stats.Ingest.UptimeMs,
	}
	if stats.Split {
		attrs = append(attrs,
			"dropped_bytes", stats.Player.DroppedBytes,
			"aligned_packets", stats.Player.AlignedPackets,
			"cc_errors", stats.Player.ContinuityErrors)
	}
	return attrs
}

func (a *app) logStats(done <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, req := range a.caller.ActivePulls() {
				stats, ok := a.caller.Stats(req.StreamKey)
				if !ok {
					continue
				}
				slog.Info("pull stats", statsAttrs(req.StreamKey, stats)...)
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
