// Package pull implements HTTP-TS pull ingest: it fetches a transport
// stream served over HTTP by a camera or relay and feeds its packets into
// the ingest registry.
package pull

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/tspull/internal/httpclient"
	"github.com/zsiec/tspull/internal/httpts"
	"github.com/zsiec/tspull/internal/ingest"
)

// Protocol is the ingest protocol name recorded for pulled streams.
const Protocol = "HTTP-TS"

// pullStartTimeout bounds how long Pull waits for the header phase.
const pullStartTimeout = 15 * time.Second

// PullRequest describes a remote HTTP-TS source to pull from.
type PullRequest struct {
	URL       string `json:"url"`
	StreamKey string `json:"streamKey"`
	// Split realigns the body on TS packet boundaries before ingest.
	Split       bool          `json:"split,omitempty"`
	HTTP3       bool          `json:"http3,omitempty"`
	Header      http.Header   `json:"header,omitempty"`
	ReadTimeout time.Duration `json:"readTimeout,omitempty"`
	TLSConfig   *tls.Config   `json:"-"`
}

// PullStats combines the player and transport counters of an active pull.
type PullStats struct {
	Session   string             `json:"session"`
	Split     bool               `json:"split"`
	Player    httpts.PlayerStats `json:"player"`
	Transport httpclient.Stats   `json:"transport"`
	Ingest    ingest.IngestStats `json:"ingest"`
}

type activePull struct {
	req     PullRequest
	session string
	client  *httpclient.Client
	player  *httpts.Player
	stream  *ingest.Stream
}

// Caller manages HTTP-TS pull sessions, fetching remote sources and
// streaming their packets into the ingest registry.
type Caller struct {
	log        *slog.Logger
	registry   *ingest.Registry
	httpClient *http.Client

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller that registers pulled streams with registry.
// If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "httpts-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// SetHTTPClient makes every pull use hc instead of a transport built per
// request. Call before the first pull.
func (c *Caller) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Pull starts pulling req in the background. It returns once the response
// headers have been accepted, or with the error that ended the pull
// before then.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := validate(req); err != nil {
		return err
	}

	ready := make(chan error, 1)
	go func() {
		_, _ = c.run(ctx, req, ready)
	}()

	timer := time.NewTimer(pullStartTimeout)
	defer timer.Stop()

	select {
	case err := <-ready:
		return err
	case <-timer.C:
		if err := c.Stop(req.StreamKey); err != nil {
			c.log.Debug("stop after start timeout", "stream_key", req.StreamKey, "error", err)
		}
		return fmt.Errorf("HTTP-TS pull timed out after %s", pullStartTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run pulls req until the source ends, fails, is stopped, or ctx is
// cancelled. The returned error is nil only when the body completed
// normally.
func (c *Caller) Run(ctx context.Context, req PullRequest) (httpts.Result, error) {
	if err := validate(req); err != nil {
		return httpts.ResultFromError(err), err
	}
	return c.run(ctx, req, nil)
}

func (c *Caller) run(ctx context.Context, req PullRequest, ready chan<- error) (httpts.Result, error) {
	var readyOnce sync.Once
	signal := func(err error) {
		readyOnce.Do(func() {
			if ready != nil {
				ready <- err
			}
		})
	}
	fail := func(err error) (httpts.Result, error) {
		signal(err)
		return httpts.ResultFromError(err), err
	}

	c.mu.Lock()
	if _, exists := c.pulls[req.StreamKey]; exists {
		c.mu.Unlock()
		return fail(fmt.Errorf("pull already active for stream key %q", req.StreamKey))
	}
	ap := &activePull{req: req, session: uuid.NewString()}
	c.pulls[req.StreamKey] = ap
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pulls, req.StreamKey)
		c.mu.Unlock()
	}()

	log := c.log.With("stream_key", req.StreamKey, "session", ap.session)

	// The registry starts the stream consumer on Register, and the consumer
	// may Stop the pull at once, so the client must be published first.
	var (
		stream *ingest.Stream
		writer io.Writer
	)
	player := httpts.NewPlayer(httpts.Config{Split: req.Split, Log: log})
	client := httpclient.New(httpclient.Config{
		URL:         req.URL,
		Header:      req.Header,
		ReadTimeout: req.ReadTimeout,
		HTTP3:       req.HTTP3,
		TLSConfig:   req.TLSConfig,
		HTTPClient:  c.httpClient,
		Log:         log,
	}, &headerHook{
		Player: player,
		onHeader: func(status string) {
			stream.SetResponse(status, player.IsTSContent())
			if !player.Completed() {
				log.Info("connected", "url", req.URL, "status", status,
					"ts_content", player.IsTSContent())
				signal(nil)
			}
		},
	})
	player.Bind(client)

	var result httpts.Result
	player.SetOnPacket(httpts.PacketSinkFunc(func(data []byte) {
		if _, err := writer.Write(data); err != nil {
			client.Shutdown(fmt.Errorf("ingest write: %w", err))
			return
		}
		stream.RecordWrite(len(data))
	}))
	player.SetOnComplete(httpts.CompletionSinkFunc(func(res httpts.Result) {
		result = res
		stream.SetFirstPacketConfirmed(player.FirstPacketConfirmed())
		signal(res.Err)
	}))

	c.mu.Lock()
	ap.client = client
	ap.player = player
	c.mu.Unlock()

	var err error
	stream, writer, err = c.registry.Register(req.StreamKey, ingest.Source{
		URL:      req.URL,
		Protocol: Protocol,
		Split:    req.Split,
	})
	if err != nil {
		return fail(err)
	}

	c.mu.Lock()
	ap.stream = stream
	c.mu.Unlock()

	log.Info("pulling", "url", req.URL, "split", req.Split, "http3", req.HTTP3)
	_ = client.Run(ctx)

	// The player reports before Run returns; guard against a transport
	// that returned without a terminal callback.
	if !player.Completed() {
		player.OnDisconnect(errors.New("httpts: transport ended without a result"))
	}

	var closeErr error
	if !result.OK() {
		closeErr = result.Err
	}
	stats := stream.IngestStats()
	c.registry.Unregister(req.StreamKey, closeErr)

	attrs := []any{
		"result", result.Code.String(), "message", result.Message,
		"bytes", stats.BytesReceived, "writes", stats.WriteCount,
		"uptime_ms", stats.UptimeMs,
	}
	if req.Split {
		ps := player.Stats()
		attrs = append(attrs,
			"dropped_bytes", ps.DroppedBytes,
			"cc_errors", ps.ContinuityErrors)
	}
	if result.OK() || result.Code == httpts.CodeShutdown {
		log.Info("pull ended", attrs...)
	} else {
		log.Warn("pull failed", attrs...)
	}

	if result.OK() {
		return result, nil
	}
	return result, result.Err
}

// Stop aborts the active pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	var client *httpclient.Client
	if ok {
		client = ap.client
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for stream key %q", streamKey)
	}
	if client == nil {
		return fmt.Errorf("pull for stream key %q is still starting", streamKey)
	}

	client.Shutdown(fmt.Errorf("%w: pull stopped", httpts.ErrShutdown))
	return nil
}

// ActivePulls returns the requests of all active pulls ordered by stream key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}

// Stats returns the counters of the active pull for streamKey.
func (c *Caller) Stats(streamKey string) (PullStats, bool) {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	if !ok || ap.stream == nil {
		c.mu.Unlock()
		return PullStats{}, false
	}
	session, split, player, client, stream := ap.session, ap.req.Split, ap.player, ap.client, ap.stream
	c.mu.Unlock()

	return PullStats{
		Session:   session,
		Split:     split,
		Player:    player.Stats(),
		Transport: client.Stats(),
		Ingest:    stream.IngestStats(),
	}, true
}

// headerHook observes the header phase of a player.
type headerHook struct {
	*httpts.Player
	onHeader func(status string)
}

func (h *headerHook) OnResponseHeader(status string, header http.Header) int64 {
	n := h.Player.OnResponseHeader(status, header)
	h.onHeader(status)
	return n
}

func validate(req PullRequest) error {
	if req.URL == "" {
		return fmt.Errorf("url is required")
	}
	if req.StreamKey == "" {
		return fmt.Errorf("streamKey is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if req.HTTP3 && u.Scheme != "https" {
		return fmt.Errorf("http3 requires an https url")
	}
	return nil
}
