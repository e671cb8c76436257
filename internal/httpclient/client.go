// Package httpclient performs a single streaming HTTP exchange and reports
// it to a [Handler] as a sequence of callbacks: response headers, body
// chunks in arrival order, then exactly one of completion or disconnect.
//
// All callbacks run on the goroutine that called [Client.Run], so a
// handler needs no locking of its own.
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const (
	// defaultReadBufferSize matches ten SRT payloads of seven TS packets.
	defaultReadBufferSize = 1316 * 10

	defaultConnectTimeout = 10 * time.Second

	quicKeepAlivePeriod = 10 * time.Second
)

// ErrReadTimeout is reported when no body bytes arrive within
// Config.ReadTimeout. It satisfies net.Error with Timeout() true.
var ErrReadTimeout error = timeoutError("httpclient: read timeout")

// ErrConnectTimeout is reported when response headers do not arrive within
// Config.ConnectTimeout.
var ErrConnectTimeout error = timeoutError("httpclient: connect timeout")

var errAlreadyRunning = errors.New("httpclient: client already running")

type timeoutError string

func (e timeoutError) Error() string   { return string(e) }
func (e timeoutError) Timeout() bool   { return true }
func (e timeoutError) Temporary() bool { return true }

// Handler receives the events of one exchange.
type Handler interface {
	// OnResponseHeader is called once with the numeric status and the
	// response headers. A negative return reads the body until EOF; a
	// non-negative return limits the body to that many bytes.
	OnResponseHeader(status string, header http.Header) int64
	// OnResponseBody is called for every chunk read. received counts all
	// body bytes so far including buf; total is the expected body size,
	// negative when unknown.
	OnResponseBody(buf []byte, received, total int64)
	// OnResponseCompleted is called when the body ends normally.
	OnResponseCompleted()
	// OnDisconnect is called when the exchange fails or is shut down.
	OnDisconnect(err error)
}

// Config configures a Client.
type Config struct {
	URL    string
	Method string
	Header http.Header

	ReadBufferSize int
	// ConnectTimeout bounds dialing and waiting for response headers.
	ConnectTimeout time.Duration
	// ReadTimeout aborts the exchange when the body stalls. Zero disables.
	ReadTimeout time.Duration

	// HTTP3 sends the request over QUIC.
	HTTP3     bool
	TLSConfig *tls.Config

	// HTTPClient overrides the client built from the fields above.
	HTTPClient *http.Client

	Log *slog.Logger
}

// Stats is a snapshot of a client's transfer counters.
type Stats struct {
	Status        string `json:"status"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
}

// Client runs one HTTP exchange against a Handler.
type Client struct {
	conf    Config
	log     *slog.Logger
	handler Handler

	mu          sync.Mutex
	running     bool
	cancel      context.CancelCauseFunc
	shutdownErr error

	status        atomic.Value // string
	bytesReceived atomic.Int64
	readCount     atomic.Int64
}

// New creates a Client that reports to h. If conf.Log is nil,
// slog.Default() is used.
func New(conf Config, h Handler) *Client {
	if conf.Method == "" {
		conf.Method = http.MethodGet
	}
	if conf.ReadBufferSize <= 0 {
		conf.ReadBufferSize = defaultReadBufferSize
	}
	if conf.ConnectTimeout <= 0 {
		conf.ConnectTimeout = defaultConnectTimeout
	}
	log := conf.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		conf:    conf,
		log:     log.With("component", "http-client", "url", conf.URL),
		handler: h,
	}
	c.status.Store("")
	return c
}

// Run performs the exchange, dispatching every handler callback on the
// calling goroutine. It returns nil when the body completes normally and
// the disconnect cause otherwise.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errAlreadyRunning
	}
	c.running = true
	c.cancel = cancel
	pending := c.shutdownErr
	c.mu.Unlock()

	if pending != nil {
		cancel(pending)
	}

	err := c.exchange(ctx, cancel)
	if err == nil {
		c.log.Debug("response completed", "bytes", c.bytesReceived.Load())
		c.handler.OnResponseCompleted()
		return nil
	}

	if ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	c.log.Debug("disconnected", "error", err, "bytes", c.bytesReceived.Load())
	c.handler.OnDisconnect(err)
	return err
}

// Shutdown aborts the exchange; err becomes the cause reported to
// OnDisconnect. It is safe to call from inside a handler callback, from
// another goroutine, or before Run.
func (c *Client) Shutdown(err error) {
	if err == nil {
		err = context.Canceled
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdownErr != nil {
		return
	}
	c.shutdownErr = err
	if c.cancel != nil {
		c.cancel(err)
	}
}

// Stats returns a snapshot of the transfer counters.
func (c *Client) Stats() Stats {
	s, _ := c.status.Load().(string)
	return Stats{
		Status:        s,
		BytesReceived: c.bytesReceived.Load(),
		ReadCount:     c.readCount.Load(),
	}
}

func (c *Client) exchange(ctx context.Context, cancel context.CancelCauseFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, c.conf.Method, c.conf.URL, nil)
	if err != nil {
		return fmt.Errorf("httpclient: build request: %w", err)
	}
	for k, vs := range c.conf.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	hc, closeTransport := c.httpClient()
	defer closeTransport()

	connectTimer := time.AfterFunc(c.conf.ConnectTimeout, func() {
		cancel(ErrConnectTimeout)
	})
	resp, err := hc.Do(req)
	connectTimer.Stop()
	if err != nil {
		return fmt.Errorf("httpclient: %s %s: %w", c.conf.Method, c.conf.URL, err)
	}
	defer resp.Body.Close()

	status := strconv.Itoa(resp.StatusCode)
	c.status.Store(status)
	c.log.Debug("response header", "status", status, "content_length", resp.ContentLength)

	expected := c.handler.OnResponseHeader(status, resp.Header)
	if err := ctx.Err(); err != nil {
		return err
	}

	var body io.Reader = resp.Body
	total := resp.ContentLength
	if expected >= 0 {
		body = io.LimitReader(resp.Body, expected)
		total = expected
	}

	return c.readBody(ctx, cancel, body, total)
}

func (c *Client) readBody(ctx context.Context, cancel context.CancelCauseFunc, body io.Reader, total int64) error {
	var idle *time.Timer
	if c.conf.ReadTimeout > 0 {
		idle = time.AfterFunc(c.conf.ReadTimeout, func() {
			cancel(ErrReadTimeout)
		})
		defer idle.Stop()
	}

	buf := make([]byte, c.conf.ReadBufferSize)
	var received int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			// The idle clock only runs while waiting on the origin; a slow
			// handler is backpressure, not a stalled body.
			if idle != nil {
				idle.Stop()
			}
			received += int64(n)
			c.bytesReceived.Add(int64(n))
			c.readCount.Add(1)

			c.handler.OnResponseBody(buf[:n], received, total)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if idle != nil {
				idle.Reset(c.conf.ReadTimeout)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Client) httpClient() (*http.Client, func()) {
	if c.conf.HTTPClient != nil {
		return c.conf.HTTPClient, func() {}
	}

	if c.conf.HTTP3 {
		tr := &http3.Transport{
			TLSClientConfig: c.conf.TLSConfig,
			QUICConfig: &quic.Config{
				KeepAlivePeriod: quicKeepAlivePeriod,
			},
		}
		return &http.Client{Transport: tr}, func() {
			if err := tr.Close(); err != nil {
				c.log.Debug("close http3 transport", "error", err)
			}
		}
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if c.conf.TLSConfig != nil {
		tr.TLSClientConfig = c.conf.TLSConfig
	}
	return &http.Client{Transport: tr}, tr.CloseIdleConnections
}
