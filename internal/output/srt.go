package output

import (
	"context"
	"fmt"
	"net/url"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

const (
	// srtPayloadSize is seven TS packets, the standard SRT payload size.
	srtPayloadSize = 1316

	// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
	srtLatencyNs = 120_000_000

	srtDialTimeout = 10 * time.Second
)

// srtConn is the part of *srtgo.Conn the writer needs.
type srtConn interface {
	Write(p []byte) (int, error)
	Close() error
}

// SRTWriter relays a transport stream to an SRT listener. Writes are
// re-chunked so every SRT payload carries whole 1316-byte units; a short
// tail is held until more data arrives or the writer is closed.
type SRTWriter struct {
	conn srtConn
	buf  []byte
}

// DialSRT connects to the SRT listener named by target, an
// srt://host:port URL with an optional streamid query parameter.
func DialSRT(ctx context.Context, target string) (*SRTWriter, error) {
	addr, streamID, err := parseSRTTarget(target)
	if err != nil {
		return nil, err
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("output: SRT dial %s: %w", addr, res.err)
		}
		return newSRTWriter(res.conn), nil
	case <-timer.C:
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("output: SRT dial %s timed out after %s", addr, srtDialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func newSRTWriter(conn srtConn) *SRTWriter {
	return &SRTWriter{conn: conn, buf: make([]byte, 0, srtPayloadSize)}
}

// Write buffers p and sends every complete payload.
func (w *SRTWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		take := min(srtPayloadSize-len(w.buf), len(p))
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]

		if len(w.buf) == srtPayloadSize {
			if _, err := w.conn.Write(w.buf); err != nil {
				return n - len(p) - take, fmt.Errorf("output: SRT write: %w", err)
			}
			w.buf = w.buf[:0]
		}
	}
	return n, nil
}

// Close flushes any buffered tail and closes the connection.
func (w *SRTWriter) Close() error {
	var flushErr error
	if len(w.buf) > 0 {
		_, flushErr = w.conn.Write(w.buf)
		w.buf = w.buf[:0]
	}
	if err := w.conn.Close(); err != nil {
		return err
	}
	if flushErr != nil {
		return fmt.Errorf("output: SRT flush: %w", flushErr)
	}
	return nil
}

// parseSRTTarget splits an srt:// URL into the dial address and stream ID.
func parseSRTTarget(target string) (addr, streamID string, err error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", fmt.Errorf("output: invalid SRT target %q: %w", target, err)
	}
	if u.Scheme != "srt" || u.Host == "" {
		return "", "", fmt.Errorf("output: invalid SRT target %q", target)
	}
	return u.Host, u.Query().Get("streamid"), nil
}
