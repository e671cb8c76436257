// Package ingest manages active ingest streams, coupling each source's
// packet writer with metadata, lifecycle signaling, and dispatch to the
// consumer that drains it.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicateKey is returned by Register when the key is already active.
var ErrDuplicateKey = errors.New("ingest: stream key already registered")

// Source describes where an ingest stream comes from.
type Source struct {
	URL      string
	Protocol string
	Split    bool
}

// IngestStats captures connection-level metrics for an ingest stream.
type IngestStats struct {
	BytesReceived        int64  `json:"bytesReceived"`
	WriteCount           int64  `json:"writeCount"`
	ConnectedAt          int64  `json:"connectedAt"`
	UptimeMs             int64  `json:"uptimeMs"`
	SourceURL            string `json:"sourceUrl"`
	Protocol             string `json:"protocol"`
	Status               string `json:"status,omitempty"`
	TSContent            bool   `json:"tsContent"`
	FirstPacketConfirmed bool   `json:"firstPacketConfirmed"`
}

// Stream represents an active ingest stream. Packets written to the
// internal pipe by the puller are read by the consumer registered with
// the Registry.
type Stream struct {
	Key       string
	StartedAt time.Time
	Source    Source
	input     *io.PipeReader
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	writeCount    atomic.Int64
	status        atomic.Value
	tsContent     atomic.Bool
	syncConfirmed atomic.Bool
}

// RecordWrite increments the byte and write counters, called by the
// puller after each packet delivery.
func (s *Stream) RecordWrite(n int) {
	s.bytesReceived.Add(int64(n))
	s.writeCount.Add(1)
}

// SetResponse stores the HTTP status and whether the content type named a
// transport stream.
func (s *Stream) SetResponse(status string, tsContent bool) {
	s.status.Store(status)
	s.tsContent.Store(tsContent)
}

// SetFirstPacketConfirmed records whether the stream began with a sync byte.
func (s *Stream) SetFirstPacketConfirmed(ok bool) {
	s.syncConfirmed.Store(ok)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// IngestStats returns a snapshot of ingest stream metrics.
func (s *Stream) IngestStats() IngestStats {
	status, _ := s.status.Load().(string)
	return IngestStats{
		BytesReceived:        s.bytesReceived.Load(),
		WriteCount:           s.writeCount.Load(),
		ConnectedAt:          s.StartedAt.UnixMilli(),
		UptimeMs:             time.Since(s.StartedAt).Milliseconds(),
		SourceURL:            s.Source.URL,
		Protocol:             s.Source.Protocol,
		Status:               status,
		TSContent:            s.tsContent.Load(),
		FirstPacketConfirmed: s.syncConfirmed.Load(),
	}
}

// Registry tracks active ingest streams by key and dispatches new streams
// to the onStream callback, which drains the stream's reader.
type Registry struct {
	mu        sync.RWMutex
	streams   map[string]*Stream
	consumers sync.WaitGroup

	onStream func(key string, input io.Reader, src Source)
}

// NewRegistry creates a Registry. The onStream callback is invoked
// asynchronously whenever a new stream is registered. With a nil callback
// the reader side is drained and discarded so writers never block.
func NewRegistry(onStream func(key string, input io.Reader, src Source)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a new ingest stream for key, returning the Stream and a
// Writer that the puller should write packets into.
func (r *Registry) Register(key string, src Source) (*Stream, io.Writer, error) {
	r.mu.Lock()
	if _, exists := r.streams[key]; exists {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}

	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Source:    src,
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}
	r.streams[key] = stream
	r.mu.Unlock()

	r.consumers.Add(1)
	go func() {
		defer r.consumers.Done()
		if r.onStream != nil {
			r.onStream(key, pr, src)
			return
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	return stream, pw, nil
}

// Unregister removes a stream by key, closing its pipe and signaling Done.
// A nil err makes the reader see io.EOF.
func (r *Registry) Unregister(key string, err error) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.CloseWithError(err)
		close(stream.done)
	}
}

// Wait blocks until every onStream callback started so far has returned.
func (r *Registry) Wait() {
	r.consumers.Wait()
}

// Get returns the Stream for the given key, or false if not found.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns the active streams ordered by key.
func (r *Registry) List() []*Stream {
	r.mu.RLock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
