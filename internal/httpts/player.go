package httpts

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/zsiec/tspull/internal/mpegts"
)

// UnknownLength tells the transport not to expect a declared body length.
const UnknownLength int64 = -1

// Completion states. The transition is notFired -> firing -> fired.
const (
	notFired int32 = iota
	firing
	fired
)

// tsContentTypes are Content-Type prefixes recognised as transport streams.
var tsContentTypes = []string{"video/mp2t", "video/mpeg"}

// Config configures a Player. Split is fixed for the life of the player.
type Config struct {
	// Split realigns body bytes on packet boundaries before delivery.
	Split bool
	// NewSegmenter builds the segmenter used in split mode. Defaults to
	// an [mpegts.Segmenter] delivering one packet per callback.
	NewSegmenter func(onSegment func([]byte)) Segmenter
	// Log defaults to slog.Default().
	Log *slog.Logger
}

// PlayerStats is a point-in-time snapshot of a player's state.
type PlayerStats struct {
	Status               string `json:"status"`
	TSContent            bool   `json:"tsContent"`
	FirstPacketConfirmed bool   `json:"firstPacketConfirmed"`
	BytesIn              int64  `json:"bytesIn"`
	PacketCallbacks      int64  `json:"packetCallbacks"`
	SyncWarnings         int64  `json:"syncWarnings"`
	Completed            bool   `json:"completed"`

	// Split mode only, when the segmenter implements SegmenterStats.
	DroppedBytes     int64 `json:"droppedBytes,omitempty"`
	AlignedPackets   int64 `json:"alignedPackets,omitempty"`
	ContinuityErrors int64 `json:"continuityErrors,omitempty"`
}

// Player validates one HTTP-TS response and routes its body to the packet
// sink. Its callbacks must be invoked from a single goroutine, headers
// first; Stats may be called from anywhere.
type Player struct {
	log       *slog.Logger
	split     bool
	segmenter Segmenter
	transport Transport

	onPacket   PacketSink
	onComplete CompletionSink

	status               atomic.Value // string
	tsContent            atomic.Bool
	firstPacketConfirmed atomic.Bool
	state                atomic.Int32

	bytesIn         atomic.Int64
	packetCallbacks atomic.Int64
	syncWarnings    atomic.Int64
}

// NewPlayer creates a Player. In split mode the segmenter's callback is
// wired to the packet sink here.
func NewPlayer(conf Config) *Player {
	log := conf.Log
	if log == nil {
		log = slog.Default()
	}
	p := &Player{
		log:   log.With("component", "httpts-player"),
		split: conf.Split,
	}
	p.status.Store("")

	if p.split {
		newSegmenter := conf.NewSegmenter
		if newSegmenter == nil {
			newSegmenter = func(onSegment func([]byte)) Segmenter {
				return mpegts.NewSegmenter(onSegment)
			}
		}
		p.segmenter = newSegmenter(p.deliver)
	}
	return p
}

// SetOnPacket registers the packet sink. Call before the transport starts.
func (p *Player) SetOnPacket(sink PacketSink) {
	p.onPacket = sink
}

// SetOnComplete registers the completion sink. Call before the transport
// starts.
func (p *Player) SetOnComplete(sink CompletionSink) {
	p.onComplete = sink
}

// Bind attaches the transport the player aborts when it rejects a response.
func (p *Player) Bind(t Transport) {
	p.transport = t
}

// OnResponseHeader classifies the response. A status other than 200 or 206
// ends the session with a failure. The return value is always
// UnknownLength: the body is read until the transport reports its end.
func (p *Player) OnResponseHeader(status string, header http.Header) int64 {
	p.status.Store(status)
	if !acceptedStatus(status) {
		err := &StatusError{Status: status}
		p.log.Warn("rejecting response", "status", status)
		p.emitComplete(ResultFromError(err))
		if p.transport != nil {
			p.transport.Shutdown(err)
		}
		return UnknownLength
	}

	contentType := header.Get("Content-Type")
	for _, prefix := range tsContentTypes {
		if strings.HasPrefix(contentType, prefix) {
			p.tsContent.Store(true)
			break
		}
	}
	p.log.Debug("response accepted", "status", status,
		"content_type", contentType, "ts_content", p.tsContent.Load())

	return UnknownLength
}

// OnResponseBody routes one body chunk. received is the running byte count
// including this chunk and total the declared body size (negative when
// unknown).
func (p *Player) OnResponseBody(buf []byte, received, total int64) {
	if !acceptedStatus(p.Status()) || p.state.Load() != notFired {
		return
	}
	if len(buf) == 0 {
		return
	}
	p.bytesIn.Add(int64(len(buf)))

	if received == int64(len(buf)) {
		if buf[0] == mpegts.SyncByte {
			p.firstPacketConfirmed.Store(true)
		} else {
			p.syncWarnings.Add(1)
			p.log.Warn("stream may not be http-ts",
				"first_byte", buf[0], "total", total)
		}
	}

	if p.split {
		p.segmenter.Input(buf)
		return
	}
	p.deliver(buf)
}

// OnResponseCompleted reports the normal end of the body.
func (p *Player) OnResponseCompleted() {
	p.emitComplete(Success())
}

// OnDisconnect reports a transport failure. err is passed through unchanged
// in the result.
func (p *Player) OnDisconnect(err error) {
	p.emitComplete(ResultFromError(err))
}

func (p *Player) deliver(data []byte) {
	if p.state.Load() != notFired {
		return
	}
	p.packetCallbacks.Add(1)
	if p.onPacket != nil {
		p.onPacket.OnPacket(data)
	}
}

// emitComplete fires the completion sink once. Later calls are no-ops.
func (p *Player) emitComplete(res Result) {
	if !p.state.CompareAndSwap(notFired, firing) {
		return
	}
	defer p.state.Store(fired)

	if res.OK() {
		p.log.Debug("session complete", "result", res.String())
	} else {
		p.log.Debug("session failed", "result", res.String())
	}
	if p.onComplete != nil {
		p.onComplete.OnComplete(res)
	}
}

// Status returns the HTTP status seen at header time, or "" before then.
func (p *Player) Status() string {
	s, _ := p.status.Load().(string)
	return s
}

// IsTSContent reports whether the Content-Type named a transport stream.
func (p *Player) IsTSContent() bool {
	return p.tsContent.Load()
}

// FirstPacketConfirmed reports whether the first body byte was the TS sync
// byte.
func (p *Player) FirstPacketConfirmed() bool {
	return p.firstPacketConfirmed.Load()
}

// Completed reports whether the terminal result has been emitted.
func (p *Player) Completed() bool {
	return p.state.Load() != notFired
}

// Stats returns a snapshot of the player's state and counters.
func (p *Player) Stats() PlayerStats {
	st := PlayerStats{
		Status:               p.Status(),
		TSContent:            p.tsContent.Load(),
		FirstPacketConfirmed: p.firstPacketConfirmed.Load(),
		BytesIn:              p.bytesIn.Load(),
		PacketCallbacks:      p.packetCallbacks.Load(),
		SyncWarnings:         p.syncWarnings.Load(),
		Completed:            p.Completed(),
	}
	if ss, ok := p.segmenter.(SegmenterStats); ok {
		st.DroppedBytes = ss.Dropped()
		st.AlignedPackets = ss.Packets()
		st.ContinuityErrors = ss.ContinuityErrors()
	}
	return st
}

func acceptedStatus(status string) bool {
	return status == "200" || status == "206"
}
