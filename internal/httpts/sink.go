package httpts

// PacketSink receives stream bytes: whole body chunks in passthrough mode,
// aligned packet groups in split mode. The slice is only valid during the
// call.
type PacketSink interface {
	OnPacket(data []byte)
}

// CompletionSink receives the single terminal result of a session.
type CompletionSink interface {
	OnComplete(res Result)
}

// PacketSinkFunc adapts a function to a PacketSink.
type PacketSinkFunc func(data []byte)

// OnPacket calls f(data).
func (f PacketSinkFunc) OnPacket(data []byte) { f(data) }

// CompletionSinkFunc adapts a function to a CompletionSink.
type CompletionSinkFunc func(res Result)

// OnComplete calls f(res).
func (f CompletionSinkFunc) OnComplete(res Result) { f(res) }

// Segmenter realigns a byte stream on packet boundaries. Input buffers
// partial packets across calls and invokes the callback it was built with
// zero or more times.
type Segmenter interface {
	Input(data []byte)
}

// SegmenterStats is implemented by segmenters that count what they
// realign. The accessors must be safe to call from any goroutine.
type SegmenterStats interface {
	Dropped() int64
	Packets() int64
	ContinuityErrors() int64
}

// Transport is the part of the HTTP transport the player drives: it can
// abort the exchange, reporting err as the disconnect cause.
type Transport interface {
	Shutdown(err error)
}
