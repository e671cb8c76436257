package mpegts

import (
	"bytes"
	"sync/atomic"
)

// Segmenter realigns an arbitrary byte stream on transport packet
// boundaries. Bytes handed to Input are buffered until a whole packet is
// available; each run of aligned packets (at most GroupPackets long) is
// passed to the segment callback.
//
// The slice handed to the callback is only valid for the duration of the
// call. Input and Reset must not be called concurrently; the counter
// accessors may be read from any goroutine.
type Segmenter struct {
	onSegment    func([]byte)
	pktSize      int
	groupPackets int

	pending  []byte
	lastCC   map[uint16]uint8
	dropped  atomic.Int64
	packets  atomic.Int64
	ccErrors atomic.Int64
}

// NewSegmenter creates a Segmenter that calls onSegment for every group of
// aligned packets.
func NewSegmenter(onSegment func([]byte), opts ...func(*Segmenter)) *Segmenter {
	s := &Segmenter{
		onSegment:    onSegment,
		pktSize:      PacketSize,
		groupPackets: 1,
		lastCC:       make(map[uint16]uint8),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SegmenterOptPacketSize sets the packet size (default 188). Packets must
// still begin with the sync byte, so 204-byte framing with trailing parity
// works but 192-byte timecode-prefixed framing does not.
func SegmenterOptPacketSize(size int) func(*Segmenter) {
	return func(s *Segmenter) {
		if size >= 4 {
			s.pktSize = size
		}
	}
}

// SegmenterOptGroupPackets sets the maximum number of packets delivered
// per callback (default 1).
func SegmenterOptGroupPackets(n int) func(*Segmenter) {
	return func(s *Segmenter) {
		if n > 0 {
			s.groupPackets = n
		}
	}
}

// Input feeds data into the segmenter. It may invoke the segment callback
// zero or more times before returning.
func (s *Segmenter) Input(data []byte) {
	if len(s.pending) > 0 {
		s.pending = append(s.pending, data...)
		data = s.pending
	}

	consumed := s.process(data)

	// The remainder is at most one partial packet. When data aliases
	// pending the copy moves it to the front of the same array.
	s.pending = append(s.pending[:0], data[consumed:]...)
}

func (s *Segmenter) process(data []byte) int {
	off := 0
	for off < len(data) {
		if data[off] != SyncByte {
			i := bytes.IndexByte(data[off:], SyncByte)
			if i < 0 {
				s.dropped.Add(int64(len(data) - off))
				return len(data)
			}
			s.dropped.Add(int64(i))
			off += i
		}

		n := s.alignedPackets(data[off:])
		if n == 0 {
			return off
		}

		end := off + n*s.pktSize
		group := data[off:end]
		s.track(group)
		if s.onSegment != nil {
			s.onSegment(group)
		}
		off = end
	}
	return off
}

// alignedPackets counts the complete packets at the head of buf, each
// starting with the sync byte, capped at groupPackets.
func (s *Segmenter) alignedPackets(buf []byte) int {
	n := 0
	for n < s.groupPackets {
		start := n * s.pktSize
		if start+s.pktSize > len(buf) || buf[start] != SyncByte {
			break
		}
		n++
	}
	return n
}

func (s *Segmenter) track(group []byte) {
	for off := 0; off+s.pktSize <= len(group); off += s.pktSize {
		s.packets.Add(1)

		h, err := ParseHeader(group[off : off+s.pktSize])
		if err != nil || h.PID == NullPID || !h.HasPayload {
			continue
		}

		prev, seen := s.lastCC[h.PID]
		s.lastCC[h.PID] = h.ContinuityCounter
		if !seen || h.DiscontinuityIndicator {
			continue
		}
		// A repeated counter is a legal duplicate packet.
		if h.ContinuityCounter != (prev+1)&0x0F && h.ContinuityCounter != prev {
			s.ccErrors.Add(1)
		}
	}
}

// Reset discards any buffered partial packet and continuity state.
func (s *Segmenter) Reset() {
	s.pending = s.pending[:0]
	clear(s.lastCC)
}

// Buffered returns the number of bytes held waiting for a full packet.
func (s *Segmenter) Buffered() int {
	return len(s.pending)
}

// Dropped returns the number of bytes discarded while searching for the
// sync byte.
func (s *Segmenter) Dropped() int64 {
	return s.dropped.Load()
}

// Packets returns the number of packets delivered so far.
func (s *Segmenter) Packets() int64 {
	return s.packets.Load()
}

// ContinuityErrors returns the number of unsignaled continuity counter
// jumps observed across all PIDs.
func (s *Segmenter) ContinuityErrors() int64 {
	return s.ccErrors.Load()
}
