package mpegts

import "fmt"

const (
	// PacketSize is the size of a standard transport stream packet.
	PacketSize = 188
	// SyncByte starts every transport stream packet.
	SyncByte = 0x47

	// NullPID carries stuffing packets whose continuity counter is undefined.
	NullPID = 0x1FFF
)

// ParseHeader decodes the 4-byte transport header of buf along with the
// discontinuity indicator from the adaptation field, if present.
func ParseHeader(buf []byte) (PacketHeader, error) {
	var h PacketHeader
	if len(buf) < 4 {
		return h, fmt.Errorf("mpegts: header needs 4 bytes, got %d", len(buf))
	}
	if buf[0] != SyncByte {
		return h, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	h.TransportErrorIndicator = buf[1]&0x80 != 0
	h.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.HasAdaptationField = buf[3]&0x20 != 0
	h.HasPayload = buf[3]&0x10 != 0
	h.ContinuityCounter = buf[3] & 0x0F

	if h.HasAdaptationField && len(buf) > 5 && buf[4] > 0 {
		h.DiscontinuityIndicator = buf[5]&0x80 != 0
	}
	return h, nil
}
