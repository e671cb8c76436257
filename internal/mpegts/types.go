// Package mpegts provides the MPEG-TS pieces needed to carry a transport
// stream over byte-oriented transports: packet constants, header decoding,
// and a [Segmenter] that realigns an arbitrary byte stream on 188-byte
// packet boundaries.
//
// Table and PES parsing are out of scope; consumers receive raw packets.
package mpegts

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}
