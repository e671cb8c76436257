// Package httpts adapts an HTTP response carrying a raw MPEG transport
// stream ("HTTP-TS", as served by IP cameras and live relays) into a packet
// feed.
//
// The central type is [Player]. It is driven by an HTTP transport through
// four callbacks: it classifies the response when headers arrive, checks
// the first body byte for the TS sync marker, routes body bytes to a
// [PacketSink] (optionally realigned on packet boundaries by a [Segmenter]),
// and reports exactly one [Result] to a [CompletionSink] whichever way the
// exchange ends.
//
// The transport itself lives in [github.com/zsiec/tspull/internal/httpclient].
package httpts
