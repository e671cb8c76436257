package httpts

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/tspull/internal/mpegts"
)

type recorder struct {
	packets [][]byte
	results []Result
}

func (r *recorder) OnPacket(data []byte) {
	r.packets = append(r.packets, append([]byte(nil), data...))
}

func (r *recorder) OnComplete(res Result) {
	r.results = append(r.results, res)
}

func (r *recorder) joined() []byte {
	return bytes.Join(r.packets, nil)
}

type fakeTransport struct {
	shutdowns []error
}

func (f *fakeTransport) Shutdown(err error) {
	f.shutdowns = append(f.shutdowns, err)
}

func newTestPlayer(t *testing.T, split bool) (*Player, *recorder, *bytes.Buffer) {
	t.Helper()
	var logBuf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	p := NewPlayer(Config{Split: split, Log: log})
	rec := &recorder{}
	p.SetOnPacket(rec)
	p.SetOnComplete(rec)
	return p, rec, &logBuf
}

func tsHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "video/mp2t")
	return h
}

// tsPackets builds n packets that each start with the sync byte.
func tsPackets(n int) []byte {
	out := make([]byte, 0, n*mpegts.PacketSize)
	for i := 0; i < n; i++ {
		pkt := make([]byte, mpegts.PacketSize)
		pkt[0] = mpegts.SyncByte
		pkt[1] = 0x01
		pkt[3] = 0x10 | byte(i&0x0F)
		pkt[4] = byte(i)
		out = append(out, pkt...)
	}
	return out
}

// feed delivers body in chunks of size, tracking the received counter the
// way a transport does.
func feed(p *Player, body []byte, size int) {
	var received int64
	for off := 0; off < len(body); off += size {
		end := min(off+size, len(body))
		received += int64(end - off)
		p.OnResponseBody(body[off:end], received, UnknownLength)
	}
}

func TestRejectedStatuses(t *testing.T) {
	t.Parallel()

	for _, status := range []string{"100", "201", "204", "301", "302", "400", "403", "404", "500", "503", ""} {
		t.Run("status_"+status, func(t *testing.T) {
			t.Parallel()
			p, rec, _ := newTestPlayer(t, false)
			ft := &fakeTransport{}
			p.Bind(ft)

			ret := p.OnResponseHeader(status, tsHeader())
			require.Equal(t, UnknownLength, ret)

			feed(p, tsPackets(2), 188)
			p.OnResponseCompleted()
			p.OnDisconnect(io.EOF)

			require.Empty(t, rec.packets)
			require.Len(t, rec.results, 1)
			res := rec.results[0]
			require.False(t, res.OK())
			require.Equal(t, CodeOther, res.Code)
			require.Contains(t, res.Message, "bad http status code:"+status)
			require.ErrorIs(t, res.Err, ErrBadStatus)

			var statusErr *StatusError
			require.ErrorAs(t, res.Err, &statusErr)
			require.Equal(t, status, statusErr.Status)

			require.Len(t, ft.shutdowns, 1)
			require.ErrorIs(t, ft.shutdowns[0], ErrBadStatus)
		})
	}
}

func TestRejectedWithoutTransport(t *testing.T) {
	t.Parallel()
	p, rec, _ := newTestPlayer(t, true)

	p.OnResponseHeader("404", http.Header{})
	require.Len(t, rec.results, 1)
	require.Equal(t, "404", p.Status())
	require.True(t, p.Completed())
}

func TestContentTypeClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		contentType string
		want        bool
	}{
		{"video/mp2t", true},
		{"video/MP2T", false},
		{"video/mpeg", true},
		{"video/mpeg; charset=binary", true},
		{"application/octet-stream", false},
		{"", false},
		{" video/mp2t", false},
	}

	for _, tc := range tests {
		t.Run(tc.contentType, func(t *testing.T) {
			t.Parallel()
			p, rec, _ := newTestPlayer(t, false)

			h := http.Header{}
			if tc.contentType != "" {
				h.Set("content-type", tc.contentType)
			}
			p.OnResponseHeader("200", h)

			require.Equal(t, tc.want, p.IsTSContent())
			require.Empty(t, rec.results)
		})
	}
}

func TestUnknownContentTypeStillDelivers(t *testing.T) {
	t.Parallel()
	p, rec, _ := newTestPlayer(t, false)

	p.OnResponseHeader("200", http.Header{"Content-Type": []string{"text/plain"}})
	body := tsPackets(1)
	feed(p, body, len(body))

	require.False(t, p.IsTSContent())
	require.Equal(t, body, rec.joined())
}

func TestSyncByteConfirmed(t *testing.T) {
	t.Parallel()
	p, rec, logBuf := newTestPlayer(t, false)

	p.OnResponseHeader("200", tsHeader())
	feed(p, tsPackets(4), 300)

	require.True(t, p.FirstPacketConfirmed())
	require.Zero(t, p.Stats().SyncWarnings)
	require.NotContains(t, logBuf.String(), "stream may not be http-ts")
	require.Equal(t, tsPackets(4), rec.joined())
}

func TestSyncByteMismatchWarnsOnce(t *testing.T) {
	t.Parallel()
	p, rec, logBuf := newTestPlayer(t, false)

	p.OnResponseHeader("200", tsHeader())
	body := bytes.Repeat([]byte{0x00}, 1000)
	feed(p, body, 100)

	require.False(t, p.FirstPacketConfirmed())
	require.EqualValues(t, 1, p.Stats().SyncWarnings)
	require.Equal(t, 1, strings.Count(logBuf.String(), "stream may not be http-ts"))
	require.Len(t, rec.packets, 10)
	require.Equal(t, body, rec.joined())
}

func TestFirstByteCheckedOnlyOnFirstDelivery(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPlayer(t, false)

	p.OnResponseHeader("200", tsHeader())
	// A later chunk that starts with 0x47 must not retroactively confirm.
	p.OnResponseBody([]byte{0x00, 0x01}, 2, UnknownLength)
	p.OnResponseBody([]byte{mpegts.SyncByte, 0x01}, 4, UnknownLength)

	require.False(t, p.FirstPacketConfirmed())
	require.EqualValues(t, 1, p.Stats().SyncWarnings)
}

func TestResumedDeliverySkipsFirstByteCheck(t *testing.T) {
	t.Parallel()
	p, rec, _ := newTestPlayer(t, false)

	p.OnResponseHeader("206", tsHeader())
	// received exceeds the chunk length: earlier bytes were consumed
	// elsewhere, so this is not the first delivery.
	p.OnResponseBody([]byte{0x00, 0x01}, 10, UnknownLength)

	require.False(t, p.FirstPacketConfirmed())
	require.Zero(t, p.Stats().SyncWarnings)
	require.Len(t, rec.packets, 1)
}

func TestPassthroughOneCallPerChunk(t *testing.T) {
	t.Parallel()
	p, rec, _ := newTestPlayer(t, false)

	p.OnResponseHeader("200", tsHeader())
	body := tsPackets(3)
	feed(p, body, 100)

	require.Len(t, rec.packets, 6)
	require.Len(t, rec.packets[0], 100)
	require.Len(t, rec.packets[5], len(body)-500)
	require.EqualValues(t, 6, p.Stats().PacketCallbacks)
	require.EqualValues(t, len(body), p.Stats().BytesIn)
}

func TestSplitAndPassthroughEquivalent(t *testing.T) {
	t.Parallel()
	body := tsPackets(20)

	for _, size := range []int{1, 50, 188, 200, 1316, len(body)} {
		pass, passRec, _ := newTestPlayer(t, false)
		pass.OnResponseHeader("200", tsHeader())
		feed(pass, body, size)
		pass.OnResponseCompleted()

		split, splitRec, _ := newTestPlayer(t, true)
		split.OnResponseHeader("200", tsHeader())
		feed(split, body, size)
		split.OnResponseCompleted()

		require.Equal(t, passRec.joined(), splitRec.joined(), "chunk size %d", size)
		require.Len(t, splitRec.packets, 20, "chunk size %d", size)
		for _, pkt := range splitRec.packets {
			require.Len(t, pkt, mpegts.PacketSize)
			require.Equal(t, byte(mpegts.SyncByte), pkt[0])
		}
	}
}

type fakeSegmenter struct {
	inputs    [][]byte
	onSegment func([]byte)
}

func (f *fakeSegmenter) Input(data []byte) {
	f.inputs = append(f.inputs, append([]byte(nil), data...))
	// Emit two groups per input to show the player forwards whatever
	// the segmenter produces.
	f.onSegment([]byte{0xAA})
	f.onSegment([]byte{0xBB})
}

func TestSplitDelegatesToSegmenter(t *testing.T) {
	t.Parallel()
	var seg *fakeSegmenter
	p := NewPlayer(Config{
		Split: true,
		NewSegmenter: func(onSegment func([]byte)) Segmenter {
			seg = &fakeSegmenter{onSegment: onSegment}
			return seg
		},
	})
	rec := &recorder{}
	p.SetOnPacket(rec)

	p.OnResponseHeader("200", tsHeader())
	p.OnResponseBody([]byte{0x47, 0x01, 0x02}, 3, UnknownLength)

	require.NotNil(t, seg)
	require.Equal(t, [][]byte{{0x47, 0x01, 0x02}}, seg.inputs)
	require.Equal(t, [][]byte{{0xAA}, {0xBB}}, rec.packets)
}

func TestCompletionFiresOnce(t *testing.T) {
	t.Parallel()
	p, rec, _ := newTestPlayer(t, false)

	p.OnResponseHeader("200", tsHeader())
	feed(p, tsPackets(1), 188)
	p.OnResponseCompleted()
	for i := 0; i < 5; i++ {
		p.OnDisconnect(errors.New("connection reset"))
	}
	p.OnResponseCompleted()

	require.Len(t, rec.results, 1)
	require.True(t, rec.results[0].OK())
}

func TestNoPacketsAfterCompletion(t *testing.T) {
	t.Parallel()
	p, rec, _ := newTestPlayer(t, true)

	p.OnResponseHeader("200", tsHeader())
	p.OnDisconnect(io.ErrUnexpectedEOF)
	feed(p, tsPackets(2), 188)

	require.Empty(t, rec.packets)
	require.Len(t, rec.results, 1)
	require.Equal(t, CodeEOF, rec.results[0].Code)
}

func TestCompletionWithoutSinks(t *testing.T) {
	t.Parallel()
	p := NewPlayer(Config{})

	p.OnResponseHeader("200", tsHeader())
	p.OnResponseBody(tsPackets(1), 188, UnknownLength)
	p.OnResponseCompleted()

	require.True(t, p.Completed())
	require.EqualValues(t, 1, p.Stats().PacketCallbacks)
}

func TestScenarioA_SinglePacketSuccess(t *testing.T) {
	t.Parallel()
	p, rec, _ := newTestPlayer(t, false)

	p.OnResponseHeader("200", tsHeader())
	body := append([]byte{0x47, 0x00}, make([]byte, 186)...)
	p.OnResponseBody(body, int64(len(body)), UnknownLength)
	p.OnResponseCompleted()

	require.True(t, p.IsTSContent())
	require.Equal(t, [][]byte{body}, rec.packets)
	require.Len(t, rec.results, 1)
	require.True(t, rec.results[0].OK())
	require.Equal(t, "play completed", rec.results[0].Message)
	require.NoError(t, rec.results[0].Err)
}

func TestScenarioB_NotFound(t *testing.T) {
	t.Parallel()
	p, rec, _ := newTestPlayer(t, false)

	p.OnResponseHeader("404", http.Header{})

	require.Empty(t, rec.packets)
	require.Len(t, rec.results, 1)
	require.False(t, rec.results[0].OK())
	require.Contains(t, rec.results[0].Message, "404")
}

func TestScenarioC_PartialContentWrongSync(t *testing.T) {
	t.Parallel()
	p, rec, logBuf := newTestPlayer(t, false)

	p.OnResponseHeader("206", tsHeader())
	body := []byte{0x00, 0x47, 0x11}
	p.OnResponseBody(body, int64(len(body)), UnknownLength)
	p.OnResponseCompleted()

	require.Equal(t, [][]byte{body}, rec.packets)
	require.Contains(t, logBuf.String(), "stream may not be http-ts")
	require.Len(t, rec.results, 1)
	require.True(t, rec.results[0].OK())
}

func TestScenarioD_DisconnectMidBody(t *testing.T) {
	t.Parallel()
	p, rec, _ := newTestPlayer(t, false)
	failure := errors.New("connection reset by peer")

	p.OnResponseHeader("200", tsHeader())
	feed(p, tsPackets(3), 188)
	p.OnDisconnect(failure)

	require.Len(t, rec.packets, 3)
	require.Len(t, rec.results, 1)
	res := rec.results[0]
	require.False(t, res.OK())
	require.ErrorIs(t, res.Err, failure)
	require.Equal(t, failure.Error(), res.Message)
}

func TestStatsSnapshot(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPlayer(t, true)

	require.Equal(t, PlayerStats{}, p.Stats())

	p.OnResponseHeader("200", tsHeader())
	feed(p, tsPackets(2), 100)
	p.OnResponseCompleted()

	require.Equal(t, PlayerStats{
		Status:               "200",
		TSContent:            true,
		FirstPacketConfirmed: true,
		BytesIn:              376,
		PacketCallbacks:      2,
		Completed:            true,
		AlignedPackets:       2,
	}, p.Stats())
}

func TestSplitStatsReportSegmenterCounters(t *testing.T) {
	t.Parallel()
	p, rec, _ := newTestPlayer(t, true)

	body := []byte{0x00, 0x01, 0x02, 0x03, 0x04}
	body = append(body, tsPackets(3)...)
	gap := tsPackets(1)
	gap[3] = 0x10 | 5 // counter jumps from 2 to 5
	body = append(body, gap...)

	p.OnResponseHeader("200", tsHeader())
	feed(p, body, 100)
	p.OnResponseCompleted()

	st := p.Stats()
	require.Equal(t, int64(5), st.DroppedBytes)
	require.Equal(t, int64(4), st.AlignedPackets)
	require.Equal(t, int64(1), st.ContinuityErrors)
	require.Equal(t, int64(1), st.SyncWarnings)
	require.Len(t, rec.packets, 4)
}

func TestPassthroughStatsOmitSegmenterCounters(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPlayer(t, false)

	p.OnResponseHeader("200", tsHeader())
	feed(p, append([]byte{0x00}, tsPackets(2)...), 100)

	st := p.Stats()
	require.Zero(t, st.DroppedBytes)
	require.Zero(t, st.AlignedPackets)
	require.Zero(t, st.ContinuityErrors)
}
