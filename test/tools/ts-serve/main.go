// ts-serve serves a local TS file as a continuous HTTP-TS stream so tspull
// can be exercised without a real origin.
//
// Usage:
//
//	go run ./test/tools/ts-serve -file stream.ts -addr :8080
//	go run ./cmd/tspull -url http://localhost:8080/live/stream.ts -out out.ts
//
// With -tls the file is served over HTTPS and HTTP/3 on the same port using a
// fresh self-signed certificate written to -cert-out:
//
//	go run ./test/tools/ts-serve -file stream.ts -tls -cert-out ca.pem
//	go run ./cmd/tspull -url https://localhost:8080/live.ts -http3 -ca-file ca.pem
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tspull/internal/certs"
	"github.com/zsiec/tspull/internal/mpegts"
)

const logInterval = 10 * time.Second

func main() {
	fileFlag := flag.String("file", "", "TS file to serve")
	addrFlag := flag.String("addr", "127.0.0.1:8080", "HTTP listen address")
	durationFlag := flag.Float64("duration", 0, "Known duration in seconds (skips ffprobe detection)")
	loopFlag := flag.Bool("loop", true, "Restart from offset 0 at end of file")
	statusFlag := flag.Int("status", http.StatusOK, "Status code to answer with")
	contentTypeFlag := flag.String("content-type", "video/mp2t", "Content-Type header value")
	tlsFlag := flag.Bool("tls", false, "Serve HTTPS and HTTP/3 with a self-signed certificate")
	certOutFlag := flag.String("cert-out", "ts-serve-ca.pem", "Where to write the self-signed certificate (with -tls)")
	flag.Parse()

	filePath := *fileFlag
	if filePath == "" && flag.NArg() > 0 {
		filePath = flag.Arg(0)
	}
	if filePath == "" {
		fmt.Fprintf(os.Stderr, "Usage: ts-serve -file stream.ts [-addr host:port]\n")
		os.Exit(1)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
		os.Exit(1)
	}
	if len(data)%mpegts.PacketSize != 0 {
		fmt.Fprintf(os.Stderr, "Warning: file size not a multiple of %d\n", mpegts.PacketSize)
	}

	var probed float64
	if *durationFlag <= 0 {
		probed = findDuration(filePath)
	}
	duration := selectDuration(*durationFlag, probed)

	s := &server{
		data:        data,
		bytesPerSec: float64(len(data)) / duration,
		chunkSize:   mpegts.PacketSize * 7,
		loop:        *loopFlag,
		status:      *statusFlag,
		contentType: *contentTypeFlag,
		log:         slog.Default().With("component", "ts-serve"),
	}

	fmt.Printf("File: %s (%d packets, %.1fs, %.0f bytes/sec)\n",
		filePath, len(data)/mpegts.PacketSize, duration, s.bytesPerSec)

	var serveErr error
	if *tlsFlag {
		serveErr = serveTLS(*addrFlag, *certOutFlag, s)
	} else {
		fmt.Printf("Serving http://%s/\n", *addrFlag)
		serveErr = http.ListenAndServe(*addrFlag, s)
	}
	if serveErr != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", serveErr)
		os.Exit(1)
	}
}

// serveTLS runs HTTPS over TCP and HTTP/3 over UDP on the same address.
func serveTLS(addr, certOut string, h http.Handler) error {
	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		return err
	}
	if err := cert.WritePEM(certOut); err != nil {
		return err
	}
	fmt.Printf("Serving https://%s/ and HTTP/3 (cert %s, sha256 %s)\n", addr, certOut, cert.FingerprintBase64())

	h3 := &http3.Server{
		Addr:      addr,
		Handler:   h,
		TLSConfig: http3.ConfigureTLSConfig(cert.ServerTLSConfig()),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	h1 := &http.Server{
		Addr:      addr,
		Handler:   h,
		TLSConfig: cert.ServerTLSConfig(),
	}

	var g errgroup.Group
	g.Go(func() error { return h3.ListenAndServe() })
	g.Go(func() error { return h1.ListenAndServeTLS("", "") })
	return g.Wait()
}

type server struct {
	data        []byte
	bytesPerSec float64
	chunkSize   int
	loop        bool
	status      int
	contentType string
	log         *slog.Logger
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := s.log.With("remote", r.RemoteAddr, "path", r.URL.Path)
	if s.contentType != "" {
		w.Header().Set("Content-Type", s.contentType)
	}
	w.WriteHeader(s.status)
	if s.status != http.StatusOK && s.status != http.StatusPartialContent {
		return
	}

	log.Info("client connected")
	err := s.streamLoop(r, w)
	log.Info("client gone", "error", err)
}

// streamLoop writes the file in packet-aligned chunks, paced against a global
// clock so timing stays continuous across loop boundaries.
func (s *server) streamLoop(r *http.Request, w http.ResponseWriter) error {
	rc := http.NewResponseController(w)
	globalStart := time.Now()
	var totalBytesSent int64
	lastLog := time.Now()

	for loop := 1; ; loop++ {
		for i := 0; i < len(s.data); i += s.chunkSize {
			end := min(i+s.chunkSize, len(s.data))

			if _, err := w.Write(s.data[i:end]); err != nil {
				return err
			}
			if err := rc.Flush(); err != nil {
				return err
			}
			totalBytesSent += int64(end - i)

			expectedTime := float64(totalBytesSent) / s.bytesPerSec
			elapsed := time.Since(globalStart).Seconds()
			if expectedTime > elapsed {
				select {
				case <-r.Context().Done():
					return r.Context().Err()
				case <-time.After(time.Duration((expectedTime - elapsed) * float64(time.Second))):
				}
			}

			if time.Since(lastLog) >= logInterval {
				s.log.Info("streaming",
					"loop", loop,
					"rate", int64(float64(totalBytesSent)/time.Since(globalStart).Seconds()),
					"target", int64(s.bytesPerSec),
					"total_mb", float64(totalBytesSent)/(1024*1024))
				lastLog = time.Now()
			}
		}
		if !s.loop {
			return nil
		}
	}
}

// selectDuration prefers an explicit override, then a probed value, then 60s.
func selectDuration(override, probed float64) float64 {
	if override > 0 {
		return override
	}
	if probed > 0 {
		return probed
	}
	return 60.0
}

func findDuration(filePath string) float64 {
	out, err := exec.Command("ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		filePath,
	).Output()
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}
