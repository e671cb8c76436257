// Package output opens the destinations pulled transport streams are
// written to: standard output, files, and SRT listeners.
package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Open returns a writer for target:
//
//	-                              standard output
//	file:///path/out.ts or a path  file, truncated on open
//	srt://host:port?streamid=x     SRT caller connection
func Open(ctx context.Context, target string) (io.WriteCloser, error) {
	switch {
	case target == "" || target == "-":
		return nopCloser{os.Stdout}, nil
	case strings.HasPrefix(target, "srt://"):
		return DialSRT(ctx, target)
	case strings.HasPrefix(target, "file://"):
		return createFile(strings.TrimPrefix(target, "file://"))
	case strings.Contains(target, "://"):
		return nil, fmt.Errorf("output: unsupported target %q", target)
	default:
		return createFile(target)
	}
}

func createFile(path string) (io.WriteCloser, error) {
	if path == "" {
		return nil, fmt.Errorf("output: empty file path")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	return f, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
