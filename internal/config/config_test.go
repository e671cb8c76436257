package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tspull.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
log_level = "debug"

[[source]]
key = "cam1"
url = "http://10.0.0.5/live.ts"
split = true
output = "srt://relay:6000?streamid=live/cam1"
read_timeout = "5s"

[source.headers]
Authorization = "Basic YWRtaW46YWRtaW4="

[[source]]
key = "cam2"
url = "https://cdn.example.com/cam2.ts"
http3 = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Sources, 2)

	cam1 := cfg.Sources[0]
	require.Equal(t, "cam1", cam1.Key)
	require.True(t, cam1.Split)
	require.Equal(t, 5*time.Second, cam1.ReadTimeout.Duration)
	require.Equal(t, "Basic YWRtaW46YWRtaW4=", cam1.Headers["Authorization"])

	cam2 := cfg.Sources[1]
	require.True(t, cam2.HTTP3)
	require.Equal(t, DefaultOutput, cam2.Output)
	require.Equal(t, DefaultReadTimeout, cam2.ReadTimeout.Duration)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
[[source]]
key = "cam"
url = "http://cam/stream"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DefaultLogLevel, cfg.LogLevel)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"no sources", `log_level = "info"`},
		{"unknown key", "[[source]]\nkey = \"a\"\nurl = \"http://a\"\nbogus = 1\n"},
		{"bad duration", "[[source]]\nkey = \"a\"\nurl = \"http://a\"\nread_timeout = \"soon\"\n"},
		{"bad level", "log_level = \"loud\"\n[[source]]\nkey = \"a\"\nurl = \"http://a\"\n"},
		{"duplicate key", "[[source]]\nkey = \"a\"\nurl = \"http://a\"\noutput = \"a.ts\"\n[[source]]\nkey = \"a\"\nurl = \"http://b\"\noutput = \"b.ts\"\n"},
		{"two stdout", "[[source]]\nkey = \"a\"\nurl = \"http://a\"\n[[source]]\nkey = \"b\"\nurl = \"http://b\"\n"},
		{"syntax", "[[source]\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidateSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		src     Source
		wantErr bool
	}{
		{name: "ok", src: Source{Key: "a", URL: "http://cam/live.ts"}},
		{name: "missing key", src: Source{URL: "http://cam/live.ts"}, wantErr: true},
		{name: "missing url", src: Source{Key: "a"}, wantErr: true},
		{name: "rtsp url", src: Source{Key: "a", URL: "rtsp://cam/live"}, wantErr: true},
		{name: "http3 plain", src: Source{Key: "a", URL: "http://cam/live.ts", HTTP3: true}, wantErr: true},
		{name: "negative timeout", src: Source{Key: "a", URL: "http://cam", ReadTimeout: Duration{-time.Second}}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateSource(tc.src)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("chatty")
	require.Error(t, err)
}
