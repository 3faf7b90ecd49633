package codec

import (
	"bytes"
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/urpmng/urpm"
)

func TestDetectFormat(t *testing.T) {
	tt := []struct {
		name string
		data []byte
		want Format
	}{
		{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd, 0, 0}, Zstd},
		{"gzip", []byte{0x1f, 0x8b, 0, 0, 0, 0}, Gzip},
		{"xz", []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, Xz},
		{"bzip2", []byte("BZh91AY"), Bzip2},
		{"plain", []byte("hello world"), Plain},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectFormat(tc.data); got != tc.want {
				t.Errorf("got: %v, want: %v", got, tc.want)
			}
		})
	}
}

func TestDecompressBytesGzip(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := DecompressBytes(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("got: %q, want: %q", got, "hello")
	}
}

func TestDecompressBytesPlain(t *testing.T) {
	got, err := DecompressBytes([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("got: %q, want: %q", got, "hello")
	}
}

func TestDecompressBytesUnknownBinary(t *testing.T) {
	_, err := DecompressBytes([]byte{0xff, 0xfe, 0x00, 0x01, 0x02, 0x03})
	if err == nil {
		t.Fatal("expected error for non-UTF8 unrecognized data")
	}
	var uerr *urpm.Error
	if !errors.As(err, &uerr) || uerr.Kind != urpm.ErrCodec {
		t.Errorf("expected ErrCodec, got: %v", err)
	}
}

func TestOpenDecompressedStreamPlain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(path, []byte("hello stream"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := OpenDecompressedStream(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "hello stream" {
		t.Errorf("got: %q, want: %q", got, "hello stream")
	}
}
