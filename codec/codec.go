// Package codec auto-detects and decompresses the media metadata
// compression formats urpm consumes: zstd, gzip, xz, and bzip2, falling
// back to plain (uncompressed) data.
package codec

import (
	"bytes"
	"compress/bzip2"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/urpmng/urpm"
)

// Format is a detected compression format.
type Format string

const (
	Zstd  Format = "zstd"
	Gzip  Format = "gzip"
	Xz    Format = "xz"
	Bzip2 Format = "bzip2"
	Plain Format = "plain"
)

var (
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicGzip  = []byte{0x1f, 0x8b}
	magicXz    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicBzip2 = []byte("BZ")
)

// DetectFormat inspects the leading bytes of data (at least 6 are
// needed to recognize xz; fewer still correctly recognizes the others)
// and returns the compression format in use, or [Plain] if none of the
// known magics match.
func DetectFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, magicZstd):
		return Zstd
	case bytes.HasPrefix(data, magicGzip):
		return Gzip
	case bytes.HasPrefix(data, magicXz):
		return Xz
	case bytes.HasPrefix(data, magicBzip2):
		return Bzip2
	default:
		return Plain
	}
}

// DecompressBytes decompresses data, auto-detecting its format.
//
// It reports [urpm.ErrCodec] wrapped in an [urpm.Error] when the detected
// format's decoder fails (truncated stream, bad checksum) or when the data
// is neither a recognized compressed format nor valid UTF-8 plaintext.
func DecompressBytes(data []byte) ([]byte, error) {
	const op = "codec.DecompressBytes"
	switch DetectFormat(data) {
	case Zstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "zstd", Inner: err}
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "zstd stream", Inner: err}
		}
		return out, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "gzip", Inner: err}
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "gzip stream", Inner: err}
		}
		return out, nil
	case Xz:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "xz", Inner: err}
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "xz stream", Inner: err}
		}
		return out, nil
	case Bzip2:
		out, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "bzip2 stream", Inner: err}
		}
		return out, nil
	default:
		if !utf8.Valid(data) {
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "unknown format and not valid UTF-8 plaintext"}
		}
		return data, nil
	}
}

// DecompressToString decompresses the file at path and returns its
// content as a string, auto-detecting the compression format.
//
// Invalid UTF-8 byte sequences are replaced with U+FFFD, matching the
// original tool's "errors=replace" decode policy.
func DecompressToString(path string) (string, error) {
	const op = "codec.DecompressToString"
	f, err := os.Open(path)
	if err != nil {
		return "", &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "open", Inner: err}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "read", Inner: err}
	}
	out, err := DecompressBytes(data)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(out) {
		out = []byte(strings.ToValidUTF8(string(out), string(utf8.RuneError)))
	}
	return string(out), nil
}

// OpenDecompressedStream opens path and returns a stream of its
// decompressed content, auto-detecting the compression format from the
// file's leading bytes.
//
// The returned [io.ReadCloser] must be closed by the caller; closing it
// also closes the underlying file.
func OpenDecompressedStream(path string) (io.ReadCloser, error) {
	const op = "codec.OpenDecompressedStream"
	f, err := os.Open(path)
	if err != nil {
		return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "open", Inner: err}
	}

	head := make([]byte, 6)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		f.Close()
		return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "read magic", Inner: err}
	}
	head = head[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "seek", Inner: err}
	}

	switch DetectFormat(head) {
	case Zstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "zstd", Inner: err}
		}
		return &zstdStream{dec: dec, f: f}, nil
	case Gzip:
		r, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "gzip", Inner: err}
		}
		return &closerStream{Reader: r, closers: []io.Closer{r, f}}, nil
	case Xz:
		r, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrCodec, Message: "xz", Inner: err}
		}
		return &closerStream{Reader: r, closers: []io.Closer{f}}, nil
	case Bzip2:
		return &closerStream{Reader: bzip2.NewReader(f), closers: []io.Closer{f}}, nil
	default:
		return f, nil
	}
}

// zstdStream adapts a *zstd.Decoder (which has a void Close, not an
// error-returning one) to io.ReadCloser, also closing the backing file.
type zstdStream struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdStream) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdStream) Close() error {
	z.dec.Close()
	return z.f.Close()
}

// closerStream chains Close across an arbitrary set of closers, in order.
type closerStream struct {
	io.Reader
	closers []io.Closer
}

func (c *closerStream) Close() error {
	var firstErr error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FormatName is a human-readable rendering used in log messages and
// error wrapping, e.g. "zstd", "bzip2".
func FormatName(f Format) string {
	return string(f)
}
