// Package compress selects the codec blob bytes pass through on their way
// in and out of the content store. Reads detect the codec from the blob's
// file extension, so changing the configured codec never orphans old blobs.
package compress

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec wraps writers and readers with one compression scheme.
type Codec interface {
	Name() string
	// Ext is the blob filename suffix, "" for the identity codec.
	Ext() string
	WrapWriter(w io.Writer) (io.WriteCloser, error)
	WrapReader(r io.Reader) (io.ReadCloser, error)
}

var codecs = []Codec{noneCodec{}, gzipCodec{}, zstdCodec{}, lz4Codec{}}

// ByName returns the codec for a configured name. The empty name means
// the default, zstd.
func ByName(name string) (Codec, error) {
	if name == "" {
		return zstdCodec{}, nil
	}
	for _, c := range codecs {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown compression codec %q", name)
}

// ByExt returns the codec that wrote a blob with the given extension.
func ByExt(ext string) (Codec, error) {
	for _, c := range codecs {
		if c.Ext() == ext {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown blob extension %q", ext)
}

// Extensions lists every known blob suffix, identity first.
func Extensions() []string {
	out := make([]string, 0, len(codecs))
	for _, c := range codecs {
		out = append(out, c.Ext())
	}
	return out
}

type noneCodec struct{}

func (noneCodec) Name() string { return "none" }
func (noneCodec) Ext() string  { return "" }

func (noneCodec) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (noneCodec) WrapReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type gzipCodec struct{}

func (gzipCodec) Name() string { return "gzip" }
func (gzipCodec) Ext() string  { return ".gz" }

func (gzipCodec) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (gzipCodec) WrapReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }
func (zstdCodec) Ext() string  { return ".zst" }

func (zstdCodec) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (zstdCodec) WrapReader(r io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }
func (lz4Codec) Ext() string  { return ".lz4" }

func (lz4Codec) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (lz4Codec) WrapReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
