// Package content is a content-addressed blob store. Every unique file body
// is stored once under its BLAKE3 digest, so repeated backups of an
// unchanged world pay only for the bytes that actually changed.
package content

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/craftd/internal/backup/compress"
	"github.com/zeebo/blake3"
)

var (
	// ErrMissing reports a blob that the store does not hold.
	ErrMissing = errors.New("content: blob missing")
	// ErrCorrupt reports a blob whose bytes no longer match its key.
	ErrCorrupt = errors.New("content: blob corrupt")
)

// Key addresses one blob: the BLAKE3-256 digest of the uncompressed bytes
// plus their length. The size guards against truncation and makes
// accounting cheap.
type Key struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

func (k Key) String() string { return fmt.Sprintf("%s-%d", k.Hash, k.Size) }

// HashFile streams path through BLAKE3 and returns its key.
func HashFile(path string) (Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return Key{}, err
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Key{}, err
	}
	return Key{Hash: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// Store holds blobs under dir as <hh>/<hash>-<size><ext>, where hh is the
// first two hex digits of the hash and ext identifies the codec the blob
// was written with. New blobs use the configured codec; reads accept any.
type Store struct {
	dir   string
	codec compress.Codec
}

func New(dir string, codec compress.Codec) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, codec: codec}, nil
}

func (s *Store) blobPath(key Key, ext string) string {
	return filepath.Join(s.dir, key.Hash[:2], key.String()+ext)
}

// find locates an existing blob for key under any known extension.
func (s *Store) find(key Key) (string, string, error) {
	for _, ext := range compress.Extensions() {
		p := s.blobPath(key, ext)
		if _, err := os.Stat(p); err == nil {
			return p, ext, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrMissing, key)
}

// Has reports whether the store already holds key.
func (s *Store) Has(key Key) bool {
	_, _, err := s.find(key)
	return err == nil
}

// Put stores the file at src under key. It re-hashes the bytes while
// copying and refuses to commit a blob that does not match, so a file
// mutating mid-backup cannot poison the store. Putting a key the store
// already holds is a no-op.
func (s *Store) Put(key Key, src string) error {
	if s.Has(key) {
		return nil
	}
	if len(key.Hash) < 2 {
		return fmt.Errorf("content: malformed key %q", key.Hash)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	shard := filepath.Join(s.dir, key.Hash[:2])
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(shard, "tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	cw, err := s.codec.WrapWriter(tmp)
	if err != nil {
		_ = tmp.Close()
		return err
	}
	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(cw, h), in)
	if err == nil {
		err = cw.Close()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if got := (Key{Hash: hex.EncodeToString(h.Sum(nil)), Size: n}); got != key {
		return fmt.Errorf("content: %s changed while reading (got %s)", src, got)
	}
	return os.Rename(tmp.Name(), s.blobPath(key, s.codec.Ext()))
}

// Open returns the decompressed bytes of key. The reader verifies the
// digest and length as it drains and fails the final read with ErrCorrupt
// on any mismatch, so a restore can never silently write damaged data.
func (s *Store) Open(key Key) (io.ReadCloser, error) {
	p, ext, err := s.find(key)
	if err != nil {
		return nil, err
	}
	codec, err := compress.ByExt(ext)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	dec, err := codec.WrapReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return &verifyReader{r: dec, file: f, want: key, h: blake3.New()}, nil
}

type verifyReader struct {
	r    io.ReadCloser
	file *os.File
	want Key
	h    hash.Hash
	n    int64
}

func (v *verifyReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.n += int64(n)
		_, _ = v.h.Write(p[:n])
	}
	if errors.Is(err, io.EOF) {
		got := Key{Hash: hex.EncodeToString(v.h.Sum(nil)), Size: v.n}
		if got != v.want {
			return n, fmt.Errorf("%w: %s (got %s)", ErrCorrupt, v.want, got)
		}
	}
	return n, err
}

func (v *verifyReader) Close() error {
	err := v.r.Close()
	if cerr := v.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Sweep removes every blob whose key the keep function rejects and
// returns how many blobs it deleted and how many stored bytes that freed.
// Files it cannot parse as blobs are left alone.
func (s *Store) Sweep(keep func(Key) bool) (int, int64, error) {
	var removed int
	var freed int64
	err := s.walk(func(path string, key Key, stored int64) error {
		if keep(key) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		freed += stored
		return nil
	})
	return removed, freed, err
}

// Stats counts the blobs on disk and the bytes they occupy after
// compression.
func (s *Store) Stats() (int, int64, error) {
	var blobs int
	var stored int64
	err := s.walk(func(_ string, _ Key, n int64) error {
		blobs++
		stored += n
		return nil
	})
	return blobs, stored, err
}

func (s *Store) walk(fn func(path string, key Key, stored int64) error) error {
	shards, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		dir := filepath.Join(s.dir, shard.Name())
		ents, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range ents {
			key, ok := parseBlobName(e.Name())
			if !ok {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if err := fn(filepath.Join(dir, e.Name()), key, info.Size()); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseBlobName inverts blobPath naming: <hash>-<size><ext>.
func parseBlobName(name string) (Key, bool) {
	for _, ext := range compress.Extensions() {
		if ext != "" && strings.HasSuffix(name, ext) {
			name = strings.TrimSuffix(name, ext)
			break
		}
	}
	i := strings.LastIndexByte(name, '-')
	if i <= 0 {
		return Key{}, false
	}
	size, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil || size < 0 {
		return Key{}, false
	}
	digest := name[:i]
	if len(digest) != 64 {
		return Key{}, false
	}
	return Key{Hash: digest, Size: size}, true
}
