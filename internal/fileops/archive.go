package fileops

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
)

// execCompress writes a zip of the job's sources at the destination,
// through a temp sibling renamed on success.
func (m *Manager) execCompress(j *job) error {
	total, err := walkBytes(j.srcAbs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.destAbs), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	tmp := j.destAbs + ".tmp-" + j.id
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	var done int64
	for _, src := range j.srcAbs {
		if err := m.zipAdd(j, zw, src, total, &done); err != nil {
			cleanup()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := os.Rename(tmp, j.destAbs); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

// zipAdd streams one source (file or tree) into the archive. Entry names
// are rooted at the source's base name, slash-separated.
func (m *Manager) zipAdd(j *job, zw *zip.Writer, src string, total int64, done *int64) error {
	base := filepath.Base(src)
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		if err := j.ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		name := base
		if rel != "." {
			name = base + "/" + filepath.ToSlash(rel)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		hdr.Name = name
		if d.IsDir() {
			hdr.Name += "/"
			if _, err := zw.CreateHeader(hdr); err != nil {
				return fmt.Errorf("%w: %v", ErrIOFailure, err)
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil // sockets, links etc. are not archived
		}
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		in, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		_, err = io.Copy(w, in)
		_ = in.Close()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		*done += info.Size()
		m.report(j, *done, total)
		return nil
	})
}

// execExtract unpacks the source archive into the destination directory.
// Every entry name is validated before anything is written.
func (m *Manager) execExtract(j *job) error {
	zr, err := zip.OpenReader(j.srcAbs[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveInvalid, err)
	}
	defer func() { _ = zr.Close() }()

	var total int64
	for _, zf := range zr.File {
		if err := validateEntryName(zf.Name); err != nil {
			return err
		}
		total += int64(zf.UncompressedSize64)
	}

	if err := os.MkdirAll(j.destAbs, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	var done int64
	for _, zf := range zr.File {
		if err := j.ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(j.destAbs, filepath.FromSlash(zf.Name))
		if !strings.HasPrefix(target, j.destAbs+string(os.PathSeparator)) && target != j.destAbs {
			return fmt.Errorf("%w: entry %q escapes destination", ErrArchiveInvalid, zf.Name)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: %v", ErrIOFailure, err)
			}
			continue
		}
		if err := extractEntry(zf, target); err != nil {
			return err
		}
		done += int64(zf.UncompressedSize64)
		m.report(j, done, total)
	}
	return nil
}

// validateEntryName rejects absolute paths and traversal, the archive-slip
// cases, before extraction touches the filesystem.
func validateEntryName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty entry name", ErrArchiveInvalid)
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, `\`) || strings.Contains(name, ":") {
		return fmt.Errorf("%w: entry %q", ErrArchiveInvalid, name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("%w: entry %q traverses upward", ErrArchiveInvalid, name)
	}
	return nil
}

func extractEntry(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveInvalid, err)
	}
	defer func() { _ = rc.Close() }()

	mode := zf.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}
