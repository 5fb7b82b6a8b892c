package fileops

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// execute runs the job body. It returns nil on success; a context error
// when cancelled between work units; anything else marks the job failed.
func (m *Manager) execute(j *job) error {
	switch j.kind {
	case KindCopy:
		return m.execCopy(j)
	case KindMove:
		return m.execMove(j)
	case KindDelete:
		return m.execDelete(j)
	case KindCompress:
		return m.execCompress(j)
	case KindExtract:
		return m.execExtract(j)
	}
	return fmt.Errorf("%w: unknown kind %q", ErrIOFailure, j.kind)
}

func (m *Manager) execCopy(j *job) error {
	total, err := walkBytes(j.srcAbs)
	if err != nil {
		return err
	}
	var done int64
	progress := func(n int64) {
		done += n
		m.report(j, done, total)
	}

	// One regular file to one target path goes through a temp sibling so
	// a cancelled or failed copy never leaves a half-written target.
	if len(j.srcAbs) == 1 {
		info, err := os.Stat(j.srcAbs[0])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		if info.Mode().IsRegular() {
			return copyFileAtomic(j.ctx, j.srcAbs[0], j.destAbs, j.id, progress)
		}
		return copyTree(j.ctx, j.srcAbs[0], j.destAbs, progress)
	}

	if err := os.MkdirAll(j.destAbs, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	for _, src := range j.srcAbs {
		if err := j.ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(j.destAbs, filepath.Base(src))
		info, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		if info.IsDir() {
			err = copyTree(j.ctx, src, target, progress)
		} else {
			err = copyFileAtomic(j.ctx, src, target, j.id, progress)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) execMove(j *job) error {
	total := int64(len(j.srcAbs))
	targetFor := func(src string) string {
		if len(j.srcAbs) == 1 {
			return j.destAbs
		}
		return filepath.Join(j.destAbs, filepath.Base(src))
	}
	if len(j.srcAbs) > 1 {
		if err := os.MkdirAll(j.destAbs, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
	}
	for i, src := range j.srcAbs {
		if err := j.ctx.Err(); err != nil {
			return err
		}
		if err := moveOne(j.ctx, src, targetFor(src)); err != nil {
			return err
		}
		m.report(j, int64(i+1), total)
	}
	return nil
}

// moveOne renames, falling back to copy+delete when rename is refused
// (different filesystem under the server root).
func moveOne(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if info.IsDir() {
		if err := copyTree(ctx, src, dst, nil); err != nil {
			return err
		}
	} else {
		if err := copyFileAtomic(ctx, src, dst, "mv", nil); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(src); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

func (m *Manager) execDelete(j *job) error {
	// Pre-walk so progress is a fraction of entries, then remove children
	// before parents.
	var entries []string
	for _, src := range j.srcAbs {
		err := filepath.WalkDir(src, func(p string, _ fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			entries = append(entries, p)
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(entries)))

	total := int64(len(entries))
	for i, p := range entries {
		if err := j.ctx.Err(); err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		m.report(j, int64(i+1), total)
	}
	return nil
}

// copyTree copies a directory recursively. progress may be nil.
func copyTree(ctx context.Context, src, dst string, progress func(int64)) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrIOFailure, err)
			}
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return fmt.Errorf("%w: %v", ErrIOFailure, err)
			}
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrIOFailure, err)
			}
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("%w: %v", ErrIOFailure, err)
			}
		default:
			if err := copyFilePlain(p, target); err != nil {
				return err
			}
			if progress != nil {
				if info, err := d.Info(); err == nil {
					progress(info.Size())
				}
			}
		}
		return nil
	})
}

// copyFileAtomic streams src to a temp sibling of dst and renames it into
// place, so dst either keeps its old content or gets the complete copy.
func copyFileAtomic(ctx context.Context, src, dst, tag string, progress func(int64)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	tmp := dst + ".tmp-" + tag
	if err := copyFilePlain(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if progress != nil {
		if info, err := os.Stat(dst); err == nil {
			progress(info.Size())
		}
	}
	return nil
}

func copyFilePlain(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	defer func() { _ = in.Close() }()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

// walkBytes sums regular-file sizes under the given paths.
func walkBytes(paths []string) (int64, error) {
	var total int64
	for _, p := range paths {
		err := filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				if info, err := d.Info(); err == nil {
					total += info.Size()
				}
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
	}
	return total, nil
}
