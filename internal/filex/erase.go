package filex

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/justincihi/cognisync/internal/common"
)

// MinPasses is the lowest number of overwrite passes an Eraser performs.
const MinPasses = 3

// TombstoneSuffix marks a file that is being erased. A tombstone left
// behind by an interrupted erase is finished on the next SecureDelete.
const TombstoneSuffix = ".shred"

// Eraser overwrites files with random data before unlinking them. It is the
// only code path allowed to remove files that ever held PHI.
//
// Overwriting in place is best effort on copy-on-write, journaling or
// wear-levelled storage; on those media confidentiality relies on the file
// having been encrypted from the start.
type Eraser struct {
	passes int
	random io.Reader
}

// NewEraser returns an Eraser doing at least MinPasses passes.
func NewEraser(passes int) *Eraser {
	if passes < MinPasses {
		passes = MinPasses
	}
	return &Eraser{passes: passes, random: rand.Reader}
}

func (e *Eraser) Passes() int { return e.passes }

// SecureDelete erases path. It reports false with a nil error when there is
// nothing to erase. The file is first renamed to a tombstone, so a crash
// mid-erase never leaves readable content at the original name.
func (e *Eraser) SecureDelete(ctx context.Context, path string) (bool, error) {
	tomb := path + TombstoneSuffix

	// Finish an earlier interrupted erase before a rename could clobber it.
	if _, err := os.Lstat(tomb); err == nil {
		if err := e.shredPath(ctx, tomb); err != nil {
			return false, err
		}
	}

	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("erase %s: %w: %v", path, common.ErrFileIO, err)
	}
	if !fi.Mode().IsRegular() {
		return false, fmt.Errorf("erase %s: not a regular file: %w", path, common.ErrFileIO)
	}

	if err := os.Rename(path, tomb); err != nil {
		return false, fmt.Errorf("erase %s: rename: %w: %v", path, common.ErrFileIO, err)
	}

	if err := e.shredPath(ctx, tomb); err != nil {
		return false, err
	}
	return true, nil
}

// Shred overwrites the full length of an open file e.passes times and
// fsyncs after each pass. The file is not closed or removed. Cancellation is
// checked between passes.
func (e *Eraser) Shred(ctx context.Context, f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("shred %s: stat: %w: %v", f.Name(), common.ErrFileIO, err)
	}
	size := fi.Size()

	for pass := 0; pass < e.passes; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("shred %s: seek: %w: %v", f.Name(), common.ErrEraseFailed, err)
		}
		if _, err := io.CopyN(f, e.random, size); err != nil {
			return fmt.Errorf("shred %s: pass %d: %w: %v", f.Name(), pass+1, common.ErrEraseFailed, err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("shred %s: sync: %w: %v", f.Name(), common.ErrEraseFailed, err)
		}
	}
	return nil
}

// shredPath overwrites and unlinks a tombstone. On cancellation the
// partially overwritten tombstone is still unlinked.
func (e *Eraser) shredPath(ctx context.Context, tomb string) error {
	f, err := os.OpenFile(tomb, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("erase %s: open: %w: %v", tomb, common.ErrFileIO, err)
	}

	shredErr := e.Shred(ctx, f)
	closeErr := f.Close()

	if shredErr != nil && !errors.Is(shredErr, context.Canceled) && !errors.Is(shredErr, context.DeadlineExceeded) {
		// leave the tombstone so the next call retries the overwrite
		return shredErr
	}

	if err := os.Remove(tomb); err != nil {
		return fmt.Errorf("erase %s: unlink: %w: %v", tomb, common.ErrEraseFailed, err)
	}
	if shredErr != nil {
		return shredErr
	}
	if closeErr != nil {
		return fmt.Errorf("erase %s: close: %w: %v", tomb, common.ErrEraseFailed, closeErr)
	}
	return nil
}
