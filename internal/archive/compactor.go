package archive

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Compactor replaces aged day shards with zstd-compressed copies. Shards
// still inside the retention window are left untouched.
type Compactor struct {
	dir    string
	maxAge time.Duration
	clock  func() time.Time
}

// NewCompactor builds a compactor for the bot directory. maxAgeDays bounds
// how old a shard must be before compression; zero disables compaction.
func NewCompactor(dir string, maxAgeDays int, clock func() time.Time) *Compactor {
	if clock == nil {
		clock = time.Now
	}
	return &Compactor{
		dir:    dir,
		maxAge: time.Duration(maxAgeDays) * 24 * time.Hour,
		clock:  clock,
	}
}

// Run walks the shard tree once and compacts every eligible shard. Failures
// on individual shards are collected so one bad file never stops the sweep.
func (c *Compactor) Run() error {
	if c.maxAge <= 0 {
		return nil
	}
	root := filepath.Join(c.dir, "messages")
	cutoff := c.clock().Add(-c.maxAge)

	var errs []error
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := compressShard(path); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		errs = append(errs, walkErr)
	}
	return errors.Join(errs...)
}

// compressShard writes path.zst and removes the original only after the
// compressed copy is fully flushed.
func compressShard(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path+".zst", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
