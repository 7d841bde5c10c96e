package runlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/gpuops/migctl/internal/errors"
)

// compressAfter is how old a run log must be before it is compressed in
// place. Runs older than the retention window are removed entirely.
const compressAfter = 24 * time.Hour

// Prune ages out old run directories under root: run logs older than a day
// are zstd-compressed in place, and whole run directories older than
// retentionDays are deleted. Pruning is best-effort; individual failures
// are logged and skipped.
func Prune(root string, retentionDays int, clock errors.Clock, log *slog.Logger) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("run log pruning skipped", "root", root, "error", err)
		}
		return
	}

	now := clock.Now()
	retention := time.Duration(retentionDays) * 24 * time.Hour

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}

		age := now.Sub(info.ModTime())
		switch {
		case age > retention:
			if err := os.RemoveAll(dir); err != nil {
				log.Warn("failed to remove expired run directory", "dir", dir, "error", err)
				continue
			}
			log.Info("removed expired run directory", "dir", dir, "age", age.Round(time.Hour))
		case age > compressAfter:
			if err := compressRunLog(dir); err != nil {
				log.Warn("failed to compress run log", "dir", dir, "error", err)
			}
		}
	}
}

// compressRunLog replaces <dir>/run.log with <dir>/run.log.zst.
func compressRunLog(dir string) error {
	src := filepath.Join(dir, "run.log")
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil // already compressed or never written
		}
		return err
	}

	dst := src + ".zst"
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return fmt.Errorf("runlog: compress %s: %w", src, err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}
