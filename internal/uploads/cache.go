package uploads

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/severus-ai/severus/internal/extract"
)

const (
	fileStart = "\n\n========== FILE START ==========\n"
	fileEnd   = "\n=========== FILE END ===========\n"
)

type cacheEntry struct {
	name string
	path string
	size int64
}

// EnsureExtractedText builds the chat's extraction cache on first use and
// returns its path.
//
// An existing non-empty cache is returned untouched, so files uploaded after
// the first build are not included until the cache is removed (see Invalidate).
// Files over the size limit are replaced by a warning line. Any other
// extraction failure aborts the build and leaves no cache behind.
func (a *Area) EnsureExtractedText(ctx context.Context, chatID int64) (string, error) {
	cachePath := a.CachePath(chatID)
	if info, err := os.Stat(cachePath); err == nil && info.Size() > 0 {
		return cachePath, nil
	}

	dir := a.ChatDir(chatID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create chat upload dir: %w", err)
	}

	entries, err := a.cacheEntries(dir)
	if err != nil {
		return "", err
	}

	parts := make([]string, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, e := range entries {
		if e.size > a.maxFileSize {
			sizeMB := float64(e.size) / (1024 * 1024)
			parts[i] = fmt.Sprintf("\n\n⚠️ FILE SKIPPED (too large: %.2f MB): %s\n", sizeMB, e.name)
			a.logger.Warn("file skipped, too large", "chat_id", chatID, "file", e.name, "bytes", e.size)
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := extract.FromFile(e.path)
			if err != nil {
				return err
			}
			if raw == "" {
				return nil
			}
			parts[i] = fileStart + extract.Clean(raw) + fileEnd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Error("extraction failed", "chat_id", chatID, "err", err)
		return "", fmt.Errorf("extract text for chat %d: %w", chatID, err)
	}

	if err := writeAtomic(dir, cachePath, strings.Join(parts, "")); err != nil {
		return "", fmt.Errorf("write extraction cache: %w", err)
	}
	a.logger.Info("extraction cache built", "chat_id", chatID, "files", len(entries))
	return cachePath, nil
}

// Invalidate removes the chat's extraction cache so the next
// EnsureExtractedText call rebuilds it. A missing cache is not an error.
func (a *Area) Invalidate(chatID int64) error {
	if err := os.Remove(a.CachePath(chatID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (a *Area) cacheEntries(dir string) ([]cacheEntry, error) {
	dirEntries, err := uploadEntries(dir)
	if err != nil {
		return nil, fmt.Errorf("read chat upload dir: %w", err)
	}

	var entries []cacheEntry
	for _, de := range dirEntries {
		name := de.Name()
		if extract.IsImage(name) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed since the listing.
			continue
		}
		entries = append(entries, cacheEntry{name: name, path: filepath.Join(dir, name), size: info.Size()})
	}
	return entries, nil
}

func writeAtomic(dir, path, content string) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
