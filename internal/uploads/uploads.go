package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

// CacheFileName is the per-chat extraction cache, stored next to the uploads.
const CacheFileName = "extracted_text.txt"

const tempPrefix = ".extracted-"

// DefaultMaxFileSize is the size above which a file is skipped at extraction time.
const DefaultMaxFileSize int64 = 5 * 1024 * 1024

// ErrReservedName is returned when an upload would overwrite the extraction cache.
var ErrReservedName = errors.New("file name is reserved")

// Area is the uploads root: one directory per chat, holding the raw files and
// the extraction cache.
type Area struct {
	root        string
	maxFileSize int64
	workers     int
	logger      *log.Logger
}

// NewArea returns an uploads area rooted at root. Non-positive limits fall
// back to DefaultMaxFileSize and a single extraction worker.
func NewArea(root string, maxFileSize int64, workers int) *Area {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if workers <= 0 {
		workers = 1
	}
	return &Area{
		root:        root,
		maxFileSize: maxFileSize,
		workers:     workers,
		logger:      log.WithPrefix("uploads"),
	}
}

func (a *Area) ChatDir(chatID int64) string {
	return filepath.Join(a.root, strconv.FormatInt(chatID, 10))
}

func (a *Area) CachePath(chatID int64) string {
	return filepath.Join(a.ChatDir(chatID), CacheFileName)
}

// Save writes r verbatim to <root>/<chat>/<name>, creating directories as
// needed. A file with the same name is overwritten. Only the base name of name
// is used.
func (a *Area) Save(chatID int64, name string, r io.Reader) (string, error) {
	base := filepath.Base(name)
	switch base {
	case ".", string(filepath.Separator):
		return "", fmt.Errorf("invalid file name %q", name)
	case CacheFileName:
		return "", fmt.Errorf("%w: %s", ErrReservedName, base)
	}

	dir := a.ChatDir(chatID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create chat upload dir: %w", err)
	}

	path := filepath.Join(dir, base)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	a.logger.Info("file saved", "chat_id", chatID, "file", base, "bytes", n)
	return path, nil
}

// Files lists the regular files in the chat's directory, excluding the cache,
// in directory order. A missing directory yields no files.
func (a *Area) Files(chatID int64) ([]string, error) {
	entries, err := uploadEntries(a.ChatDir(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// uploadEntries lists the uploaded files of a chat directory in native order.
// Only regular files count: directories, symlinks and the cache files are
// skipped. Files and the cache build both use this listing.
func uploadEntries(dir string) ([]os.DirEntry, error) {
	entries, err := readDirUnsorted(dir)
	if err != nil {
		return nil, err
	}
	uploads := entries[:0]
	for _, e := range entries {
		if isInternal(e.Name()) || !e.Type().IsRegular() {
			continue
		}
		uploads = append(uploads, e)
	}
	return uploads, nil
}

// ReadCache returns the cached extracted text, or "" if there is none yet.
func (a *Area) ReadCache(chatID int64) (string, error) {
	b, err := os.ReadFile(a.CachePath(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(b), nil
}

// isInternal reports whether name is the cache or an in-progress cache write.
func isInternal(name string) bool {
	return name == CacheFileName || strings.HasPrefix(name, tempPrefix)
}

// readDirUnsorted is os.ReadDir without the sort, so callers see the
// filesystem's native order.
func readDirUnsorted(dir string) ([]os.DirEntry, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.ReadDir(-1)
}
