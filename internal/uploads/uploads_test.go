package uploads

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func newTestArea(t *testing.T) *Area {
	t.Helper()
	return NewArea(filepath.Join(t.TempDir(), "uploads"), 0, 2)
}

func save(t *testing.T, a *Area, chatID int64, name, content string) string {
	t.Helper()
	path, err := a.Save(chatID, name, strings.NewReader(content))
	if err != nil {
		t.Fatalf("Save(%q) error = %v", name, err)
	}
	return path
}

func readCache(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestSaveLayoutAndOverwrite(t *testing.T) {
	a := newTestArea(t)
	path := save(t, a, 7, "notes.txt", "first")

	want := filepath.Join(a.ChatDir(7), "notes.txt")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if filepath.Base(filepath.Dir(path)) != "7" {
		t.Errorf("file not stored under chat id dir: %q", path)
	}

	save(t, a, 7, "notes.txt", "second")
	if got := readCache(t, path); got != "second" {
		t.Errorf("content after re-upload = %q, want second", got)
	}
}

func TestSaveRejectsCacheName(t *testing.T) {
	a := newTestArea(t)
	_, err := a.Save(1, CacheFileName, strings.NewReader("x"))
	if !errors.Is(err, ErrReservedName) {
		t.Errorf("Save(cache name) error = %v, want ErrReservedName", err)
	}
}

func TestEnsureExtractedTextSingleFile(t *testing.T) {
	a := newTestArea(t)
	save(t, a, 1, "notes.txt", "hello")

	path, err := a.EnsureExtractedText(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if path != a.CachePath(1) {
		t.Errorf("path = %q, want %q", path, a.CachePath(1))
	}

	got := readCache(t, path)
	want := "\n\n========== FILE START ==========\nhello\n=========== FILE END ===========\n"
	if got != want {
		t.Errorf("cache = %q, want %q", got, want)
	}
	if strings.Count(got, "hello") != 1 {
		t.Errorf("hello appears %d times", strings.Count(got, "hello"))
	}
}

func TestEnsureExtractedTextIdempotent(t *testing.T) {
	ctx := context.Background()
	a := newTestArea(t)
	save(t, a, 1, "notes.txt", "hello")

	path, err := a.EnsureExtractedText(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	before := readCache(t, path)

	// A late upload is not picked up while the cache exists.
	save(t, a, 1, "late.md", "late content")

	if _, err := a.EnsureExtractedText(ctx, 1); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(old) {
		t.Errorf("cache rewritten: mtime %v, want %v", info.ModTime(), old)
	}
	after := readCache(t, path)
	if after != before {
		t.Errorf("cache content changed:\n%q\n%q", before, after)
	}
	if strings.Contains(after, "late content") {
		t.Error("late upload included without invalidation")
	}

	if err := a.Invalidate(1); err != nil {
		t.Fatal(err)
	}
	if _, err := a.EnsureExtractedText(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if rebuilt := readCache(t, path); !strings.Contains(rebuilt, "late content") || !strings.Contains(rebuilt, "hello") {
		t.Errorf("rebuilt cache missing files: %q", rebuilt)
	}
}

func TestEnsureExtractedTextSkipsOversized(t *testing.T) {
	a := newTestArea(t)
	path := save(t, a, 1, "huge.txt", "SECRET-CONTENT")
	if err := os.Truncate(path, DefaultMaxFileSize+1); err != nil {
		t.Fatal(err)
	}
	save(t, a, 1, "small.txt", "small")

	cache, err := a.EnsureExtractedText(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	got := readCache(t, cache)
	if !strings.Contains(got, "FILE SKIPPED (too large: 5.00 MB): huge.txt") {
		t.Errorf("missing skip warning: %q", got)
	}
	if strings.Contains(got, "SECRET-CONTENT") {
		t.Error("oversized file content included")
	}
	if !strings.Contains(got, "small") {
		t.Error("extraction did not continue past oversized file")
	}
}

func TestEnsureExtractedTextExclusions(t *testing.T) {
	a := newTestArea(t)
	save(t, a, 1, "photo.png", "PNGDATA")
	save(t, a, 1, "photo.JPEG", "JPEGDATA")
	save(t, a, 1, "empty.txt", "")
	save(t, a, 1, "report.docx", "DOCX")
	if err := os.Mkdir(filepath.Join(a.ChatDir(1), "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	cache, err := a.EnsureExtractedText(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	got := readCache(t, cache)
	if strings.Contains(got, "PNGDATA") || strings.Contains(got, "JPEGDATA") {
		t.Error("image content included")
	}
	if strings.Contains(got, "DOCX") {
		t.Error("raw bytes of unsupported file included")
	}
	if strings.Count(got, "FILE START") != 1 {
		t.Errorf("want one wrapped file (unsupported marker), got:\n%q", got)
	}
	if !strings.Contains(got, "Unsupported file type") {
		t.Errorf("missing unsupported marker: %q", got)
	}
}

func TestEnsureExtractedTextAbortsOnFailure(t *testing.T) {
	a := newTestArea(t)
	save(t, a, 1, "notes.txt", "hello")
	save(t, a, 1, "broken.xlsx", "not a spreadsheet")

	if _, err := a.EnsureExtractedText(context.Background(), 1); err == nil {
		t.Fatal("EnsureExtractedText() succeeded with a malformed spreadsheet")
	}
	if _, err := os.Stat(a.CachePath(1)); !os.IsNotExist(err) {
		t.Errorf("cache file left behind after failure: %v", err)
	}
	names, _ := a.Files(1)
	for _, n := range names {
		if strings.HasPrefix(n, tempPrefix) {
			t.Errorf("temp file left behind: %s", n)
		}
	}
}

func TestEnsureExtractedTextNoFiles(t *testing.T) {
	a := newTestArea(t)
	path, err := a.EnsureExtractedText(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if got := readCache(t, path); got != "" {
		t.Errorf("cache = %q, want empty", got)
	}
}

func TestFilesAndReadCache(t *testing.T) {
	ctx := context.Background()
	a := newTestArea(t)

	if names, err := a.Files(5); err != nil || len(names) != 0 {
		t.Errorf("Files(missing dir) = %v, %v", names, err)
	}
	if text, err := a.ReadCache(5); err != nil || text != "" {
		t.Errorf("ReadCache(missing) = %q, %v", text, err)
	}

	save(t, a, 5, "a.txt", "alpha")
	save(t, a, 5, "b.png", "img")
	if _, err := a.EnsureExtractedText(ctx, 5); err != nil {
		t.Fatal(err)
	}

	names, err := a.Files(5)
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"a.txt", "b.png"}) {
		t.Errorf("Files() = %v", names)
	}
	text, err := a.ReadCache(5)
	if err != nil || !strings.Contains(text, "alpha") {
		t.Errorf("ReadCache() = %q, %v", text, err)
	}
}

func TestEnsureExtractedTextRaggedCSV(t *testing.T) {
	a := newTestArea(t)
	save(t, a, 1, "notes.txt", "hello")
	save(t, a, 1, "people.csv", "name,age,city\nalice,30\nbob,4,Oslo\n")

	path, err := a.EnsureExtractedText(context.Background(), 1)
	if err != nil {
		t.Fatalf("EnsureExtractedText() error = %v", err)
	}
	got := readCache(t, path)
	if strings.Count(got, "FILE START") != 2 {
		t.Errorf("want both files wrapped, got:\n%s", got)
	}
	for _, want := range []string{"hello", "alice", "Oslo"} {
		if !strings.Contains(got, want) {
			t.Errorf("cache missing %q", want)
		}
	}
}

func TestSymlinksIgnoredConsistently(t *testing.T) {
	a := newTestArea(t)
	save(t, a, 1, "notes.txt", "hello")

	target := filepath.Join(t.TempDir(), "outside.txt")
	if err := os.WriteFile(target, []byte("linked secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(a.ChatDir(1), "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	names, err := a.Files(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "notes.txt" {
		t.Errorf("Files() = %v, want [notes.txt]", names)
	}

	path, err := a.EnsureExtractedText(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := readCache(t, path); strings.Contains(got, "linked secret") {
		t.Errorf("symlinked file extracted but not listed:\n%s", got)
	}
}
