package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
)

func writeStar(t *testing.T, dir string, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("\ndata_movies\n\nloop_\n_rlnMicrographMovieName #1\n_rlnOpticsGroup #2\n")
	for i := 1; i <= rows; i++ {
		fmt.Fprintf(&b, "Movies/m%04d.tiff 1\n", i)
	}
	path := filepath.Join(dir, "movies.star")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseStarCountsAndSamples(t *testing.T) {
	path := writeStar(t, t.TempDir(), 500)

	summary, err := ParseStar(path, 200)
	if err != nil {
		t.Fatalf("ParseStar: %v", err)
	}
	if summary.TotalCount != 500 {
		t.Errorf("total = %d, want 500", summary.TotalCount)
	}
	if summary.SampledRows() != 200 {
		t.Errorf("sampled = %d, want 200", summary.SampledRows())
	}
	if summary.Complete() {
		t.Error("truncated sample reported complete")
	}
	want := []string{"rlnMicrographMovieName", "rlnOpticsGroup"}
	if len(summary.Columns) != 2 || summary.Columns[0] != want[0] || summary.Columns[1] != want[1] {
		t.Errorf("columns = %v, want %v", summary.Columns, want)
	}
	if len(summary.Rows[0]) != 2 {
		t.Errorf("row width = %d, want 2", len(summary.Rows[0]))
	}
}

func TestParseStarStopsAtNextBlock(t *testing.T) {
	dir := t.TempDir()
	content := "data_one\nloop_\n_rlnA #1\nv1\nv2\ndata_two\nloop_\n_rlnB #1\nx1\nx2\nx3\n"
	path := filepath.Join(dir, "multi.star")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	summary, err := ParseStar(path, 100)
	if err != nil {
		t.Fatalf("ParseStar: %v", err)
	}
	if summary.TotalCount != 2 {
		t.Errorf("total = %d, want 2 (first table only)", summary.TotalCount)
	}
}

func TestParseStarNoTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.star")
	if err := os.WriteFile(path, []byte("data_nothing\n_rlnSingle 1.4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseStar(path, 10); err == nil {
		t.Error("file without loop table should error")
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCacheHitRequiresExactKey(t *testing.T) {
	dir := t.TempDir()
	path := writeStar(t, dir, 10)
	c := newTestCache(t)

	if _, err := c.Load(path, 1, 100); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := c.Get(path, 1, 100); !ok {
		t.Error("same (path, mtime, version) should hit")
	}

	// Version bump invalidates without touching the file.
	if _, ok := c.Get(path, 2, 100); ok {
		t.Error("schema version change should miss")
	}

	// mtime change invalidates.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(path, 1, 100); ok {
		t.Error("modified file should miss")
	}
}

func TestCachePartialSampleIsMiss(t *testing.T) {
	dir := t.TempDir()
	path := writeStar(t, dir, 500)
	c := newTestCache(t)

	// Prime with a 200-row sample of a 500-row file.
	if _, err := c.Load(path, 1, 200); err != nil {
		t.Fatal(err)
	}

	// A display limit needing 500 rows must not be served by the small
	// early sample.
	if _, ok := c.Get(path, 1, 500); ok {
		t.Error("partial sample smaller than requested limit should miss")
	}

	summary, err := c.Load(path, 1, 500)
	if err != nil {
		t.Fatal(err)
	}
	if summary.SampledRows() != 500 {
		t.Errorf("re-parse sampled %d rows, want 500", summary.SampledRows())
	}

	// A smaller request is served by the larger cached sample.
	if _, ok := c.Get(path, 1, 100); !ok {
		t.Error("larger cached sample should satisfy smaller limit")
	}
}

func TestCacheCompleteSampleServesAnyLimit(t *testing.T) {
	dir := t.TempDir()
	path := writeStar(t, dir, 50)
	c := newTestCache(t)

	if _, err := c.Load(path, 1, 100); err != nil {
		t.Fatal(err)
	}
	// 50 rows cached, file has 50: complete, so even a 1000-row request hits.
	if _, ok := c.Get(path, 1, 1000); !ok {
		t.Error("complete sample should satisfy any limit")
	}
}

func TestLoadParsesOnceWhileValid(t *testing.T) {
	dir := t.TempDir()
	path := writeStar(t, dir, 20)
	c := newTestCache(t)

	first, err := c.Load(path, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Load(path, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("valid entry should be returned without re-parsing")
	}
	if c.Len() != 1 {
		t.Errorf("cache len = %d, want 1", c.Len())
	}
}
