package watch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScanRequiresTwoConsecutiveSizes(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "*.tiff", logging.Nop())

	writeFile(t, filepath.Join(dir, "m001.tiff"), "frame data")

	stable, err := w.Scan()
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if len(stable) != 0 {
		t.Errorf("first scan reported %v, want none", stable)
	}
	if w.Pending() != 1 {
		t.Errorf("pending = %d, want 1", w.Pending())
	}

	stable, err = w.Scan()
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(stable) != 1 || filepath.Base(stable[0]) != "m001.tiff" {
		t.Errorf("second scan = %v, want m001.tiff", stable)
	}
}

func TestScanDefersGrowingFile(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "*.tiff", logging.Nop())
	path := filepath.Join(dir, "m001.tiff")

	writeFile(t, path, "partial")
	if _, err := w.Scan(); err != nil {
		t.Fatal(err)
	}

	// File grows between polls; the stability clock restarts.
	writeFile(t, path, "partial plus more frames")
	stable, err := w.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(stable) != 0 {
		t.Errorf("growing file reported stable: %v", stable)
	}

	stable, err = w.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(stable) != 1 {
		t.Errorf("settled file not reported: %v", stable)
	}
}

func TestScanReportsEachFileOnce(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "*.tiff", logging.Nop())
	writeFile(t, filepath.Join(dir, "m001.tiff"), "data")

	w.Scan()
	first, _ := w.Scan()
	if len(first) != 1 {
		t.Fatalf("file not reported: %v", first)
	}

	again, _ := w.Scan()
	if len(again) != 0 {
		t.Errorf("file reported twice: %v", again)
	}
}

func TestScanIgnoresNonMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "*.tiff", logging.Nop())
	writeFile(t, filepath.Join(dir, "notes.txt"), "irrelevant")
	writeFile(t, filepath.Join(dir, "m001.tiff"), "data")

	w.Scan()
	stable, _ := w.Scan()
	if len(stable) != 1 || filepath.Base(stable[0]) != "m001.tiff" {
		t.Errorf("stable = %v, want only m001.tiff", stable)
	}
}

func TestSeedSuppressesKnownFiles(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "*.tiff", logging.Nop())
	old := filepath.Join(dir, "m001.tiff")
	fresh := filepath.Join(dir, "m002.tiff")
	writeFile(t, old, "processed in an earlier run")
	writeFile(t, fresh, "new data")

	w.Seed([]string{old})

	w.Scan()
	stable, err := w.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(stable) != 1 || stable[0] != fresh {
		t.Errorf("stable = %v, want only the unseeded file", stable)
	}
}

func TestScanSortsBatch(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "*.tiff", logging.Nop())
	for _, name := range []string{"m003.tiff", "m001.tiff", "m002.tiff"} {
		writeFile(t, filepath.Join(dir, name), "data")
	}

	w.Scan()
	stable, _ := w.Scan()
	if len(stable) != 3 {
		t.Fatalf("stable = %v, want 3 files", stable)
	}
	for i, want := range []string{"m001.tiff", "m002.tiff", "m003.tiff"} {
		if filepath.Base(stable[i]) != want {
			t.Errorf("stable[%d] = %s, want %s", i, filepath.Base(stable[i]), want)
		}
	}
}
