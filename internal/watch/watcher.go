// Package watch polls a directory for newly arrived files, holding each
// one back until its size is stable across consecutive polls so
// half-written files never enter the pipeline.
package watch

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
)

// Watcher tracks one directory and glob pattern. The caller owns the
// poll cadence; each Scan is one tick of the stability clock.
type Watcher struct {
	dir     string
	pattern string
	logger  *logging.Logger

	mu       sync.Mutex
	sizes    map[string]int64
	reported map[string]bool
}

// New creates a watcher for pattern under dir.
func New(dir, pattern string, logger *logging.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		pattern:  pattern,
		logger:   logger,
		sizes:    make(map[string]int64),
		reported: make(map[string]bool),
	}
}

// Seed marks paths as already reported so Scan never returns them.
// Used to rehydrate a watcher from persisted ingestion state after a
// restart.
func (w *Watcher) Seed(paths []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, path := range paths {
		w.reported[path] = true
	}
}

// Scan performs one poll and returns the files that became stable since
// the previous call, sorted by path. A file is stable once two
// consecutive scans observe the same size. Each file is returned once.
func (w *Watcher) Scan() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(w.dir, w.pattern))
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var stable []string
	for _, path := range matches {
		if w.reported[path] {
			continue
		}
		st, err := os.Stat(path)
		if err != nil || st.IsDir() {
			continue
		}

		prev, seen := w.sizes[path]
		w.sizes[path] = st.Size()
		if seen && prev == st.Size() {
			w.reported[path] = true
			delete(w.sizes, path)
			stable = append(stable, path)
		}
	}
	sort.Strings(stable)

	if len(stable) > 0 {
		w.logger.Debug().
			Int("count", len(stable)).
			Str("dir", w.dir).
			Msg("Files became stable")
	}
	return stable, nil
}

// Pending reports how many files are observed but not yet stable.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sizes)
}
