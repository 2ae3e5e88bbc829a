// Package metadata parses STAR metadata tables into bounded summaries and
// memoizes them keyed by (path, modification time, schema version).
package metadata

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

// Summary is the bounded digest of one STAR table file. Rows holds at
// most the sample limit requested at parse time; TotalCount is the real
// row count of the file.
type Summary struct {
	Path        string
	Columns     []string
	Rows        [][]string
	TotalCount  int
	SampleLimit int
	ParsedAt    time.Time
}

// SampledRows returns how many rows the summary actually carries.
func (s *Summary) SampledRows() int {
	return len(s.Rows)
}

// Complete reports whether the sample covers the whole file.
func (s *Summary) Complete() bool {
	return s.TotalCount == len(s.Rows)
}

// ParseStar reads the first loop table of a STAR file, sampling at most
// limit rows while still counting every row. Large files therefore cost
// one sequential scan but bounded memory.
func ParseStar(path string, limit int) (*Summary, error) {
	if limit < 1 {
		limit = 1
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open star file: %w", err)
	}
	defer f.Close()

	summary := &Summary{
		Path:        path,
		SampleLimit: limit,
		ParsedAt:    time.Now(),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	const (
		stateScan = iota
		stateLoop
		stateRows
	)
	state := stateScan

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			// Blank line after the rows ends the loop table.
			if state == stateRows && line == "" {
				break
			}
			continue
		}

		switch state {
		case stateScan:
			if line == "loop_" {
				state = stateLoop
			}
		case stateLoop:
			if strings.HasPrefix(line, "_") {
				// "_rlnMicrographName #1" -> column name only
				fields := strings.Fields(line)
				summary.Columns = append(summary.Columns, strings.TrimPrefix(fields[0], "_"))
				continue
			}
			state = stateRows
			fallthrough
		case stateRows:
			if strings.HasPrefix(line, "data_") || line == "loop_" {
				// Next block starts; the first table is done.
				return summary, nil
			}
			summary.TotalCount++
			if len(summary.Rows) < limit {
				summary.Rows = append(summary.Rows, strings.Fields(line))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read star file: %w", err)
	}

	if len(summary.Columns) == 0 {
		return nil, fmt.Errorf("no loop table found in %s", path)
	}
	return summary, nil
}
