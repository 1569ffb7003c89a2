package scrub

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// WordSet is a case-insensitive set of words or phrases loaded from files.
type WordSet struct {
	entries map[string]bool
}

// NewWordSet builds an empty set.
func NewWordSet() *WordSet {
	return &WordSet{entries: make(map[string]bool)}
}

// LoadWordFiles reads one entry per line from each file. Blank lines and
// lines starting with # are skipped; internal whitespace is collapsed so
// phrase entries compare the same way phrase patterns are built.
func LoadWordFiles(paths []string) (*WordSet, error) {
	ws := NewWordSet()
	for _, path := range paths {
		if err := ws.loadFile(path); err != nil {
			return nil, err
		}
	}
	return ws, nil
}

func (w *WordSet) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open word list: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		w.Add(line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read word list %s: %w", path, err)
	}
	return nil
}

// Add inserts one entry.
func (w *WordSet) Add(entry string) {
	w.entries[canonicalEntry(entry)] = true
}

// Contains reports whether the word or phrase is in the set.
func (w *WordSet) Contains(entry string) bool {
	return w.entries[canonicalEntry(entry)]
}

// Len returns the number of entries.
func (w *WordSet) Len() int { return len(w.entries) }

// Entries returns the entries in map order; callers that need determinism
// sort the result themselves.
func (w *WordSet) Entries() []string {
	out := make([]string, 0, len(w.entries))
	for e := range w.entries {
		out = append(out, e)
	}
	return out
}

func canonicalEntry(entry string) string {
	return strings.ToLower(strings.Join(strings.Fields(entry), " "))
}
