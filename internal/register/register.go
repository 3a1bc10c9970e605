// Package register persists a deduplicated set of file paths to a flat text
// file, one path per line. The workflow keeps two registers: paths pending
// archival and paths already archived. Registers are bookkeeping for
// reporting, not the source of truth for job state.
package register

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Register is an append-friendly set of paths backed by a file. Additions of
// new items append to the file; Save and RemoveAll rewrite it.
type Register struct {
	path  string
	items map[string]struct{}
}

// Open creates a register backed by the given file. When read is true the
// current file contents are loaded. The file is touched so an unwritable
// path fails here rather than mid-sweep.
func Open(path string, read bool) (*Register, error) {
	r := &Register{
		path:  path,
		items: make(map[string]struct{}),
	}

	if read {
		f, err := os.Open(path)
		if err == nil {
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" {
					r.items[line] = struct{}{}
				}
			}
			serr := scanner.Err()
			f.Close()
			if serr != nil {
				return nil, fmt.Errorf("register: read %s: %w", path, serr)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("register: open %s: %w", path, err)
		}
	}

	// Check the file can be written to.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("register: %s is not writable: %w", path, err)
	}
	f.Close()

	return r, nil
}

// Path returns the backing file path.
func (r *Register) Path() string { return r.path }

// Size returns the number of entries.
func (r *Register) Size() int { return len(r.items) }

// Contains reports whether the register holds the given path.
func (r *Register) Contains(item string) bool {
	_, ok := r.items[item]
	return ok
}

// Add records a single path, appending to the file only if it is new.
func (r *Register) Add(item string) error {
	return r.AddAll([]string{item})
}

// AddAll records the given paths. Duplicates against the current set are
// dropped and only new entries are appended to the file, in one write.
func (r *Register) AddAll(items []string) error {
	var fresh []string
	for _, item := range items {
		if _, ok := r.items[item]; ok {
			continue
		}
		r.items[item] = struct{}{}
		fresh = append(fresh, item)
	}
	if len(fresh) == 0 {
		return nil
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("register: append %s: %w", r.path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, item := range fresh {
		w.WriteString(item)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("register: append %s: %w", r.path, err)
	}
	return nil
}

// Save replaces the register contents with exactly the given set.
func (r *Register) Save(items []string) error {
	r.items = make(map[string]struct{}, len(items))
	for _, item := range items {
		r.items[item] = struct{}{}
	}
	return r.rewrite()
}

// RemoveAll removes the given paths and rewrites the file.
func (r *Register) RemoveAll(items []string) error {
	for _, item := range items {
		delete(r.items, item)
	}
	return r.rewrite()
}

// Intersection returns the paths present in both registers.
func (r *Register) Intersection(other *Register) []string {
	var both []string
	for item := range r.items {
		if other.Contains(item) {
			both = append(both, item)
		}
	}
	return both
}

// Items returns a copy of the current set.
func (r *Register) Items() []string {
	out := make([]string, 0, len(r.items))
	for item := range r.items {
		out = append(out, item)
	}
	return out
}

func (r *Register) rewrite() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("register: rewrite %s: %w", r.path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for item := range r.items {
		w.WriteString(item)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("register: rewrite %s: %w", r.path, err)
	}
	return nil
}
