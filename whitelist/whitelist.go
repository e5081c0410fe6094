// Package whitelist parses the allow-list file naming additional functions
// and globals to treat as dynamic-allocation sites. The format follows the
// sanitizer special-case-list shape:
//
//	[fuzzalloc]
//	fun:my_malloc_wrapper
//	gv:alloc_fn_table
//
// Only entries inside a [fuzzalloc] section apply; other sections and
// unknown categories are ignored.
package whitelist

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

const section = "fuzzalloc"

// Whitelist is the parsed allow-list. The zero value matches nothing.
type Whitelist struct {
	funcs   map[string]bool
	globals map[string]bool
}

// Parse reads an allow-list. An entry line that is not `category:name` is a
// parse error.
func Parse(r io.Reader) (*Whitelist, error) {
	w := &Whitelist{
		funcs:   make(map[string]bool),
		globals: make(map[string]bool),
	}
	inSection := false
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, xerrors.Errorf("whitelist: line %d: malformed section header %q", lineno, line)
			}
			inSection = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]") == section
			continue
		}
		category, name, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			return nil, xerrors.Errorf("whitelist: line %d: malformed entry %q", lineno, line)
		}
		if !inSection {
			continue
		}
		switch category {
		case "fun":
			w.funcs[name] = true
		case "gv":
			w.globals[name] = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("whitelist: read: %w", err)
	}
	return w, nil
}

// ParseFile reads the allow-list at path.
func ParseFile(path string) (*Whitelist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("whitelist: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// ContainsFunc reports whether name is an allow-listed function.
func (w *Whitelist) ContainsFunc(name string) bool {
	return w != nil && w.funcs[name]
}

// ContainsGlobal reports whether name is an allow-listed global variable.
func (w *Whitelist) ContainsGlobal(name string) bool {
	return w != nil && w.globals[name]
}

// Funcs returns the allow-listed function names, sorted.
func (w *Whitelist) Funcs() []string {
	if w == nil {
		return nil
	}
	names := make([]string, 0, len(w.funcs))
	for name := range w.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Globals returns the allow-listed global names, sorted.
func (w *Whitelist) Globals() []string {
	if w == nil {
		return nil
	}
	names := make([]string, 0, len(w.globals))
	for name := range w.globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Empty reports whether the list matches nothing.
func (w *Whitelist) Empty() bool {
	return w == nil || (len(w.funcs) == 0 && len(w.globals) == 0)
}
