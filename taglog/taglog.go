// Package taglog reads and writes the tag-site log: the line-oriented file
// that carries allocation-site facts from the collection phase to the
// tagging phase, possibly across separate compiler invocations.
//
// The format is one record per line, comma-separated, with `# <unit>`
// comment lines recording which compilation unit appended the records that
// follow. The log is append-only; appends take an exclusive file lock so
// compile jobs from a parallel build can share one log.
package taglog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rogpeppe/go-internal/lockedfile"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Kind classifies a tag site.
type Kind int

const (
	// KindFunction is a function that (transitively) performs a dynamic
	// allocation, e.g. a malloc wrapper.
	KindFunction Kind = iota
	// KindGlobalVariable is a global variable holding an allocation
	// function pointer.
	KindGlobalVariable
	// KindGlobalAlias is a global alias of an allocation function.
	KindGlobalAlias
	// KindStructField is a struct field holding an allocation function
	// pointer.
	KindStructField
)

var kindNames = map[Kind]string{
	KindFunction:       "fun",
	KindGlobalVariable: "gv",
	KindGlobalAlias:    "ga",
	KindStructField:    "struct",
}

var kindsByName = map[string]Kind{
	"fun":    KindFunction,
	"gv":     KindGlobalVariable,
	"ga":     KindGlobalAlias,
	"struct": KindStructField,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Site is one tag-site record. Name is the function, global variable or
// alias name; struct-field records additionally carry the struct type name,
// the field offset and (optionally) the target function's type string.
type Site struct {
	Kind       Kind
	Name       string
	Struct     string
	Offset     int64
	TypeString string
}

// FuncSite records an allocation (wrapper) function.
func FuncSite(name string) Site {
	return Site{Kind: KindFunction, Name: name}
}

// GlobalVariableSite records a global variable holding an allocation
// function pointer.
func GlobalVariableSite(name string) Site {
	return Site{Kind: KindGlobalVariable, Name: name}
}

// GlobalAliasSite records a global alias of an allocation function.
func GlobalAliasSite(name string) Site {
	return Site{Kind: KindGlobalAlias, Name: name}
}

// StructFieldSite records that field at byte offset off of structName holds
// the allocation function fn. typeString is fn's printed type, kept for
// sanity checking when the call site is reconstructed in another unit.
func StructFieldSite(structName string, off int64, fn, typeString string) Site {
	return Site{
		Kind:       KindStructField,
		Name:       fn,
		Struct:     structName,
		Offset:     off,
		TypeString: typeString,
	}
}

// String renders the record in log-file form.
func (s Site) String() string {
	switch s.Kind {
	case KindStructField:
		if s.TypeString != "" {
			return fmt.Sprintf("struct,%s,%d,%s,%s", s.Struct, s.Offset, s.Name, s.TypeString)
		}
		return fmt.Sprintf("struct,%s,%d,%s", s.Struct, s.Offset, s.Name)
	default:
		return fmt.Sprintf("%s,%s", s.Kind, s.Name)
	}
}

// Parse inverts Site.String. The function type string of a struct record is
// taken verbatim and may itself contain commas.
func Parse(line string) (Site, error) {
	toks := strings.SplitN(line, ",", 2)
	if len(toks) != 2 {
		return Site{}, xerrors.Errorf("taglog: malformed record %q", line)
	}
	kind, ok := kindsByName[toks[0]]
	if !ok {
		return Site{}, xerrors.Errorf("taglog: unknown record kind %q", toks[0])
	}
	if kind != KindStructField {
		if toks[1] == "" {
			return Site{}, xerrors.Errorf("taglog: empty name in record %q", line)
		}
		return Site{Kind: kind, Name: toks[1]}, nil
	}
	fields := strings.SplitN(toks[1], ",", 4)
	if len(fields) < 3 {
		return Site{}, xerrors.Errorf("taglog: malformed struct record %q", line)
	}
	off, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Site{}, xerrors.Errorf("taglog: bad offset in %q: %w", line, err)
	}
	s := Site{Kind: kind, Struct: fields[0], Offset: off, Name: fields[2]}
	if len(fields) == 4 {
		s.TypeString = fields[3]
	}
	return s, nil
}

// Read replays a log, skipping comments and blank lines. Records come back
// in file order; a malformed line fails the whole read.
func Read(r io.Reader) ([]Site, error) {
	var sites []Site
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s, err := Parse(line)
		if err != nil {
			return nil, err
		}
		sites = append(sites, s)
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("taglog: read: %w", err)
	}
	return sites, nil
}

// ReadFile replays the log at path.
func ReadFile(path string) ([]Site, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("taglog: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Writer appends records to a log file, creating it on first use. Each
// append holds an exclusive file lock, so collectors running under a
// parallel build can share one log without build-system serialization.
type Writer struct {
	path string
}

// NewWriter returns a Writer appending to the log at path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Append writes a `# unit` provenance comment followed by one line per
// site. Appending no sites writes nothing.
func (w *Writer) Append(unit string, sites []Site) error {
	if len(sites) == 0 {
		return nil
	}
	f, err := lockedfile.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return xerrors.Errorf("taglog: open %s: %w", w.path, err)
	}
	buf := bufio.NewWriter(f)
	fmt.Fprintf(buf, "# %s\n", unit)
	for _, s := range sites {
		fmt.Fprintln(buf, s.String())
	}
	if err := buf.Flush(); err != nil {
		f.Close()
		return xerrors.Errorf("taglog: append to %s: %w", w.path, err)
	}
	log.Debugf("appended %d tag sites from %s to %s", len(sites), unit, w.path)
	return f.Close()
}
