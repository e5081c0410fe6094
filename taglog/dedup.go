package taglog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// Dedup copies the log from r to w, keeping the first occurrence of every
// record line and dropping comments. Running it twice gives the same output
// as running it once.
func Dedup(r io.Reader, w io.Writer) error {
	seen := make(map[string]bool)
	bw := bufio.NewWriter(w)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		fmt.Fprintln(bw, line)
	}
	if err := sc.Err(); err != nil {
		return xerrors.Errorf("taglog: dedup: %w", err)
	}
	return bw.Flush()
}

// DedupFile deduplicates the log at in and writes the result to out. The
// two paths must differ; deduplicating in place would truncate the input
// before it is read.
func DedupFile(in, out string) error {
	if in == out {
		return xerrors.New("taglog: dedup input and output are the same file")
	}
	src, err := os.Open(in)
	if err != nil {
		return xerrors.Errorf("taglog: %w", err)
	}
	defer src.Close()
	dst, err := os.Create(out)
	if err != nil {
		return xerrors.Errorf("taglog: %w", err)
	}
	if err := Dedup(src, dst); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
