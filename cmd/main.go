// Command dataflow-dedup rewrites a tag-site log so that every distinct
// record appears once, in first-seen order. Parallel builds append to the
// shared log from many compile jobs; this runs once afterwards to produce
// the finalized log the tagging pass reads.
package main

import (
	"bytes"
	"flag"
	"io"
	"os"

	"github.com/rogpeppe/go-internal/lockedfile"
	log "github.com/sirupsen/logrus"

	"github.com/ufwt/datAFLow-sub000/taglog"
)

func main() {
	debug := flag.Bool("debug", false, "Prints debug messages.")
	help := flag.Bool("help", false, "Show all command-line options.")
	output := flag.String("o", "", "Output log path. Defaults to rewriting the input.")
	flag.Parse()
	if *help {
		flag.PrintDefaults()
		return
	}
	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	if flag.NArg() != 1 {
		log.Error("need exactly one tag log path")
		flag.PrintDefaults()
		os.Exit(1)
	}
	in := flag.Arg(0)
	out := *output
	if out == "" || out == in {
		if err := dedupInPlace(in); err != nil {
			log.Fatal(err)
		}
		log.Infof("%s: deduplicated in place", in)
		return
	}
	if err := taglog.DedupFile(in, out); err != nil {
		log.Fatal(err)
	}
	log.Infof("%s: deduplicated into %s", in, out)
}

// dedupInPlace rewrites the log under the same file lock the collectors
// append with, so a straggling compile job cannot slip a record in between
// the read and the truncate.
func dedupInPlace(path string) error {
	f, err := lockedfile.Edit(path)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := taglog.Dedup(bytes.NewReader(data), &out); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(out.Bytes()); err != nil {
		return err
	}
	return f.Close()
}
