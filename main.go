// Command dataflow hosts the compiler-side passes of the allocation-site
// fuzzing pipeline: collecting tag sites from LLVM IR modules, rewriting
// dynamic allocation calls to their tagged equivalents, instrumenting
// pointer dereferences, and deduplicating the shared tag-site log.
package main

import (
	"os"
	"path/filepath"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/logrusorgru/aurora"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/ufwt/datAFLow-sub000/collector"
	"github.com/ufwt/datAFLow-sub000/config"
	"github.com/ufwt/datAFLow-sub000/instrument"
	"github.com/ufwt/datAFLow-sub000/stats"
	"github.com/ufwt/datAFLow-sub000/taglog"
	"github.com/ufwt/datAFLow-sub000/tagger"
	"github.com/ufwt/datAFLow-sub000/whitelist"
)

var opts config.Options

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	app := cli.NewApp()
	app.Name = "dataflow"
	app.Usage = "allocation-site tagging and dereference instrumentation for LLVM IR"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "print debug messages",
		},
		cli.BoolFlag{
			Name:        "collectStats",
			Usage:       "collect pass statistics",
			Destination: &stats.CollectStats,
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "path to a dataflow.yml config file",
		},
		cli.StringFlag{
			Name:  "tag-log",
			Usage: "path to the shared tag-site log",
		},
		cli.StringFlag{
			Name:  "whitelist",
			Usage: "path to the custom allocation function whitelist",
		},
		cli.Int64Flag{
			Name:  "seed",
			Usage: "tag generator seed",
		},
		cli.StringFlag{
			Name:  "o",
			Usage: "directory for rewritten modules (default: rewrite in place)",
		},
	}
	app.Before = setup
	app.Commands = []cli.Command{
		collectCommand,
		tagCommand,
		instCommand,
		dedupCommand,
	}

	err := app.Run(os.Args)
	if stats.CollectStats {
		stats.ShowStats()
	}
	if err != nil {
		log.Fatal(err)
	}
}

// setup merges the optional yml config file and the global flags into opts
// before any command runs.
func setup(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}
	opts = config.Default()
	if path := c.String("config"); path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		config.Decode(abs, &opts)
	} else if cwd, err := os.Getwd(); err == nil {
		config.DecodeIfPresent(filepath.Join(cwd, config.DefaultFile), &opts)
	}
	if path := c.String("tag-log"); path != "" {
		opts.TagLog = path
	}
	if path := c.String("whitelist"); path != "" {
		opts.Whitelist = path
	}
	if seed := c.Int64("seed"); seed != 0 {
		opts.TagSeed = seed
	}
	if dir := c.String("o"); dir != "" {
		opts.Output = dir
	}
	return nil
}

var collectCommand = cli.Command{
	Name:      "collect",
	Usage:     "collect allocation tag sites from IR modules into the tag log",
	ArgsUsage: "<module.ll>...",
	Action:    runCollect,
}

func runCollect(c *cli.Context) error {
	if c.NArg() == 0 {
		return xerrors.New("collect: no input modules")
	}
	opts.RequireTagLog()
	wl := loadWhitelist()
	w := taglog.NewWriter(opts.TagLog)

	// The collector appends to the shared log, so units go one at a time.
	for _, path := range c.Args() {
		m, err := asm.ParseFile(path)
		if err != nil {
			return xerrors.Errorf("collect %s: %w", path, err)
		}
		sites := collector.New(wl).Run(m)
		if err := w.Append(unitName(m, path), sites); err != nil {
			return err
		}
		log.Infof("%v: %d tag sites", aurora.BrightGreen(path), len(sites))
	}
	return nil
}

var tagCommand = cli.Command{
	Name:      "tag",
	Usage:     "rewrite dynamic allocation calls to their tagged equivalents",
	ArgsUsage: "<module.ll>...",
	Action:    runTag,
}

func runTag(c *cli.Context) error {
	if c.NArg() == 0 {
		return xerrors.New("tag: no input modules")
	}
	opts.RequireTagLog()
	sites, err := taglog.ReadFile(opts.TagLog)
	if err != nil {
		log.Fatalf("cannot read tag log %s: %v", opts.TagLog, err)
	}
	wl := loadWhitelist()

	// Tagging only reads the finalized log, so units rewrite in parallel.
	// Each unit draws from its own seed to keep tag streams apart.
	var g errgroup.Group
	for i, path := range c.Args() {
		i, path := i, path
		g.Go(func() error {
			m, err := asm.ParseFile(path)
			if err != nil {
				return xerrors.Errorf("tag %s: %w", path, err)
			}
			changed := tagger.New(wl, sites, opts.TagSeed+int64(i)).Run(m)
			if err := writeModule(m, path); err != nil {
				return err
			}
			log.Infof("%v: tagged (changed=%v)", aurora.BrightGreen(path), changed)
			return nil
		})
	}
	return g.Wait()
}

var instCommand = cli.Command{
	Name:      "inst",
	Usage:     "instrument pointer dereferences to report allocation tags",
	ArgsUsage: "<module.ll>...",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "no-reads",
			Usage: "do not instrument loads",
		},
		cli.BoolFlag{
			Name:  "no-writes",
			Usage: "do not instrument stores",
		},
		cli.BoolFlag{
			Name:  "atomics",
			Usage: "also instrument atomic accesses",
		},
	},
	Action: runInst,
}

func runInst(c *cli.Context) error {
	if c.NArg() == 0 {
		return xerrors.New("inst: no input modules")
	}
	if c.Bool("no-reads") {
		opts.InstrumentReads = false
	}
	if c.Bool("no-writes") {
		opts.InstrumentWrites = false
	}
	if c.Bool("atomics") {
		opts.InstrumentAtomics = true
	}

	var g errgroup.Group
	for _, path := range c.Args() {
		path := path
		g.Go(func() error {
			m, err := asm.ParseFile(path)
			if err != nil {
				return xerrors.Errorf("inst %s: %w", path, err)
			}
			p := &instrument.Pass{
				Reads:   opts.InstrumentReads,
				Writes:  opts.InstrumentWrites,
				Atomics: opts.InstrumentAtomics,
			}
			changed := p.Run(m)
			if err := writeModule(m, path); err != nil {
				return err
			}
			log.Infof("%v: instrumented (changed=%v)", aurora.BrightGreen(path), changed)
			return nil
		})
	}
	return g.Wait()
}

var dedupCommand = cli.Command{
	Name:      "dedup",
	Usage:     "rewrite a tag log keeping each distinct record once, in first-seen order",
	ArgsUsage: "<in.log> <out.log>",
	Action:    runDedup,
}

func runDedup(c *cli.Context) error {
	if c.NArg() != 2 {
		return xerrors.New("dedup: need input and output log paths")
	}
	return taglog.DedupFile(c.Args().Get(0), c.Args().Get(1))
}

func loadWhitelist() *whitelist.Whitelist {
	if opts.Whitelist == "" {
		return nil
	}
	wl, err := whitelist.ParseFile(opts.Whitelist)
	if err != nil {
		log.Fatalf("cannot read whitelist %s: %v", opts.Whitelist, err)
	}
	return wl
}

// unitName identifies a compilation unit in the tag log: the module's
// source_filename when present, the input path otherwise.
func unitName(m *ir.Module, path string) string {
	if m.SourceFilename != "" {
		return m.SourceFilename
	}
	return path
}

// writeModule prints m into the output directory, or over the input when no
// directory was configured.
func writeModule(m *ir.Module, inputPath string) error {
	out := inputPath
	if opts.Output != "" {
		out = filepath.Join(opts.Output, filepath.Base(inputPath))
	}
	f, err := os.Create(out)
	if err != nil {
		return xerrors.Errorf("write %s: %w", out, err)
	}
	if _, err := f.WriteString(m.String()); err != nil {
		f.Close()
		return xerrors.Errorf("write %s: %w", out, err)
	}
	return f.Close()
}
