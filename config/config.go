// Package config carries the configuration surface shared by the dataflow
// tools: flag values merged over an optional dataflow.yml file.
package config

import (
	"io/ioutil"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DefaultFile is looked for in the working directory when no -config flag
// is given.
const DefaultFile = "dataflow.yml"

// Options is the full configuration surface. TagLog is required by the
// collector and tagger; the instrumentation toggles only concern the
// dereference instrumenter. MinArraySize is forwarded to the array
// promotion stage of the pipeline and gates nothing here.
type Options struct {
	TagLog            string
	Whitelist         string
	InstrumentReads   bool
	InstrumentWrites  bool
	InstrumentAtomics bool
	MinArraySize      int
	TagSeed           int64
	Output            string
}

// Default returns the options the tools start from before the yml file and
// flags are applied.
func Default() Options {
	return Options{
		InstrumentReads:  true,
		InstrumentWrites: true,
		MinArraySize:     1,
	}
}

// RequireTagLog stops the run when no tag-site log path was configured.
func (o *Options) RequireTagLog() {
	if o.TagLog == "" {
		log.Fatalf("no tag log path configured; pass -tag-log or set tagLog in %s", DefaultFile)
	}
}

type dataflowYml struct {
	DataflowCfgs []dataflowCfg `yaml:"dataflowcfgs"`
}

type dataflowCfg struct {
	TagLog            string `yaml:"tagLog"`
	Whitelist         string `yaml:"whitelist"`
	InstrumentReads   *bool  `yaml:"instrumentReads"`
	InstrumentWrites  *bool  `yaml:"instrumentWrites"`
	InstrumentAtomics *bool  `yaml:"instrumentAtomics"`
	MinArraySize      int    `yaml:"minArraySize"`
	TagSeed           int64  `yaml:"tagSeed"`
}

// Decode merges the yml file at absPath into opts. An unreadable or
// malformed file stops the run.
func Decode(absPath string, opts *Options) {
	data, err := ioutil.ReadFile(absPath)
	if err != nil {
		log.Fatalf("cannot read config file %s: %v", absPath, err)
	}
	var file dataflowYml
	if err := yaml.Unmarshal(data, &file); err != nil {
		log.Fatalf("cannot parse config file %s: %v", absPath, err)
	}
	for _, cfg := range file.DataflowCfgs {
		if cfg.TagLog != "" {
			opts.TagLog = cfg.TagLog
		}
		if cfg.Whitelist != "" {
			opts.Whitelist = cfg.Whitelist
		}
		if cfg.InstrumentReads != nil {
			opts.InstrumentReads = *cfg.InstrumentReads
		}
		if cfg.InstrumentWrites != nil {
			opts.InstrumentWrites = *cfg.InstrumentWrites
		}
		if cfg.InstrumentAtomics != nil {
			opts.InstrumentAtomics = *cfg.InstrumentAtomics
		}
		if cfg.MinArraySize != 0 {
			opts.MinArraySize = cfg.MinArraySize
		}
		if cfg.TagSeed != 0 {
			opts.TagSeed = cfg.TagSeed
		}
	}
	log.Debugf("merged config from %s", absPath)
}

// DecodeIfPresent merges the default config file when one exists in the
// working directory.
func DecodeIfPresent(absPath string, opts *Options) {
	if _, err := os.Stat(absPath); err != nil {
		return
	}
	Decode(absPath, opts)
}
