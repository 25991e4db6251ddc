// Package manifest handles kestrel.toml runtime configuration.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"

	"github.com/chazu/kestrel/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "kestrel.toml"

//go:embed schema.cue
var schemaSource string

// Manifest represents a kestrel.toml configuration.
type Manifest struct {
	VM    VMSection    `toml:"vm" json:"vm"`
	GC    GCSection    `toml:"gc" json:"gc"`
	Pool  PoolSection  `toml:"pool" json:"pool"`
	Log   LogSection   `toml:"log" json:"log"`
	Store StoreSection `toml:"store" json:"store"`

	// Dir is the directory containing the kestrel.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// VMSection configures the interpreter and its stack.
type VMSection struct {
	MaxStack            int  `toml:"max-stack" json:"max-stack"`
	MaxFrames           int  `toml:"max-frames" json:"max-frames"`
	CancelCheckInterval int  `toml:"cancel-check-interval" json:"cancel-check-interval"`
	Trace               bool `toml:"trace" json:"trace"`
}

// GCSection configures the collector.
type GCSection struct {
	Enabled        bool `toml:"enabled" json:"enabled"`
	Generational   bool `toml:"generational" json:"generational"`
	YoungThreshold int  `toml:"young-threshold" json:"young-threshold"`
	Incremental    bool `toml:"incremental" json:"incremental"`
	MaxObjects     int  `toml:"max-objects" json:"max-objects"`
}

// PoolSection configures concurrent execution.
type PoolSection struct {
	Workers int `toml:"workers" json:"workers"`
}

// LogSection configures logging. Verbosity follows commonlog: 0 is notice,
// 1 info, 2 and above debug, negative values quieter.
type LogSection struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// StoreSection configures the program store.
type StoreSection struct {
	Path string `toml:"path" json:"path"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Manifest {
	vmc := vm.DefaultConfig()
	return &Manifest{
		VM: VMSection{
			MaxStack:            vmc.MaxStack,
			MaxFrames:           vmc.MaxFrames,
			CancelCheckInterval: vmc.CancelCheckInterval,
		},
		GC: GCSection{
			Enabled:        vmc.EnableGC,
			Generational:   vmc.GC.Generational,
			YoungThreshold: vmc.GC.YoungThreshold,
			Incremental:    vmc.GC.Incremental,
			MaxObjects:     vmc.GC.MaxObjects,
		},
		Pool:  PoolSection{Workers: 4},
		Store: StoreSection{Path: "kestrel.db"},
	}
}

// Parse decodes TOML over the defaults and validates the result.
func Parse(data []byte) (*Manifest, error) {
	m := Default()
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load parses a kestrel.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a kestrel.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks the manifest against the embedded CUE schema.
func (m *Manifest) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	value := ctx.Encode(m)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// VMConfig converts the manifest into a VM configuration.
func (m *Manifest) VMConfig() vm.Config {
	return vm.Config{
		MaxStack:            m.VM.MaxStack,
		MaxFrames:           m.VM.MaxFrames,
		CancelCheckInterval: m.VM.CancelCheckInterval,
		Trace:               m.VM.Trace,
		EnableGC:            m.GC.Enabled,
		GC: vm.GCConfig{
			Generational:   m.GC.Generational,
			YoungThreshold: m.GC.YoungThreshold,
			Incremental:    m.GC.Incremental,
			MaxObjects:     m.GC.MaxObjects,
		},
	}
}

// StorePath returns the store path, resolved against the manifest directory
// when relative.
func (m *Manifest) StorePath() string {
	if m.Store.Path == "" || filepath.IsAbs(m.Store.Path) || m.Dir == "" {
		return m.Store.Path
	}
	return filepath.Join(m.Dir, m.Store.Path)
}
