package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[vm]
max-stack = 4096
max-frames = 64
cancel-check-interval = 16
trace = true

[gc]
enabled = true
generational = false
young-threshold = 50
incremental = true
max-objects = 10000

[pool]
workers = 8

[log]
verbosity = 2

[store]
path = "programs.db"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.VM.MaxStack != 4096 {
		t.Errorf("max-stack = %d, want 4096", m.VM.MaxStack)
	}
	if m.VM.MaxFrames != 64 {
		t.Errorf("max-frames = %d, want 64", m.VM.MaxFrames)
	}
	if m.VM.CancelCheckInterval != 16 {
		t.Errorf("cancel-check-interval = %d, want 16", m.VM.CancelCheckInterval)
	}
	if !m.VM.Trace {
		t.Error("trace should be true")
	}
	if m.GC.Generational {
		t.Error("generational should be false")
	}
	if m.GC.YoungThreshold != 50 {
		t.Errorf("young-threshold = %d, want 50", m.GC.YoungThreshold)
	}
	if !m.GC.Incremental {
		t.Error("incremental should be true")
	}
	if m.GC.MaxObjects != 10000 {
		t.Errorf("max-objects = %d, want 10000", m.GC.MaxObjects)
	}
	if m.Pool.Workers != 8 {
		t.Errorf("workers = %d, want 8", m.Pool.Workers)
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("verbosity = %d, want 2", m.Log.Verbosity)
	}
	if m.Dir == "" {
		t.Error("Dir should be set")
	}
	if got, want := m.StorePath(), filepath.Join(m.Dir, "programs.db"); got != want {
		t.Errorf("StorePath() = %q, want %q", got, want)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[gc]
young-threshold = 10
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	def := Default()
	if m.VM.MaxStack != def.VM.MaxStack {
		t.Errorf("max-stack = %d, want default %d", m.VM.MaxStack, def.VM.MaxStack)
	}
	if !m.GC.Enabled {
		t.Error("gc should stay enabled when the file does not mention it")
	}
	if !m.GC.Generational {
		t.Error("generational should default to true")
	}
	if m.GC.YoungThreshold != 10 {
		t.Errorf("young-threshold = %d, want 10", m.GC.YoungThreshold)
	}
	if m.Pool.Workers != def.Pool.Workers {
		t.Errorf("workers = %d, want default %d", m.Pool.Workers, def.Pool.Workers)
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default manifest should validate: %v", err)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := map[string]string{
		"zero workers":      "[pool]\nworkers = 0\n",
		"negative frames":   "[vm]\nmax-frames = -1\n",
		"tiny stack":        "[vm]\nmax-stack = 2\n",
		"negative max objs": "[gc]\nmax-objects = -5\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(src)); err == nil {
				t.Errorf("Parse(%q) should fail", src)
			} else if !strings.Contains(err.Error(), "invalid configuration") {
				t.Errorf("error = %v, want invalid configuration", err)
			}
		})
	}
}

func TestParseMalformedToml(t *testing.T) {
	if _, err := Parse([]byte("[vm\nmax-stack = ")); err == nil {
		t.Fatal("expected error for malformed TOML")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing kestrel.toml")
	}
	if !strings.Contains(err.Error(), "cannot read") {
		t.Errorf("error = %v, want cannot read", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("[pool]\nworkers = 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("expected manifest, got nil")
	}
	if m.Pool.Workers != 2 {
		t.Errorf("workers = %d, want 2", m.Pool.Workers)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	// A kestrel.toml above the temp directory would be picked up here.
	if m != nil && m.Dir == "" {
		t.Error("found manifest should carry its directory")
	}
}

func TestVMConfig(t *testing.T) {
	m, err := Parse([]byte("[vm]\nmax-frames = 32\n[gc]\nenabled = false\nmax-objects = 7\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg := m.VMConfig()
	if cfg.MaxFrames != 32 {
		t.Errorf("MaxFrames = %d, want 32", cfg.MaxFrames)
	}
	if cfg.EnableGC {
		t.Error("EnableGC should be false")
	}
	if cfg.GC.MaxObjects != 7 {
		t.Errorf("GC.MaxObjects = %d, want 7", cfg.GC.MaxObjects)
	}
	if cfg.GC.YoungThreshold != Default().GC.YoungThreshold {
		t.Errorf("GC.YoungThreshold = %d, want default", cfg.GC.YoungThreshold)
	}
}
