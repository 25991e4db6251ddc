package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/kestrel/manifest"
	"github.com/chazu/kestrel/store"
	"github.com/chazu/kestrel/vm"
)

func testOptions(t *testing.T) options {
	t.Helper()
	m := manifest.Default()
	m.Store.Path = filepath.Join(t.TempDir(), "programs.db")
	return options{config: m}
}

func TestSamplesRun(t *testing.T) {
	cases := []struct {
		name string
		fn   string
		args []vm.Value
		want vm.Value
	}{
		{"factorial", "", nil, vm.Integer(3628800)},
		{"squares", "", nil, vm.Integer(328350)},
		{"counter", "tally", []vm.Value{vm.Integer(4)}, vm.Integer(20)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := buildSample(tc.name)
			if err != nil {
				t.Fatalf("buildSample: %v", err)
			}
			cfg := vm.DefaultConfig()
			cfg.Out = &discard{}
			machine := vm.NewVM(cfg, nil)

			var got vm.Value
			if tc.fn == "" {
				got, err = machine.Run(context.Background(), p)
			} else {
				if err := initGlobals(context.Background(), machine, p); err != nil {
					t.Fatalf("initGlobals: %v", err)
				}
				got, err = machine.Call(context.Background(), p, tc.fn, tc.args...)
			}
			if err != nil {
				t.Fatalf("execution failed: %v", err)
			}
			if eq, err := vm.Equal(got, tc.want); err != nil || !eq {
				t.Errorf("result = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestUnknownSample(t *testing.T) {
	if _, err := buildSample("nope"); err == nil {
		t.Error("expected error for unknown sample")
	}
}

func TestSampleImageRoundTrip(t *testing.T) {
	opts := testOptions(t)
	image := filepath.Join(t.TempDir(), "fact.kbc")

	if err := sampleCommand(opts, []string{"factorial", image}); err != nil {
		t.Fatalf("sample: %v", err)
	}
	p, err := loadProgram(opts, image)
	if err != nil {
		t.Fatalf("loadProgram: %v", err)
	}
	if _, ok := p.Function("factorial"); !ok {
		t.Error("loaded image has no factorial function")
	}
}

func TestStoreCommands(t *testing.T) {
	opts := testOptions(t)
	image := filepath.Join(t.TempDir(), "counter.kbc")
	if err := sampleCommand(opts, []string{"counter", image}); err != nil {
		t.Fatal(err)
	}

	if err := storeCommand(opts, []string{"save", "counter", image}); err != nil {
		t.Fatalf("store save: %v", err)
	}
	p, err := loadProgram(opts, "@counter")
	if err != nil {
		t.Fatalf("loadProgram @counter: %v", err)
	}
	if _, ok := p.Function("Counter.bump"); !ok {
		t.Error("stored program lost method Counter.bump")
	}

	out := filepath.Join(t.TempDir(), "exported.kbc")
	if err := storeCommand(opts, []string{"export", "counter", out}); err != nil {
		t.Fatalf("store export: %v", err)
	}
	original, _ := os.ReadFile(image)
	exported, _ := os.ReadFile(out)
	if string(original) != string(exported) {
		t.Error("exported image differs from the saved one")
	}

	if err := storeCommand(opts, []string{"delete", "counter"}); err != nil {
		t.Fatalf("store delete: %v", err)
	}
	if _, err := loadProgram(opts, "@counter"); !errors.Is(err, store.ErrProgramNotFound) {
		t.Errorf("loadProgram after delete = %v, want ErrProgramNotFound", err)
	}
}

func TestStoreCommandUsage(t *testing.T) {
	opts := testOptions(t)
	if err := storeCommand(opts, nil); err == nil {
		t.Error("expected usage error")
	}
	if err := storeCommand(opts, []string{"frobnicate"}); err == nil {
		t.Error("expected unknown command error")
	}
}

func writeSamples(t *testing.T, opts options, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for _, name := range names {
		path := filepath.Join(dir, name+".kbc")
		if err := sampleCommand(opts, []string{name, path}); err != nil {
			t.Fatalf("sample %s: %v", name, err)
		}
		paths = append(paths, path)
	}
	return paths
}

func TestHashCommand(t *testing.T) {
	opts := testOptions(t)
	paths := writeSamples(t, opts, "squares")

	var out bytes.Buffer
	if err := hashCommand(opts, &out, paths); err != nil {
		t.Fatalf("hash: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("hash printed %d lines:\n%s", len(lines), out.String())
	}
	for i, name := range []string{"main", "squares", "sum"} {
		fields := strings.Fields(lines[i])
		if len(fields) != 2 || len(fields[0]) != 12 || fields[1] != name {
			t.Errorf("line %d = %q, want a short digest for %s", i, lines[i], name)
		}
	}

	if err := hashCommand(opts, &out, nil); err == nil {
		t.Error("expected usage error")
	}
}

func TestDiffCommand(t *testing.T) {
	opts := testOptions(t)
	paths := writeSamples(t, opts, "factorial", "squares")

	var out bytes.Buffer
	if err := diffCommand(opts, &out, paths); err != nil {
		t.Fatalf("diff: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{"- factorial", "~ main", "+ squares", "+ sum"}
	if len(lines) != len(want) {
		t.Fatalf("diff output:\n%s", out.String())
	}
	for i, prefix := range want {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line %d = %q, want prefix %q", i, lines[i], prefix)
		}
	}

	out.Reset()
	if err := diffCommand(opts, &out, []string{paths[0], paths[0]}); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Errorf("diff of identical programs printed %q", out.String())
	}
}

func TestFormatValueJSON(t *testing.T) {
	opts := options{json: true}
	text, err := formatValue(opts, vm.NewList(vm.Integer(1), vm.Text("a")))
	if err != nil {
		t.Fatal(err)
	}
	args, err := vm.ParseArgs([]byte(text))
	if err != nil {
		t.Fatalf("output %s is not a JSON array: %v", text, err)
	}
	if len(args) != 2 || args[0] != vm.Integer(1) || args[1] != vm.Text("a") {
		t.Errorf("formatValue = %s", text)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
