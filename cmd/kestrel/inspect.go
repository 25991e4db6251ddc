package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/chazu/kestrel/compiler/hash"
)

// hashCommand prints the content hash of every function in a program.
// Usage:
//
//	kestrel hash fact.kbc
func hashCommand(opts options, w io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kestrel hash <program>")
	}
	p, err := loadProgram(opts, args[0])
	if err != nil {
		return err
	}
	digests, err := hash.HashProgram(p)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, name := range p.FunctionNames() {
		d := digests[name]
		if opts.verbose {
			fmt.Fprintf(tw, "%s\t%s\n", d, name)
		} else {
			fmt.Fprintf(tw, "%s\t%s\n", d.Short(), name)
		}
	}
	return tw.Flush()
}

// diffCommand reports which functions differ between two programs.
// Usage:
//
//	kestrel diff old.kbc @current
func diffCommand(opts options, w io.Writer, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: kestrel diff <old-program> <new-program>")
	}
	old, err := loadProgram(opts, args[0])
	if err != nil {
		return err
	}
	updated, err := loadProgram(opts, args[1])
	if err != nil {
		return err
	}
	changes, err := hash.Diff(old, updated)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		if opts.verbose {
			fmt.Fprintln(w, "No changes")
		}
		return nil
	}
	for _, c := range changes {
		switch c.Kind {
		case hash.Added:
			fmt.Fprintf(w, "+ %s\n", c.Function)
		case hash.Removed:
			fmt.Fprintf(w, "- %s\n", c.Function)
		default:
			fmt.Fprintf(w, "~ %s (%s -> %s)\n", c.Function, c.Old.Short(), c.New.Short())
		}
	}
	return nil
}
