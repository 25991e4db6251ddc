package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/chazu/kestrel/store"
	"github.com/chazu/kestrel/vm/wire"
)

// storeCommand processes the `kestrel store` subcommands.
// Usage:
//
//	kestrel store save fact fact.kbc
//	kestrel store export fact out.kbc
//	kestrel store list
//	kestrel store delete fact
func storeCommand(opts options, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kestrel store <save|export|list|delete> [args...]")
	}

	st, err := store.Open(opts.config.StorePath())
	if err != nil {
		return err
	}
	defer st.Close()

	switch args[0] {
	case "save":
		if len(args) != 3 {
			return fmt.Errorf("usage: kestrel store save <name> <image>")
		}
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", args[2], err)
		}
		p, err := wire.Unmarshal(data)
		if err != nil {
			return fmt.Errorf("loading %s: %w", args[2], err)
		}
		if err := st.Save(args[1], p); err != nil {
			return err
		}
		if opts.verbose {
			fmt.Printf("Saved %s (%d instructions, %d functions)\n", args[1], p.Len(), len(p.Functions))
		}
		return nil

	case "export":
		if len(args) != 3 {
			return fmt.Errorf("usage: kestrel store export <name> <image>")
		}
		p, err := st.Load(args[1])
		if err != nil {
			return err
		}
		data, err := wire.Marshal(p)
		if err != nil {
			return err
		}
		return os.WriteFile(args[2], data, 0644)

	case "list":
		entries, err := st.List()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tFUNCTIONS\tBYTES\tCHECKSUM\tUPDATED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%d\t%d\t%016x\t%s\n", e.Name, e.Functions, e.Size, e.Checksum, e.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()

	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: kestrel store delete <name>")
		}
		return st.Delete(args[1])

	default:
		return fmt.Errorf("unknown store command: %s", args[0])
	}
}
