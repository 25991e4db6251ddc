package vm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Disassemble returns a human-readable listing of the program: constants,
// classes, functions and instructions keyed by instruction index. The output
// is deterministic for a given program.
func (p *Program) Disassemble() string {
	return p.DisassembleWithName("")
}

// DisassembleWithName returns a listing with a name header.
func (p *Program) DisassembleWithName(name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; Instructions: %d  Entry: %04d\n\n", len(p.Instructions), p.EntryPoint))

	if len(p.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, c := range p.Constants {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s %s\n", i, c.Kind(), displayConstant(c)))
		}
		sb.WriteString("\n")
	}

	if len(p.Classes) > 0 {
		sb.WriteString("; Classes:\n")
		classes := make([]string, 0, len(p.Classes))
		for class := range p.Classes {
			classes = append(classes, class)
		}
		sort.Strings(classes)
		for _, class := range classes {
			sb.WriteString(fmt.Sprintf(";   %s {%s}\n", class, strings.Join(p.Classes[class], ", ")))
		}
		sb.WriteString("\n")
	}

	// Labels for function entries, so the listing reads like source.
	starts := make(map[int][]string)
	if len(p.Functions) > 0 {
		sb.WriteString("; Functions:\n")
		for _, fname := range p.FunctionNames() {
			fn := p.Functions[fname]
			ret := fn.ReturnType
			if ret == "" {
				ret = "-"
			}
			sb.WriteString(fmt.Sprintf(";   %-20s @%04d params=%d locals=%d returns=%s\n",
				fname, fn.StartAddress, fn.ParamCount, fn.LocalCount, ret))
			starts[fn.StartAddress] = append(starts[fn.StartAddress], fname)
		}
		sb.WriteString("\n")
	}

	for i, in := range p.Instructions {
		for _, fname := range starts[i] {
			sb.WriteString(fmt.Sprintf("%s:\n", fname))
		}
		marker := "  "
		if i == p.EntryPoint {
			marker = "=>"
		}
		sb.WriteString(fmt.Sprintf("%s %04d  %s", marker, i, in))
		if in.Op == OpPushConst {
			if c, ok := p.Constant(in.Arg); ok {
				sb.WriteString(fmt.Sprintf("  ; %s", displayConstant(c)))
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func displayConstant(v Value) string {
	if t, ok := v.(Text); ok {
		display := string(t)
		if len(display) > 40 {
			display = display[:37] + "..."
		}
		return strconv.Quote(display)
	}
	return v.String()
}
