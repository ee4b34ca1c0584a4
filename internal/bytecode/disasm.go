package bytecode

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

const mnemonicWidth = 20

// Disassemble writes a listing of m in the form accepted by Assemble.
func Disassemble(w io.Writer, m *Module) error {
	var sb strings.Builder
	for _, g := range m.Globals {
		fmt.Fprintf(&sb, ".global %s %s\n", g.Name, g.Type)
	}
	for _, imp := range m.Imports {
		fmt.Fprintf(&sb, ".import %s (%s) %s\n", imp.Name, joinTypes(imp.Params), imp.Result)
	}
	if len(m.Globals)+len(m.Imports) > 0 {
		sb.WriteByte('\n')
	}
	for _, fn := range m.Functions {
		disassembleFunction(&sb, m, fn)
		sb.WriteByte('\n')
	}
	if m.Entry >= 0 && m.Entry < len(m.Functions) {
		fmt.Fprintf(&sb, ".entry %s\n", m.Functions[m.Entry].Name)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func joinTypes(ts []ValType) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return strings.Join(parts, ", ")
}

func disassembleFunction(sb *strings.Builder, m *Module, fn *Function) {
	fmt.Fprintf(sb, ".func %s (%s) %s\n", fn.Name, joinTypes(fn.Params), fn.Result)
	for i := len(fn.Params); i < len(fn.Locals); i++ {
		fmt.Fprintf(sb, "  .local l%d %s\n", i, fn.Locals[i])
	}
	if fn.File != "" {
		fmt.Fprintf(sb, "  .file %s\n", fn.File)
	}
	targets := map[int]bool{}
	for _, in := range fn.Code {
		if in.Op.Arg() == ArgTarget {
			targets[in.Index()] = true
		}
	}
	li := 0
	for pc, in := range fn.Code {
		for li < len(fn.Lines) && fn.Lines[li].PC == pc {
			fmt.Fprintf(sb, "  .line %d %d\n", fn.Lines[li].Line, fn.Lines[li].Col)
			li++
		}
		if targets[pc] {
			fmt.Fprintf(sb, "L%d:\n", pc)
		}
		operand, note := formatOperand(m, fn, in)
		text := in.Op.String()
		if operand != "" {
			text += " " + operand
		}
		if in.Op.Has(FlagTyped) {
			text += " " + in.Type.String()
		}
		if note == "" {
			fmt.Fprintf(sb, "  %s\n", text)
			continue
		}
		fmt.Fprintf(sb, "  %s ; %4d %s\n", runewidth.FillRight(text, mnemonicWidth), pc, note)
	}
	sb.WriteString(".end\n")
}

func formatOperand(m *Module, fn *Function, in Instr) (operand, note string) {
	switch in.Op.Arg() {
	case ArgNone:
		return "", ""
	case ArgInt:
		if in.Op == OpBoolConst {
			return strconv.FormatBool(in.Arg != 0), ""
		}
		return strconv.FormatInt(in.Arg, 10), ""
	case ArgFloat:
		return strconv.FormatFloat(in.Float(), 'g', -1, 64), ""
	case ArgLocal:
		return strconv.Itoa(in.Index()), fn.Locals[in.Index()].String()
	case ArgGlobal:
		g := m.Globals[in.Index()]
		return g.Name, g.Type.String()
	case ArgTarget:
		return "L" + strconv.Itoa(in.Index()), ""
	case ArgFunc:
		return m.Functions[in.Index()].Name, ""
	case ArgHost:
		return m.Imports[in.Index()].Name, ""
	case ArgString:
		s := m.Strings[in.Index()]
		return strconv.Quote(s), fmt.Sprintf("%d code points", utf8.RuneCountInString(s))
	case ArgCount:
		return strconv.Itoa(in.Index()), ""
	}
	return "", ""
}
