package bytecode

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Assemble parses the textual form:
//
//	; comment
//	.global name type
//	.import name (type, ...) result
//	.func name (param type, ...) result
//	  .local name type
//	  .file path
//	  .line line col
//	label:
//	  opcode [immediate] [type]
//	.end
//	.entry name
//
// Locals, labels, functions, imports, globals and strings may be referenced
// by name; numeric immediates are accepted everywhere.
func Assemble(r io.Reader) (*Module, error) {
	a := &assembler{mod: NewModule(), funcs: map[string]int{}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		a.line++
		if err := a.parseLine(sc.Text()); err != nil {
			return nil, fmt.Errorf("asm: line %d: %w", a.line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("asm: %w", err)
	}
	if a.fn != nil {
		return nil, fmt.Errorf("asm: function %s: missing .end", a.fn.Name)
	}
	if err := a.finish(); err != nil {
		return nil, fmt.Errorf("asm: %w", err)
	}
	if err := a.mod.Validate(); err != nil {
		return nil, fmt.Errorf("asm: %w", err)
	}
	return a.mod, nil
}

// AssembleString is Assemble over a string.
func AssembleString(src string) (*Module, error) {
	return Assemble(strings.NewReader(src))
}

type fixup struct {
	fn   *Function
	pc   int
	name string
	line int
}

type assembler struct {
	mod   *Module
	line  int
	funcs map[string]int
	entry string

	fn         *Function
	localNames map[string]int
	labels     map[string]int
	labelFix   []fixup
	callFix    []fixup
	pendingPos *LineEntry
}

func (a *assembler) parseLine(raw string) error {
	toks, err := tokenize(raw)
	if err != nil {
		return err
	}
	if len(toks) == 0 {
		return nil
	}
	head := toks[0]
	if strings.HasSuffix(head, ":") && len(toks) == 1 {
		return a.label(strings.TrimSuffix(head, ":"))
	}
	if strings.HasPrefix(head, ".") {
		return a.directive(head, toks[1:], raw)
	}
	if a.fn == nil {
		return fmt.Errorf("instruction %q outside a function", head)
	}
	return a.instr(head, toks[1:])
}

func (a *assembler) label(name string) error {
	if a.fn == nil {
		return fmt.Errorf("label %q outside a function", name)
	}
	if _, dup := a.labels[name]; dup {
		return fmt.Errorf("duplicate label %q", name)
	}
	a.labels[name] = len(a.fn.Code)
	return nil
}

func (a *assembler) directive(name string, args []string, raw string) error {
	switch name {
	case ".global":
		if len(args) != 2 {
			return fmt.Errorf(".global wants name and type")
		}
		t, err := ParseType(args[1])
		if err != nil {
			return err
		}
		a.mod.Globals = append(a.mod.Globals, Global{Name: args[0], Type: t})
	case ".import":
		name, params, result, err := parseSignature(raw, ".import")
		if err != nil {
			return err
		}
		imp := HostImport{Name: name, Result: result}
		for _, p := range params {
			imp.Params = append(imp.Params, p.t)
		}
		a.mod.Imports = append(a.mod.Imports, imp)
	case ".func":
		if a.fn != nil {
			return fmt.Errorf("nested .func inside %s", a.fn.Name)
		}
		name, params, result, err := parseSignature(raw, ".func")
		if err != nil {
			return err
		}
		if _, dup := a.funcs[name]; dup {
			return fmt.Errorf("duplicate function %q", name)
		}
		a.fn = &Function{Name: name, Result: result}
		a.localNames = map[string]int{}
		a.labels = map[string]int{}
		for i, p := range params {
			a.fn.Params = append(a.fn.Params, p.t)
			a.fn.Locals = append(a.fn.Locals, p.t)
			if p.name != "" {
				a.localNames[p.name] = i
			}
		}
		a.funcs[name] = a.mod.AddFunction(a.fn)
	case ".local":
		if a.fn == nil || len(args) != 2 {
			return fmt.Errorf(".local wants name and type inside a function")
		}
		t, err := ParseType(args[1])
		if err != nil {
			return err
		}
		if _, dup := a.localNames[args[0]]; dup {
			return fmt.Errorf("duplicate local %q", args[0])
		}
		a.localNames[args[0]] = len(a.fn.Locals)
		a.fn.Locals = append(a.fn.Locals, t)
	case ".file":
		if a.fn == nil || len(args) != 1 {
			return fmt.Errorf(".file wants a path inside a function")
		}
		a.fn.File = args[0]
	case ".line":
		if a.fn == nil || len(args) < 1 {
			return fmt.Errorf(".line wants line [col] inside a function")
		}
		ln, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		col := 0
		if len(args) > 1 {
			if col, err = strconv.Atoi(args[1]); err != nil {
				return err
			}
		}
		a.pendingPos = &LineEntry{Line: ln, Col: col}
	case ".end":
		return a.endFunction()
	case ".entry":
		if len(args) != 1 {
			return fmt.Errorf(".entry wants a function name")
		}
		a.entry = args[0]
	default:
		return fmt.Errorf("unknown directive %s", name)
	}
	return nil
}

func (a *assembler) endFunction() error {
	if a.fn == nil {
		return fmt.Errorf(".end without .func")
	}
	for _, f := range a.labelFix {
		pc, ok := a.labels[f.name]
		if !ok {
			return fmt.Errorf("function %s: undefined label %q (line %d)", a.fn.Name, f.name, f.line)
		}
		a.fn.Code[f.pc].Arg = int64(pc)
	}
	a.fn, a.labelFix, a.pendingPos = nil, nil, nil
	return nil
}

func (a *assembler) finish() error {
	for _, f := range a.callFix {
		idx, ok := a.funcs[f.name]
		if !ok {
			return fmt.Errorf("line %d: undefined function %q", f.line, f.name)
		}
		f.fn.Code[f.pc].Arg = int64(idx)
	}
	if a.entry != "" {
		idx, ok := a.funcs[a.entry]
		if !ok {
			return fmt.Errorf("undefined entry function %q", a.entry)
		}
		a.mod.Entry = idx
	}
	return nil
}

func (a *assembler) instr(name string, args []string) error {
	op, ok := OpcodeByName(name)
	if !ok {
		return fmt.Errorf("unknown opcode %q", name)
	}
	in := Instr{Op: op}
	if op.Has(FlagTyped) {
		if len(args) == 0 {
			return fmt.Errorf("%s wants a result type", name)
		}
		t, err := ParseType(args[len(args)-1])
		if err != nil {
			return err
		}
		in.Type = t
		args = args[:len(args)-1]
	}
	pc := len(a.fn.Code)
	if op.Arg() == ArgNone {
		if len(args) != 0 {
			return fmt.Errorf("%s takes no immediate", name)
		}
	} else {
		if len(args) != 1 {
			return fmt.Errorf("%s wants one immediate", name)
		}
		v, err := a.immediate(op, args[0], pc)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		in.Arg = v
	}
	if a.pendingPos != nil {
		a.pendingPos.PC = pc
		a.fn.Lines = append(a.fn.Lines, *a.pendingPos)
		a.pendingPos = nil
	}
	a.fn.Code = append(a.fn.Code, in)
	return nil
}

func (a *assembler) immediate(op Opcode, arg string, pc int) (int64, error) {
	switch op.Arg() {
	case ArgInt:
		switch arg {
		case "true":
			return 1, nil
		case "false":
			return 0, nil
		}
		return strconv.ParseInt(arg, 0, 64)
	case ArgFloat:
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return 0, err
		}
		if op == OpF32Const {
			f = float64(float32(f))
		}
		return int64(math.Float64bits(f)), nil
	case ArgCount:
		return strconv.ParseInt(arg, 10, 64)
	case ArgLocal:
		if i, ok := a.localNames[arg]; ok {
			return int64(i), nil
		}
		return strconv.ParseInt(arg, 10, 64)
	case ArgGlobal:
		if i, ok := a.mod.GlobalIndex(arg); ok {
			return int64(i), nil
		}
		return strconv.ParseInt(arg, 10, 64)
	case ArgHost:
		for i, imp := range a.mod.Imports {
			if imp.Name == arg {
				return int64(i), nil
			}
		}
		return strconv.ParseInt(arg, 10, 64)
	case ArgString:
		if s, ok := unquoted(arg); ok {
			return int64(a.mod.Intern(s)), nil
		}
		return strconv.ParseInt(arg, 10, 64)
	case ArgTarget:
		if n, err := strconv.ParseInt(arg, 10, 64); err == nil {
			return n, nil
		}
		a.labelFix = append(a.labelFix, fixup{fn: a.fn, pc: pc, name: arg, line: a.line})
		return 0, nil
	case ArgFunc:
		if isIdent(arg) {
			a.callFix = append(a.callFix, fixup{fn: a.fn, pc: pc, name: arg, line: a.line})
			return 0, nil
		}
		return strconv.ParseInt(arg, 10, 64)
	}
	return 0, fmt.Errorf("unexpected immediate %q", arg)
}

type param struct {
	name string
	t    ValType
}

// parseSignature reads `.func name (a i64, b ref) result`.
func parseSignature(raw, directive string) (string, []param, ValType, error) {
	s := strings.TrimSpace(stripComment(raw))
	s = strings.TrimSpace(strings.TrimPrefix(s, directive))
	open := strings.IndexByte(s, '(')
	end := strings.LastIndexByte(s, ')')
	if open < 0 || end < open {
		return "", nil, TypeVoid, fmt.Errorf("%s wants name (params) result", directive)
	}
	name := strings.TrimSpace(s[:open])
	if !isIdent(name) {
		return "", nil, TypeVoid, fmt.Errorf("bad name %q", name)
	}
	var params []param
	for _, p := range strings.Split(s[open+1:end], ",") {
		f := strings.Fields(p)
		switch len(f) {
		case 0:
			continue
		case 1:
			t, err := ParseType(f[0])
			if err != nil {
				return "", nil, TypeVoid, err
			}
			params = append(params, param{t: t})
		case 2:
			t, err := ParseType(f[1])
			if err != nil {
				return "", nil, TypeVoid, err
			}
			params = append(params, param{name: f[0], t: t})
		default:
			return "", nil, TypeVoid, fmt.Errorf("bad parameter %q", p)
		}
	}
	result := TypeVoid
	if rest := strings.TrimSpace(s[end+1:]); rest != "" {
		t, err := ParseType(rest)
		if err != nil {
			return "", nil, TypeVoid, err
		}
		result = t
	}
	return name, params, result, nil
}

func stripComment(s string) string {
	inStr := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inStr {
				i++
			}
		case '"':
			inStr = !inStr
		case ';':
			if !inStr {
				return s[:i]
			}
		}
	}
	return s
}

func tokenize(raw string) ([]string, error) {
	s := stripComment(raw)
	var toks []string
	for i := 0; i < len(s); {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\r' {
			i++
			continue
		}
		if c == '"' {
			j := i + 1
			for j < len(s) && s[j] != '"' {
				if s[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, s[i:j+1])
			i = j + 1
			continue
		}
		j := i
		for j < len(s) && s[j] != ' ' && s[j] != '\t' && s[j] != '\r' {
			j++
		}
		toks = append(toks, s[i:j])
		i = j
	}
	return toks, nil
}

func unquoted(tok string) (string, bool) {
	if len(tok) < 2 || tok[0] != '"' {
		return "", false
	}
	s, err := strconv.Unquote(tok)
	if err != nil {
		return "", false
	}
	return s, true
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && (unicode.IsDigit(r) || r == '.')) {
			continue
		}
		return false
	}
	return true
}
