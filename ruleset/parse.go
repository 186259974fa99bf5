package ruleset

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Parse reads a rule file and builds its statement tree. Lines ending in
// "\" are joined with the following line before any other processing, so
// every later stage sees one logical line per statement.
func Parse(r io.Reader) (*File, error) {
	var rawLines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		rawLines = append(rawLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	lines := joinContinuations(rawLines)

	p := &parser{lines: lines}
	stmts, err := p.parseBlock(false)
	if err != nil {
		return nil, err
	}
	return &File{Stmts: stmts}, nil
}

// joinContinuations merges each line ending in "\" with the line(s) that
// follow it, producing one entry per logical statement line.
func joinContinuations(rawLines []string) []string {
	var lines []string
	for i := 0; i < len(rawLines); i++ {
		line := rawLines[i]
		for strings.HasSuffix(line, "\\") && i+1 < len(rawLines) {
			line = line[:len(line)-1] + rawLines[i+1]
			i++
		}
		lines = append(lines, line)
	}
	return lines
}

// parser walks a pre-joined line list with a single cursor; it never
// re-tokenizes a line once consumed.
type parser struct {
	lines []string
	pos   int
}

func (p *parser) peek() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}
	return p.lines[p.pos], true
}

func (p *parser) next() (string, int, bool) {
	if p.pos >= len(p.lines) {
		return "", 0, false
	}
	line := p.lines[p.pos]
	lineNum := p.pos + 1
	p.pos++
	return line, lineNum, true
}

// parseBlock consumes statements until EOF, or — when inConditional is set —
// until a line closing the enclosing if/elif/else chain is seen.
func (p *parser) parseBlock(inConditional bool) ([]Node, error) {
	var stmts []Node
	for {
		line, ok := p.peek()
		if !ok {
			break
		}
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			p.pos++
			continue
		}

		if inConditional && (trimmed == "end" || trimmed == "else" || strings.HasPrefix(trimmed, "elif ")) {
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			if !inConditional {
				return nil, fmt.Errorf("line %d: unexpected indented line outside a rule", p.pos+1)
			}
			trimmed = strings.TrimSpace(line)
		}

		node, err := p.parseStatement(trimmed)
		if err != nil {
			return nil, err
		}
		if node != nil {
			stmts = append(stmts, node)
		}
	}
	return stmts, nil
}

// parseStatement dispatches a single already-trimmed line to the grammar
// production it matches, consuming the line (and, for block forms, its
// body) from p in the process.
func (p *parser) parseStatement(trimmed string) (Node, error) {
	_, lineNum, _ := p.next()

	if strings.HasPrefix(trimmed, "include ") {
		return parseInclude(trimmed, lineNum)
	}

	if strings.HasPrefix(trimmed, "if ") {
		return p.parseConditional(trimmed, lineNum)
	}

	if strings.HasPrefix(trimmed, "fn ") {
		return p.parseFuncDef(trimmed, lineNum)
	}

	if strings.HasPrefix(trimmed, "config ") && strings.HasSuffix(trimmed, ":") {
		return p.parseConfigDef(trimmed, lineNum)
	}

	if strings.HasPrefix(trimmed, "for ") && strings.HasSuffix(trimmed, ":") {
		return p.parseLoop(trimmed, lineNum)
	}

	if rest, ok := strings.CutPrefix(trimmed, "lazy "); ok {
		if name, value, ok := parseAssign(rest); ok {
			if containsVarRef(value, name) {
				return nil, fmt.Errorf("line %d: recursive definition: %s references itself", lineNum, name)
			}
			return VarAssign{Name: name, Op: OpSet, Value: value, Lazy: true, Line: lineNum}, nil
		}
	}

	if name, value, ok := parseAssign(trimmed); ok {
		if containsVarRef(value, name) {
			return nil, fmt.Errorf("line %d: recursive definition: %s references itself", lineNum, name)
		}
		return VarAssign{Name: name, Op: OpSet, Value: value, Line: lineNum}, nil
	}
	if name, value, ok := parseAppend(trimmed); ok {
		return VarAssign{Name: name, Op: OpAppend, Value: value, Line: lineNum}, nil
	}
	if name, value, ok := parseCondAssign(trimmed); ok {
		return VarAssign{Name: name, Op: OpCondSet, Value: value, Line: lineNum}, nil
	}

	if isTask, keep, fingerprint, neededConfig, targets, prereqs, orderOnly, ok := parseRuleHeader(trimmed); ok {
		recipe := p.parseRecipe()
		return Rule{
			Targets:          targets,
			Prereqs:          prereqs,
			OrderOnlyPrereqs: orderOnly,
			Recipe:           recipe,
			IsTask:           isTask,
			Keep:             keep,
			Fingerprint:      fingerprint,
			NeededConfig:     neededConfig,
			Line:             lineNum,
		}, nil
	}

	return nil, fmt.Errorf("line %d: unrecognized syntax: %s", lineNum, trimmed)
}

// parseFuncDef parses "fn name(param1, param2):" followed by an indented
// body whose only meaningful line is "return <expr>".
func (p *parser) parseFuncDef(line string, lineNum int) (Node, error) {
	rest := strings.TrimPrefix(line, "fn ")

	parenOpen := strings.IndexByte(rest, '(')
	parenClose := strings.IndexByte(rest, ')')
	if parenOpen < 0 || parenClose < 0 || parenClose < parenOpen {
		return nil, fmt.Errorf("line %d: invalid function definition: %s", lineNum, line)
	}

	name := strings.TrimSpace(rest[:parenOpen])
	var params []string
	for _, param := range strings.Split(rest[parenOpen+1:parenClose], ",") {
		if param = strings.TrimSpace(param); param != "" {
			params = append(params, param)
		}
	}

	var body string
	for {
		bodyLine, ok := p.peek()
		if !ok {
			break
		}
		if bodyLine == "" {
			p.pos++
			continue
		}
		if bodyLine[0] != ' ' && bodyLine[0] != '\t' {
			break
		}
		p.pos++
		if after, ok := strings.CutPrefix(strings.TrimSpace(bodyLine), "return "); ok {
			body = strings.TrimSpace(after)
		}
	}

	if body == "" {
		return nil, fmt.Errorf("line %d: function %q has no return statement", lineNum, name)
	}

	return FuncDef{Name: name, Params: params, Body: body, Line: lineNum}, nil
}

// parseConfigDef parses "config name:" followed by an indented body of
// excludes/requires declarations and variable overrides.
func (p *parser) parseConfigDef(line string, lineNum int) (Node, error) {
	name := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, "config "), ":"))
	if name == "" {
		return nil, fmt.Errorf("line %d: config requires a name", lineNum)
	}

	cfg := ConfigDef{Name: name, Line: lineNum}

	for {
		bodyLine, ok := p.peek()
		if !ok {
			break
		}
		if bodyLine == "" {
			p.pos++
			continue
		}
		if bodyLine[0] != ' ' && bodyLine[0] != '\t' {
			break
		}
		p.pos++
		trimmed := strings.TrimSpace(bodyLine)
		if trimmed == "" {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "excludes "):
			cfg.Excludes = append(cfg.Excludes, strings.Fields(strings.TrimPrefix(trimmed, "excludes "))...)
		case strings.HasPrefix(trimmed, "requires "):
			cfg.Requires = append(cfg.Requires, strings.Fields(strings.TrimPrefix(trimmed, "requires "))...)
		default:
			if vname, value, ok := parseAssign(trimmed); ok {
				cfg.Vars = append(cfg.Vars, VarAssign{Name: vname, Op: OpSet, Value: value})
			} else if vname, value, ok := parseAppend(trimmed); ok {
				cfg.Vars = append(cfg.Vars, VarAssign{Name: vname, Op: OpAppend, Value: value})
			} else if vname, value, ok := parseCondAssign(trimmed); ok {
				cfg.Vars = append(cfg.Vars, VarAssign{Name: vname, Op: OpCondSet, Value: value})
			} else {
				return nil, fmt.Errorf("line %d: unrecognized config property: %s", p.pos, trimmed)
			}
		}
	}

	return cfg, nil
}

// parseLoop parses "for var in list:" ... "end".
func (p *parser) parseLoop(line string, lineNum int) (Node, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(line, "for "), ":")
	varName, listExpr, ok := strings.Cut(inner, " in ")
	if !ok {
		return nil, fmt.Errorf("line %d: invalid for loop syntax: %s", lineNum, line)
	}
	varName = strings.TrimSpace(varName)
	listExpr = strings.TrimSpace(listExpr)
	if varName == "" || listExpr == "" {
		return nil, fmt.Errorf("line %d: for loop requires variable and list: %s", lineNum, line)
	}

	body, err := p.parseBlock(true)
	if err != nil {
		return nil, err
	}

	termLine, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("line %d: unexpected end of file in for loop", lineNum)
	}
	if strings.TrimSpace(termLine) != "end" {
		return nil, fmt.Errorf("line %d: expected 'end' to close for loop, got: %s", p.pos+1, strings.TrimSpace(termLine))
	}
	p.pos++

	return Loop{Var: varName, List: listExpr, Body: body, Line: lineNum}, nil
}

// parseRecipe collects the indented shell lines following a rule header,
// stripping whatever leading whitespace the first recipe line established
// as the base indent.
func (p *parser) parseRecipe() []string {
	var lines []string
	indent := ""
	for {
		line, ok := p.peek()
		if !ok {
			break
		}
		if line == "" {
			p.pos++
			continue
		}
		if line[0] != ' ' && line[0] != '\t' {
			break
		}
		p.pos++
		if indent == "" {
			indent = line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		}
		lines = append(lines, strings.TrimPrefix(line, indent))
	}
	return lines
}

// parseConditional parses an if/elif/else chain, reading each branch's body
// as a nested block and stopping at the terminating "end".
func (p *parser) parseConditional(line string, lineNum int) (Node, error) {
	cond := Conditional{Line: lineNum}
	branch, err := parseCondExpr(line)
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", lineNum, err)
	}

	for {
		body, err := p.parseBlock(true)
		if err != nil {
			return nil, err
		}
		branch.Body = body
		cond.Branches = append(cond.Branches, branch)

		termLine, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("line %d: unexpected end of file in conditional", lineNum)
		}
		termTrimmed := strings.TrimSpace(termLine)
		p.pos++

		if termTrimmed == "end" {
			break
		}

		branch, err = parseCondExpr(termTrimmed)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", p.pos, err)
		}
	}

	return cond, nil
}

// splitOnOperator locates the first occurrence of op in line and splits it
// into a variable name and the value that follows, rejecting any split
// whose name-side looks like a rule header target list (contains ':').
func splitOnOperator(line, op string) (name, value string, ok bool) {
	idx := strings.Index(line, op)
	if idx < 0 {
		return "", "", false
	}
	prefix := line[:idx]
	if strings.ContainsRune(prefix, ':') {
		return "", "", false
	}
	name = strings.TrimSpace(prefix)
	value = strings.TrimSpace(line[idx+len(op):])
	if !isValidVarName(name) {
		return "", "", false
	}
	return name, value, true
}

// parseAssign matches "name = value", rejecting "+=" and "?=" (and a bare
// "!=" inside a value) so those operators get routed to their own parsers.
func parseAssign(line string) (string, string, bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == '=' && (i == 0 || (line[i-1] != '+' && line[i-1] != '!' && line[i-1] != '?')) {
			prefix := line[:i]
			if strings.ContainsRune(prefix, ':') {
				return "", "", false
			}
			name := strings.TrimSpace(prefix)
			value := strings.TrimSpace(line[i+1:])
			if isValidVarName(name) {
				return name, value, true
			}
			return "", "", false
		}
	}
	return "", "", false
}

func parseCondAssign(line string) (string, string, bool) {
	return splitOnOperator(line, "?=")
}

func parseAppend(line string) (string, string, bool) {
	return splitOnOperator(line, "+=")
}

// parseRuleHeader recognizes "target...: prereq... | order-only..." rule
// headers, including the leading "!" task marker and the bracketed
// "[fingerprint: ...]", "[config: ...]", and "[keep]" annotations, which may
// appear in any order within the target list.
func parseRuleHeader(line string) (isTask, keep bool, fingerprint string, neededConfig, targets, prereqs, orderOnlyPrereqs []string, ok bool) {
	if strings.HasPrefix(line, "!") {
		isTask = true
		line = line[1:]
	}

	colonIdx := findRuleColon(line)
	if colonIdx < 0 {
		return false, false, "", nil, nil, nil, nil, false
	}

	targetStr := strings.TrimSpace(line[:colonIdx])
	prereqStr := strings.TrimSpace(line[colonIdx+1:])
	if targetStr == "" {
		return false, false, "", nil, nil, nil, nil, false
	}

	fingerprint, targetStr = extractBracketValue(targetStr, "[fingerprint:")

	var rawConfig string
	rawConfig, targetStr = extractBracketValue(targetStr, "[config:")
	for _, key := range strings.Split(rawConfig, ",") {
		if key = strings.TrimSpace(key); key != "" {
			neededConfig = append(neededConfig, key)
		}
	}

	if idx := strings.Index(targetStr, "[keep]"); idx >= 0 {
		keep = true
		targetStr = strings.TrimSpace(targetStr[:idx] + targetStr[idx+len("[keep]"):])
	}

	targets = strings.Fields(targetStr)

	normalStr, orderOnlyStr, _ := strings.Cut(prereqStr, "|")
	if s := strings.TrimSpace(normalStr); s != "" {
		prereqs = strings.Fields(s)
	}
	if s := strings.TrimSpace(orderOnlyStr); s != "" {
		orderOnlyPrereqs = strings.Fields(s)
	}

	return isTask, keep, fingerprint, neededConfig, targets, prereqs, orderOnlyPrereqs, true
}

// findRuleColon returns the index of the ':' that separates a rule's
// targets from its prerequisites, skipping any ':' nested inside
// "[...]" annotations.
func findRuleColon(line string) int {
	depth := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ':':
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// extractBracketValue removes the first "tag...]" annotation (tag includes
// the opening "[" and trailing ":") from s and returns its trimmed contents
// alongside s with the annotation excised. Returns ("", s) untouched if tag
// isn't present or is never closed.
func extractBracketValue(s, tag string) (value, rest string) {
	idx := strings.Index(s, tag)
	if idx < 0 {
		return "", s
	}
	end := strings.Index(s[idx:], "]")
	if end < 0 {
		return "", s
	}
	value = strings.TrimSpace(s[idx+len(tag) : idx+end])
	rest = strings.TrimSpace(s[:idx] + s[idx+end+1:])
	return value, rest
}

func parseInclude(line string, lineNum int) (Node, error) {
	rest := strings.TrimPrefix(line, "include ")
	parts := strings.Fields(rest)
	if len(parts) == 0 {
		return nil, fmt.Errorf("line %d: include requires a path", lineNum)
	}

	inc := Include{Path: parts[0], Line: lineNum}
	if len(parts) >= 3 && parts[1] == "as" {
		inc.Alias = parts[2]
	}
	return inc, nil
}

func parseCondExpr(line string) (CondBranch, error) {
	if line == "else" {
		return CondBranch{Op: "else"}, nil
	}

	var rest, op string
	if after, ok := strings.CutPrefix(line, "if "); ok {
		rest, op = after, "if"
	} else if after, ok := strings.CutPrefix(line, "elif "); ok {
		rest, op = after, "elif"
	} else {
		return CondBranch{}, fmt.Errorf("expected if/elif/else, got: %s", line)
	}

	if parts := strings.SplitN(rest, " == ", 2); len(parts) == 2 {
		return CondBranch{Op: op, Left: strings.TrimSpace(parts[0]), Cmp: "==", Right: strings.TrimSpace(parts[1])}, nil
	}
	if parts := strings.SplitN(rest, " != ", 2); len(parts) == 2 {
		return CondBranch{Op: op, Left: strings.TrimSpace(parts[0]), Cmp: "!=", Right: strings.TrimSpace(parts[1])}, nil
	}

	return CondBranch{}, fmt.Errorf("expected comparison (== or !=), got: %s", rest)
}

func isValidVarName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		if i == 0 {
			if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_') {
				return false
			}
		} else if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '$' || c == '{' || c == '}') {
			return false
		}
	}
	return true
}

// containsVarRef reports whether value references name via "$name" (followed
// by a non-identifier character or end of string) or "${name}".
func containsVarRef(value, name string) bool {
	for i := 0; i < len(value); i++ {
		if value[i] != '$' {
			continue
		}
		i++
		if i >= len(value) {
			break
		}
		switch {
		case value[i] == '{':
			end := strings.IndexByte(value[i:], '}')
			if end >= 0 && value[i+1:i+end] == name {
				return true
			}
		case isIdentStart(value[i]):
			start := i
			for i < len(value) && isIdentCont(value[i]) {
				i++
			}
			if value[start:i] == name {
				return true
			}
			i--
		}
	}
	return false
}
