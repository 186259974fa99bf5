// This file is the frontend/core boundary: it turns the statements parsed
// from a rule file (ast.go, parse.go, vars.go, pattern.go) into the core's
// data model (package target), instead of driving an imperative builder
// directly. Everything below stops at handing the core a fully resolved
// []*target.Rule and target.Configuration; rule declaration and variable or
// pattern resolution never leak past this package.
package ruleset

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/marcelocantos/forge/target"
)

// explicitRule is one fully-expanded, non-pattern rule awaiting conversion
// into a target.Rule. Pattern rules are expanded against concrete target
// names by Build before reaching this stage — the core never sees a
// pattern.
type explicitRule struct {
	outputs         []string
	inputs          []string
	orderOnlyInputs []string
	recipe          []string
	fingerprint     string // non-empty: virtual target, fingerprinted by command output
	neededConfig    []string
	keepOnFailure   bool
	isTask          bool // ! prefix: virtual target with no dedicated fingerprint command
}

type patternRuleDecl struct {
	outputPatterns    []Pattern
	inputPatterns     []Pattern
	orderOnlyPatterns []Pattern
	recipe            []string
	fingerprint       string
	neededConfig      []string
	keepOnFailure     bool
	isTask            bool
}

// VirtualSpec describes how to fingerprint a virtual (non-file) target: the
// probe command to run and how to invoke it. Command is empty for plain
// tasks (the `!` prefix with no [fingerprint: ...] annotation), which means
// "not observable" — such targets rebuild on every run.
type VirtualSpec struct {
	Command   string
	ShellMode bool
}

// VirtualTargets reports every output target declared virtual, either via
// the `!` task prefix or a [fingerprint: command] annotation, along with
// the command that observes its state. Call after Build so pattern rule
// instantiation has already populated b.explicit.
func (b *Builder) VirtualTargets() map[string]VirtualSpec {
	out := make(map[string]VirtualSpec)
	for _, r := range b.explicit {
		if !r.isTask && r.fingerprint == "" {
			continue
		}
		for _, o := range r.outputs {
			out[o] = VirtualSpec{Command: r.fingerprint, ShellMode: b.shellMode}
		}
	}
	return out
}

// Builder accumulates statements evaluated from one or more parsed files and
// turns them into the core's rule set, resolving variables, configuration
// profiles and pattern rules along the way.
type Builder struct {
	vars     *Environment
	explicit []explicitRule
	patterns []patternRuleDecl
	configs  map[string]*ConfigDef
	active   []string

	shellMode bool // when true, recipes run via "sh -c"; otherwise argv-split
}

// NewBuilder returns a Builder seeded with vars (typically
// ruleset.NewEnvironment(), which imports the process environment) and the
// configuration profile names requested for this invocation (may be nil).
func NewBuilder(vars *Environment, activeConfigs []string) *Builder {
	return &Builder{vars: vars, configs: make(map[string]*ConfigDef), active: activeConfigs, shellMode: true}
}

// SetShellMode selects whether recipes run as "sh -c <recipe>" (true,
// default) or are split into argv and exec'd directly (false).
func (b *Builder) SetShellMode(shell bool) { b.shellMode = shell }

// AddFile evaluates every statement in f, accumulating rules and variable
// state. Multiple calls compose additively; Include statements are rejected
// rather than followed, since this frontend resolves one already-gathered
// set of statements and never walks the filesystem itself.
func (b *Builder) AddFile(f *File) error {
	return b.evaluate(f.Stmts)
}

func (b *Builder) evaluate(stmts []Node) error {
	for _, stmt := range stmts {
		if err := b.evalNode(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) evalNode(node Node) error {
	switch n := node.(type) {
	case VarAssign:
		name := b.vars.Expand(n.Name)
		value := n.Value
		if !n.Lazy {
			value = b.vars.Expand(value)
		}
		switch n.Op {
		case OpSet:
			if n.Lazy {
				b.vars.SetLazy(name, n.Value)
			} else {
				b.vars.Set(name, value)
			}
		case OpAppend:
			b.vars.Append(name, b.vars.Expand(n.Value))
		case OpCondSet:
			if b.vars.Get(name) == "" {
				b.vars.Set(name, value)
			}
		}
		return nil

	case Rule:
		return b.addRule(n)

	case Conditional:
		return b.evalConditional(n)

	case FuncDef:
		b.vars.SetFunc(&n)
		return nil

	case ConfigDef:
		b.configs[n.Name] = &n
		return nil

	case Loop:
		return b.evalLoop(n)

	case Include:
		// Rule declaration/parsing — including file composition — is out
		// of the core's scope; this frontend only resolves what a single
		// already-gathered set of statements describes.
		return fmt.Errorf("ruleset: include directives are not supported by this frontend (path %q)", n.Path)
	}
	return nil
}

func (b *Builder) evalLoop(loop Loop) error {
	items := strings.Fields(b.vars.Expand(loop.List))
	for _, item := range items {
		b.vars.Set(loop.Var, item)
		if err := b.evaluate(loop.Body); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) evalConditional(c Conditional) error {
	for _, branch := range c.Branches {
		if branch.Op == "else" {
			return b.evaluate(branch.Body)
		}
		left := b.vars.Expand(branch.Left)
		right := b.vars.Expand(branch.Right)
		match := false
		switch branch.Cmp {
		case "==":
			match = left == right
		case "!=":
			match = left != right
		}
		if match {
			return b.evaluate(branch.Body)
		}
	}
	return nil
}

func (b *Builder) addRule(r Rule) error {
	var outputs []string
	for _, t := range r.Targets {
		outputs = append(outputs, b.vars.Expand(t))
	}
	var inputs []string
	for _, p := range r.Prereqs {
		inputs = append(inputs, strings.Fields(b.vars.Expand(p))...)
	}
	var orderOnly []string
	for _, p := range r.OrderOnlyPrereqs {
		orderOnly = append(orderOnly, strings.Fields(b.vars.Expand(p))...)
	}

	isPattern := false
	for _, t := range outputs {
		if _, ok, _ := ParsePattern(t); ok {
			isPattern = true
			break
		}
	}

	if isPattern {
		pr := patternRuleDecl{recipe: r.Recipe, fingerprint: r.Fingerprint, neededConfig: r.NeededConfig, keepOnFailure: r.Keep, isTask: r.IsTask}
		for _, t := range outputs {
			p, _, err := ParsePattern(t)
			if err != nil {
				return err
			}
			pr.outputPatterns = append(pr.outputPatterns, p)
		}
		for _, p := range inputs {
			pat, _, err := ParsePattern(p)
			if err != nil {
				return err
			}
			pr.inputPatterns = append(pr.inputPatterns, pat)
		}
		for _, p := range orderOnly {
			pat, _, err := ParsePattern(p)
			if err != nil {
				return err
			}
			pr.orderOnlyPatterns = append(pr.orderOnlyPatterns, pat)
		}
		b.patterns = append(b.patterns, pr)
		return nil
	}

	b.explicit = append(b.explicit, explicitRule{
		outputs:         outputs,
		inputs:          inputs,
		orderOnlyInputs: orderOnly,
		recipe:          r.Recipe,
		fingerprint:     r.Fingerprint,
		neededConfig:    r.NeededConfig,
		keepOnFailure:   r.Keep,
		isTask:          r.IsTask,
	})
	return nil
}

// expandPatternsAgainstInputs instantiates every pattern rule whose output
// pattern matches one of the concrete names already referenced as an input
// somewhere (by an explicit rule, or transitively by another pattern's
// expansion), breadth-first from seeds. This runs eagerly, up front, since
// the core consumes a fully materialised rule set rather than resolving
// targets lazily during a build.
func (b *Builder) expandPatternsAgainstInputs(seeds []string) {
	seen := make(map[string]bool)
	queue := append([]string(nil), seeds...)

	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		if seen[t] {
			continue
		}
		seen[t] = true

		for _, pr := range b.patterns {
			for _, op := range pr.outputPatterns {
				captures, ok := op.Match(t)
				if !ok {
					continue
				}
				rule := instantiatePattern(pr, captures)
				b.explicit = append(b.explicit, rule)
				queue = append(queue, rule.inputs...)
				queue = append(queue, rule.orderOnlyInputs...)
			}
		}
	}
}

func instantiatePattern(pr patternRuleDecl, captures map[string]string) explicitRule {
	expand := func(pats []Pattern) []string {
		out := make([]string, len(pats))
		for i, p := range pats {
			out[i] = p.Expand(captures)
		}
		return out
	}
	substitute := func(s string) string {
		for k, v := range captures {
			s = strings.ReplaceAll(s, "{"+k+"}", v)
		}
		return s
	}
	var recipe []string
	for _, line := range pr.recipe {
		recipe = append(recipe, substitute(line))
	}
	return explicitRule{
		outputs:         expand(pr.outputPatterns),
		inputs:          expand(pr.inputPatterns),
		orderOnlyInputs: expand(pr.orderOnlyPatterns),
		recipe:          recipe,
		fingerprint:     substitute(pr.fingerprint),
		neededConfig:    pr.neededConfig,
		keepOnFailure:   pr.keepOnFailure,
		isTask:          pr.isTask,
	}
}

// Build applies any active configuration profiles, expands pattern rules
// reachable from rootTargets, and returns the resulting rule set plus the
// configuration those rules may read. rootTargets seeds the reachability
// walk used to instantiate pattern rules — a pattern rule unreached from any
// explicit input never materialises.
func (b *Builder) Build(rootTargets []string) ([]*target.Rule, target.Configuration, error) {
	cfg, err := b.applyConfigs()
	if err != nil {
		return nil, nil, err
	}

	seeds := append([]string(nil), rootTargets...)
	for _, r := range b.explicit {
		seeds = append(seeds, r.inputs...)
		seeds = append(seeds, r.orderOnlyInputs...)
	}
	b.expandPatternsAgainstInputs(seeds)

	rules := make([]*target.Rule, 0, len(b.explicit))
	for i := range b.explicit {
		rule, err := b.toTargetRule(&b.explicit[i])
		if err != nil {
			return nil, nil, err
		}
		rules = append(rules, rule)
	}
	return rules, cfg, nil
}

func (b *Builder) applyConfigs() (target.Configuration, error) {
	for _, name := range b.active {
		if _, ok := b.configs[name]; !ok {
			return nil, fmt.Errorf("ruleset: unknown config %q", name)
		}
	}
	for _, name := range b.active {
		cfg := b.configs[name]
		for _, exc := range cfg.Excludes {
			for _, other := range b.active {
				if exc == other {
					return nil, fmt.Errorf("ruleset: config %q excludes %q; cannot use both", name, other)
				}
			}
		}
	}

	values := make(map[string]target.ConfigValue)
	for _, name := range b.active {
		cfg := b.configs[name]
		for _, va := range cfg.Vars {
			value := b.vars.Expand(va.Value)
			switch va.Op {
			case OpSet:
				b.vars.Set(va.Name, value)
				values[va.Name] = target.String(value)
			case OpAppend:
				b.vars.Append(va.Name, value)
				values[va.Name] = target.String(b.vars.Get(va.Name))
			case OpCondSet:
				if b.vars.Get(va.Name) == "" {
					b.vars.Set(va.Name, value)
				}
				values[va.Name] = target.String(b.vars.Get(va.Name))
			}
		}
	}
	values["active_configs"] = target.String(strings.Join(b.active, "+"))
	return target.Configuration(values), nil
}

// toTargetRule converts one fully-expanded rule declaration into a
// target.Rule whose Run callback expands $target/$inputs/$input in a scoped
// copy of the current variables, then executes the recipe as a shell
// command or direct argv exec.
func (b *Builder) toTargetRule(r *explicitRule) (*target.Rule, error) {
	if len(r.outputs) == 0 {
		return nil, fmt.Errorf("ruleset: rule with no outputs (inputs=%v)", r.inputs)
	}

	outputs := make([]target.ID, len(r.outputs))
	for i, o := range r.outputs {
		outputs[i] = target.NewID(o)
	}
	inputs := make([]target.ID, 0, len(r.inputs)+len(r.orderOnlyInputs))
	for _, in := range r.inputs {
		inputs = append(inputs, target.NewID(in))
	}
	for _, in := range r.orderOnlyInputs {
		inputs = append(inputs, target.NewID(in))
	}

	ruleID := strings.Join(r.outputs, "+")
	recipeText := r.recipe
	inputsSnapshot := append([]string(nil), r.inputs...)
	outputsSnapshot := append([]string(nil), r.outputs...)
	shellMode := b.shellMode
	vars := b.vars

	run := func(_ []target.Cooked, _ []target.Cooked, _ target.Configuration) error {
		if len(recipeText) == 0 {
			return nil // prerequisite-only rule: nothing to execute
		}
		scoped := vars.Clone()
		scoped.Set("target", outputsSnapshot[0])
		if len(inputsSnapshot) > 0 {
			scoped.Set("input", inputsSnapshot[0])
		}
		scoped.Set("inputs", strings.Join(inputsSnapshot, " "))

		for _, o := range outputsSnapshot {
			if dir := filepath.Dir(o); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("recipe for %q: creating output directory %q: %w", ruleID, dir, err)
				}
			}
		}

		var lines []string
		for _, line := range recipeText {
			lines = append(lines, scoped.Expand(line))
		}
		script := strings.Join(lines, "\n")

		var cmd *exec.Cmd
		if shellMode {
			cmd = exec.Command("sh", "-c", "set -e\n"+script)
		} else {
			args := strings.Fields(script)
			if len(args) == 0 {
				return nil
			}
			cmd = exec.Command(args[0], args[1:]...)
		}
		cmd.Env = scoped.Environ()
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("recipe for %q: %w\n%s", ruleID, err, out)
		}
		return nil
	}

	return &target.Rule{
		ID:           ruleID,
		Inputs:       inputs,
		Outputs:      outputs,
		NeededConfig: neededConfigKeys(r),
		Run:          run,
	}, nil
}

// neededConfigKeys reports which configuration keys feed this rule's run
// fingerprint, as declared by a [config: key1,key2] annotation on the rule
// header. A rule with no such annotation reads no configuration.
func neededConfigKeys(r *explicitRule) []string {
	return r.neededConfig
}
