package engine

import (
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marcelocantos/forge/forgeerr"
	"github.com/marcelocantos/forge/handler"
	"github.com/marcelocantos/forge/resolver"
	"github.com/marcelocantos/forge/store/memstore"
	"github.com/marcelocantos/forge/target"
)

// fakeFS is a single handler standing in for every on-disk target in these
// tests: an in-memory map from target name to content, fingerprinted by
// sha256, with a present-vs-absent distinction matching a real file's
// existence.
type fakeFS struct {
	mu      sync.Mutex
	content map[string][]byte
}

func newFakeFS() *fakeFS {
	return &fakeFS{content: make(map[string][]byte)}
}

type fakeCooked struct{ id target.ID }

func (f *fakeFS) OnDisk() bool { return true }

func (f *fakeFS) Cook(id target.ID, _ target.Fingerprint) (target.Cooked, error) {
	return fakeCooked{id: id}, nil
}

func (f *fakeFS) NeedRebuild(cooked target.Cooked, previous target.Fingerprint) (bool, error) {
	fp, err := f.ComputeFingerprint(cooked)
	if err != nil {
		return false, err
	}
	if !fp.Present() {
		return true, nil
	}
	return !fp.Equal(previous), nil
}

func (f *fakeFS) ComputeFingerprint(cooked target.Cooked) (target.Fingerprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.content[cooked.(fakeCooked).id.String()]
	if !ok {
		return nil, nil
	}
	sum := sha256.Sum256(data)
	return target.Fingerprint(sum[:]), nil
}

func (f *fakeFS) Clean(cooked target.Cooked) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.content, cooked.(fakeCooked).id.String())
	return nil
}

func (f *fakeFS) write(id string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[id] = data
}

func (f *fakeFS) read(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content[id]
}

func (f *fakeFS) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.content[id]
	return ok
}

func newExecutor(fs *fakeFS, rules []*target.Rule) (*Executor, error) {
	res, err := resolver.New(rules)
	if err != nil {
		return nil, err
	}
	reg := handler.NewRegistry()
	reg.Register(func(target.ID) bool { return true }, fs)
	return New(res, reg, memstore.New(), target.Configuration{}, nil), nil
}

// copyRule produces out := copy-transform(in), counting how many times it
// actually ran.
func copyRule(id, out, in string, runs *int) *target.Rule {
	return &target.Rule{
		ID:      id,
		Outputs: []target.ID{target.NewID(out)},
		Inputs:  []target.ID{target.NewID(in)},
		Run: func(outputs []target.Cooked, inputs []target.Cooked, _ target.Configuration) error {
			*runs++
			return nil
		},
	}
}

func TestRunRebuildsOnFirstInvocation(t *testing.T) {
	fs := newFakeFS()
	fs.write("in.txt", []byte("v1"))
	var runs int

	ex, err := newExecutor(fs, []*target.Rule{copyRule("r", "out.txt", "in.txt", &runs)})
	require.NoError(t, err)

	// rule.Run doesn't actually write "out.txt" in this fixture, so its
	// fingerprint stays absent and it is expected to rebuild every time —
	// this exercises the "no observable fingerprint after a successful run"
	// path instead. For a true I1 "stable" scenario we write the output.
	changed, err := ex.Run(target.NewID("out.txt"))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, runs)
}

func TestRunSkipsUnchangedInputsAndOutputs(t *testing.T) {
	fs := newFakeFS()
	fs.write("in.txt", []byte("v1"))
	var runs int

	rule := &target.Rule{
		ID:      "r",
		Outputs: []target.ID{target.NewID("out.txt")},
		Inputs:  []target.ID{target.NewID("in.txt")},
		Run: func(outputs []target.Cooked, inputs []target.Cooked, _ target.Configuration) error {
			runs++
			fs.write("out.txt", fs.read("in.txt"))
			return nil
		},
	}
	ex, err := newExecutor(fs, []*target.Rule{rule})
	require.NoError(t, err)

	changed, err := ex.Run(target.NewID("out.txt"))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, runs)

	// second run, nothing changed: must not re-invoke Run (I1).
	changed, err = ex.Run(target.NewID("out.txt"))
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, runs)

	// change the input: must rebuild (I2).
	fs.write("in.txt", []byte("v2"))
	changed, err = ex.Run(target.NewID("out.txt"))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, runs)
}

func TestRunPropagatesThroughDependencyChain(t *testing.T) {
	fs := newFakeFS()
	fs.write("a", []byte("1"))
	var runsB, runsC int

	ruleB := &target.Rule{
		ID: "b", Outputs: []target.ID{target.NewID("b")}, Inputs: []target.ID{target.NewID("a")},
		Run: func(o, i []target.Cooked, _ target.Configuration) error {
			runsB++
			fs.write("b", fs.read("a"))
			return nil
		},
	}
	ruleC := &target.Rule{
		ID: "c", Outputs: []target.ID{target.NewID("c")}, Inputs: []target.ID{target.NewID("b")},
		Run: func(o, i []target.Cooked, _ target.Configuration) error {
			runsC++
			fs.write("c", fs.read("b"))
			return nil
		},
	}
	ex, err := newExecutor(fs, []*target.Rule{ruleB, ruleC})
	require.NoError(t, err)

	changed, err := ex.Run(target.NewID("c"))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, runsB)
	require.Equal(t, 1, runsC)

	// stable: nothing should rebuild.
	changed, err = ex.Run(target.NewID("c"))
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, runsB)
	require.Equal(t, 1, runsC)

	// changing the root must propagate through both rules.
	fs.write("a", []byte("2"))
	changed, err = ex.Run(target.NewID("c"))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, runsB)
	require.Equal(t, 2, runsC)
}

func TestDiamondDependencySharedInputCookedOnce(t *testing.T) {
	fs := newFakeFS()
	fs.write("base", []byte("x"))
	var cookCount int

	countingFS := &countingHandler{fakeFS: fs, cookCount: &cookCount}

	left := &target.Rule{
		ID: "left", Outputs: []target.ID{target.NewID("left")}, Inputs: []target.ID{target.NewID("base")},
		Run: func(o, i []target.Cooked, _ target.Configuration) error { fs.write("left", fs.read("base")); return nil },
	}
	right := &target.Rule{
		ID: "right", Outputs: []target.ID{target.NewID("right")}, Inputs: []target.ID{target.NewID("base")},
		Run: func(o, i []target.Cooked, _ target.Configuration) error { fs.write("right", fs.read("base")); return nil },
	}
	top := &target.Rule{
		ID: "top", Outputs: []target.ID{target.NewID("top")}, Inputs: []target.ID{target.NewID("left"), target.NewID("right")},
		Run: func(o, i []target.Cooked, _ target.Configuration) error { fs.write("top", []byte("done")); return nil },
	}

	res, err := resolver.New([]*target.Rule{left, right, top})
	require.NoError(t, err)
	reg := handler.NewRegistry()
	reg.Register(func(target.ID) bool { return true }, countingFS)
	ex := New(res, reg, memstore.New(), target.Configuration{}, nil)

	changed, err := ex.Run(target.NewID("top"))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, cookCount, "base must be cooked once per invocation even though two rules depend on it")
}

type countingHandler struct {
	*fakeFS
	cookCount *int
}

func (c *countingHandler) Cook(id target.ID, prev target.Fingerprint) (target.Cooked, error) {
	if id.String() == "base" {
		*c.cookCount++
	}
	return c.fakeFS.Cook(id, prev)
}

func TestCycleDetectionReturnsConsistencyError(t *testing.T) {
	fs := newFakeFS()
	ruleA := &target.Rule{ID: "a", Outputs: []target.ID{target.NewID("a")}, Inputs: []target.ID{target.NewID("b")}, Run: noop}
	ruleB := &target.Rule{ID: "b", Outputs: []target.ID{target.NewID("b")}, Inputs: []target.ID{target.NewID("a")}, Run: noop}

	ex, err := newExecutor(fs, []*target.Rule{ruleA, ruleB})
	require.NoError(t, err)

	_, err = ex.Run(target.NewID("a"))
	require.Error(t, err)
	var ce *forgeerr.ConsistencyError
	require.ErrorAs(t, err, &ce)
}

func noop(outputs, inputs []target.Cooked, cfg target.Configuration) error { return nil }

func TestUnknownTargetWhenInputHasNoOwnerOrHandler(t *testing.T) {
	res, err := resolver.New([]*target.Rule{{
		ID: "r", Outputs: []target.ID{target.NewID("out")}, Inputs: []target.ID{target.NewID("virtual-in")}, Run: noop,
	}})
	require.NoError(t, err)

	reg := handler.NewRegistry() // no handler registered at all
	ex := New(res, reg, memstore.New(), target.Configuration{}, nil)

	_, err = ex.Run(target.NewID("out"))
	require.Error(t, err)
	var ut *forgeerr.UnknownTarget
	require.ErrorAs(t, err, &ut)
}

func TestRunUnknownTopLevelTarget(t *testing.T) {
	ex, err := newExecutor(newFakeFS(), nil)
	require.NoError(t, err)
	_, err = ex.Run(target.NewID("nope"))
	require.Error(t, err)
	var ut *forgeerr.UnknownTarget
	require.ErrorAs(t, err, &ut)
}

func TestCleanRemovesOutputsButNotUnownedInputs(t *testing.T) {
	fs := newFakeFS()
	fs.write("in.txt", []byte("v1"))
	rule := &target.Rule{
		ID: "r", Outputs: []target.ID{target.NewID("out.txt")}, Inputs: []target.ID{target.NewID("in.txt")},
		Run: func(o, i []target.Cooked, _ target.Configuration) error {
			fs.write("out.txt", fs.read("in.txt"))
			return nil
		},
	}
	ex, err := newExecutor(fs, []*target.Rule{rule})
	require.NoError(t, err)

	_, err = ex.Run(target.NewID("out.txt"))
	require.NoError(t, err)
	require.True(t, fs.has("out.txt"))

	require.NoError(t, ex.Clean(target.NewID("out.txt")))
	require.False(t, fs.has("out.txt"))
	require.True(t, fs.has("in.txt"), "clean must never remove an on-disk prerequisite with no owning rule")
}

func TestCleanRecursesIntoOwnedInputsOnce(t *testing.T) {
	fs := newFakeFS()
	fs.write("base", []byte("x"))
	ruleB := &target.Rule{ID: "b", Outputs: []target.ID{target.NewID("b")}, Inputs: []target.ID{target.NewID("base")},
		Run: func(o, i []target.Cooked, _ target.Configuration) error { fs.write("b", []byte("b")); return nil }}
	ruleC := &target.Rule{ID: "c", Outputs: []target.ID{target.NewID("c")}, Inputs: []target.ID{target.NewID("b")},
		Run: func(o, i []target.Cooked, _ target.Configuration) error { fs.write("c", []byte("c")); return nil }}

	ex, err := newExecutor(fs, []*target.Rule{ruleB, ruleC})
	require.NoError(t, err)
	_, err = ex.Run(target.NewID("c"))
	require.NoError(t, err)

	require.NoError(t, ex.Clean(target.NewID("c")))
	require.False(t, fs.has("b"))
	require.False(t, fs.has("c"))
	require.True(t, fs.has("base"))
}

func TestWhyDoesNotMutateStoreOrRunRules(t *testing.T) {
	fs := newFakeFS()
	fs.write("in.txt", []byte("v1"))
	var runs int
	rule := &target.Rule{
		ID: "r", Outputs: []target.ID{target.NewID("out.txt")}, Inputs: []target.ID{target.NewID("in.txt")},
		Run: func(o, i []target.Cooked, _ target.Configuration) error {
			runs++
			fs.write("out.txt", fs.read("in.txt"))
			return nil
		},
	}
	ex, err := newExecutor(fs, []*target.Rule{rule})
	require.NoError(t, err)

	rebuild, reasons, err := ex.Why(target.NewID("out.txt"))
	require.NoError(t, err)
	require.True(t, rebuild)
	require.NotEmpty(t, reasons)
	require.Equal(t, 0, runs, "Why must never invoke a rule's Run")

	// Why must be idempotent and side-effect free: calling it again gives
	// the same verdict, and an actual Run afterwards still sees the rule as
	// needing to build.
	rebuild2, _, err := ex.Why(target.NewID("out.txt"))
	require.NoError(t, err)
	require.Equal(t, rebuild, rebuild2)

	changed, err := ex.Run(target.NewID("out.txt"))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, runs)
}

func TestWhyReportsUpToDate(t *testing.T) {
	fs := newFakeFS()
	fs.write("in.txt", []byte("v1"))
	rule := &target.Rule{
		ID: "r", Outputs: []target.ID{target.NewID("out.txt")}, Inputs: []target.ID{target.NewID("in.txt")},
		Run: func(o, i []target.Cooked, _ target.Configuration) error {
			fs.write("out.txt", fs.read("in.txt"))
			return nil
		},
	}
	ex, err := newExecutor(fs, []*target.Rule{rule})
	require.NoError(t, err)

	_, err = ex.Run(target.NewID("out.txt"))
	require.NoError(t, err)

	rebuild, reasons, err := ex.Why(target.NewID("out.txt"))
	require.NoError(t, err)
	require.False(t, rebuild)
	require.Empty(t, reasons)
}

func TestNeededConfigChangeTriggersRebuild(t *testing.T) {
	fs := newFakeFS()
	fs.write("in.txt", []byte("v1"))
	var runs int
	rule := &target.Rule{
		ID: "r", Outputs: []target.ID{target.NewID("out.txt")}, Inputs: []target.ID{target.NewID("in.txt")},
		NeededConfig: []string{"opt"},
		Run: func(o, i []target.Cooked, cfg target.Configuration) error {
			runs++
			fs.write("out.txt", fs.read("in.txt"))
			return nil
		},
	}
	res, err := resolver.New([]*target.Rule{rule})
	require.NoError(t, err)
	reg := handler.NewRegistry()
	reg.Register(func(target.ID) bool { return true }, fs)
	st := memstore.New()

	ex1 := New(res, reg, st, target.Configuration{"opt": target.String("O0")}, nil)
	_, err = ex1.Run(target.NewID("out.txt"))
	require.NoError(t, err)
	require.Equal(t, 1, runs)

	// Different config value under the same store: distinct run fingerprint,
	// so this is treated as never having run before.
	ex2 := New(res, reg, st, target.Configuration{"opt": target.String("O2")}, nil)
	changed, err := ex2.Run(target.NewID("out.txt"))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, runs)
}
