// Package engine implements the incremental rebuild decision engine: it
// computes run fingerprints, compares observed to stored target
// fingerprints, decides rebuild necessity, invokes rules, and commits new
// fingerprints. It hosts the run, clean, and dry-run (why) traversals.
package engine

import (
	"github.com/hashicorp/go-hclog"
	hashiset "github.com/hashicorp/go-set/v3"
	"github.com/hashicorp/go-multierror"

	"github.com/marcelocantos/forge/forgeerr"
	"github.com/marcelocantos/forge/handler"
	"github.com/marcelocantos/forge/resolver"
	"github.com/marcelocantos/forge/store"
	"github.com/marcelocantos/forge/target"
)

// Executor is the engine entry point: it borrows a resolver (built from an
// already-validated rule set), a handler registry, a fingerprint store and
// a frozen configuration, and exposes Run and Clean.
type Executor struct {
	resolver *resolver.Resolver
	registry *handler.Registry
	fstore   store.Store
	cfg      target.Configuration
	log      hclog.Logger
}

// New constructs an Executor. cfg is borrowed read-only for the lifetime of
// every Run/Clean call made on the returned Executor.
func New(res *resolver.Resolver, reg *handler.Registry, fstore store.Store, cfg target.Configuration, log hclog.Logger) *Executor {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Executor{resolver: res, registry: reg, fstore: fstore, cfg: cfg, log: log}
}

// targetCacheEntry is the per-invocation targets_eval_cache slot: a target's
// cooked form, the handler that cooked it, and whether it was found to have
// changed relative to its previous fingerprint.
type targetCacheEntry struct {
	cooked  target.Cooked
	handler handler.Handler
	changed bool
}

// invocation holds everything that lives for exactly one Run or Clean call
// and is discarded at its end: the session, the path-stack walker, and the
// two per-invocation memoisation caches.
type invocation struct {
	session          store.Session
	walk             *resolver.Walk
	alreadyEvaluated map[string]bool
	targetsEval      map[target.ID]*targetCacheEntry
	log              hclog.Logger
}

// Run builds target_id and everything it transitively depends on, skipping
// any rule whose inputs and outputs are unchanged since the last successful
// run under the current configuration. It returns true iff anything was
// rebuilt.
func (e *Executor) Run(id target.ID) (bool, error) {
	rule, ok := e.resolver.OwnerOf(id)
	if !ok {
		return false, forgeerr.NewUnknownTarget(nil, id.String())
	}

	session, err := e.fstore.Open()
	if err != nil {
		return false, err
	}
	defer session.Close()

	inv := &invocation{
		session:          session,
		walk:             resolver.NewWalk(),
		alreadyEvaluated: make(map[string]bool),
		targetsEval:      make(map[target.ID]*targetCacheEntry),
		log:              e.log,
	}

	return e.evalRule(inv, rule, []string{id.String()})
}

// Clean removes target_id's artifacts and everything produced by rules it
// transitively depends on. On-disk prerequisites with no owning rule are
// user-owned sources and are never touched.
func (e *Executor) Clean(id target.ID) error {
	rule, ok := e.resolver.OwnerOf(id)
	if !ok {
		return forgeerr.NewUnknownTarget(nil, id.String())
	}

	session, err := e.fstore.Open()
	if err != nil {
		return err
	}
	defer session.Close()

	walk := resolver.NewWalk()
	cleaned := hashiset.New[string](0)
	return e.cleanRule(session, walk, cleaned, rule)
}

// evalRule computes (and, if needed, performs) the rebuild decision for
// rule. chain is the dependency chain that led here, used only to annotate
// UnknownTarget errors.
func (e *Executor) evalRule(inv *invocation, rule *target.Rule, chain []string) (bool, error) {
	if verdict, ok := inv.alreadyEvaluated[rule.ID]; ok {
		return verdict, nil
	}
	if err := inv.walk.Enter(rule.ID); err != nil {
		return false, err
	}
	defer inv.walk.Leave(rule.ID)

	fp := target.ComputeRunFingerprint(rule, e.cfg)
	prevRec, err := inv.session.Fetch(fp)
	if err != nil {
		return false, err
	}
	rebuildNeeded := false
	if prevRec == nil {
		rebuildNeeded = true
		prevRec = &store.PreviousRunRecord{}
	}

	var toCacheTargets []target.ID
	inputsCooked := make([]target.Cooked, len(rule.Inputs))

	for i, in := range rule.Inputs {
		if ownerRule, ok := e.resolver.OwnerOf(in); ok {
			childChanged, err := e.evalRule(inv, ownerRule, append(chain, in.String()))
			if err != nil {
				return false, err
			}
			rebuildNeeded = rebuildNeeded || childChanged
			// The owning rule's own output step (below, on its recursive
			// call) already cooked in and cached it under inv.targetsEval —
			// it is one of that rule's Outputs. Unlike an on-disk
			// prerequisite with no owner, in is NOT added to this rule's
			// own toCacheTargets: its fingerprint is persisted under the
			// owning rule's record, not this one — the persisted record
			// always carries a target's fingerprint alongside the outputs
			// of the rule that actually produced it.
			entry, ok := inv.targetsEval[in]
			if !ok {
				// Defensive fallback: should not happen given the above,
				// but cook directly rather than leave inputsCooked[i] nil.
				var scratch []target.ID
				entry, err = e.cookAndEvalTarget(inv, in, prevRec, &scratch)
				if err != nil {
					return false, err
				}
			}
			inputsCooked[i] = entry.cooked
			continue
		}

		// On-disk prerequisite with no owning rule.
		h, err := e.registry.HandlerFor(in)
		if err != nil || !h.OnDisk() {
			return false, forgeerr.NewUnknownTarget(chain, in.String())
		}

		entry, cached := inv.targetsEval[in]
		if !cached {
			entry, err = e.cookAndEvalTarget(inv, in, prevRec, &toCacheTargets)
			if err != nil {
				return false, err
			}
		} else {
			toCacheTargets = append(toCacheTargets, in)
		}
		rebuildNeeded = rebuildNeeded || entry.changed
		inputsCooked[i] = entry.cooked
	}

	outputsCooked := make([]target.Cooked, len(rule.Outputs))
	for i, out := range rule.Outputs {
		entry, err := e.cookAndEvalTarget(inv, out, prevRec, &toCacheTargets)
		if err != nil {
			return false, err
		}
		rebuildNeeded = rebuildNeeded || entry.changed
		outputsCooked[i] = entry.cooked
	}

	inv.alreadyEvaluated[rule.ID] = rebuildNeeded
	if !rebuildNeeded {
		e.log.Debug("up to date", "rule", rule.ID)
		return false, nil
	}

	e.log.Info("building", "rule", rule.ID)
	if err := rule.Run(outputsCooked, inputsCooked, e.cfg); err != nil {
		return false, forgeerr.NewRunError(rule.ID, err)
	}

	entries := make([]store.Entry, 0, len(toCacheTargets))
	for _, t := range toCacheTargets {
		entry := inv.targetsEval[t]
		newFp, err := entry.handler.ComputeFingerprint(entry.cooked)
		if err != nil {
			return false, forgeerr.NewRunError(rule.ID, err)
		}
		if !newFp.Present() {
			e.log.Warn("target has no observable fingerprint after successful run; will rebuild next time",
				"rule", rule.ID, "target", t.String())
			continue
		}
		entries = append(entries, store.Entry{Target: t, Fingerprint: newFp})
	}
	if err := inv.session.Commit(fp, entries); err != nil {
		return false, err
	}
	return true, nil
}

// Why reports, without executing or committing anything, whether id's
// owning rule would rebuild on a Run and the reasons driving that verdict.
// It runs the same rebuild-decision walk Run uses but stops short of
// invoking rule.Run or Session.Commit. The store session itself is opened
// the same way Run opens it.
func (e *Executor) Why(id target.ID) (bool, []string, error) {
	rule, ok := e.resolver.OwnerOf(id)
	if !ok {
		return false, nil, forgeerr.NewUnknownTarget(nil, id.String())
	}

	session, err := e.fstore.Open()
	if err != nil {
		return false, nil, err
	}
	defer session.Close()

	inv := &invocation{
		session:          session,
		walk:             resolver.NewWalk(),
		alreadyEvaluated: make(map[string]bool),
		targetsEval:      make(map[target.ID]*targetCacheEntry),
		log:              e.log,
	}

	reasons := make(map[string][]string)
	rebuild, err := e.dryEvalRule(inv, rule, []string{id.String()}, reasons)
	if err != nil {
		return false, nil, err
	}
	return rebuild, reasons[rule.ID], nil
}

// dryEvalRule mirrors evalRule's decision logic but never runs a rule or
// commits fingerprints; it records why a rule's verdict came out the way it
// did into reasons, keyed by rule ID.
func (e *Executor) dryEvalRule(inv *invocation, rule *target.Rule, chain []string, reasons map[string][]string) (bool, error) {
	if verdict, ok := inv.alreadyEvaluated[rule.ID]; ok {
		return verdict, nil
	}
	if err := inv.walk.Enter(rule.ID); err != nil {
		return false, err
	}
	defer inv.walk.Leave(rule.ID)

	fp := target.ComputeRunFingerprint(rule, e.cfg)
	prevRec, err := inv.session.Fetch(fp)
	if err != nil {
		return false, err
	}
	rebuildNeeded := false
	if prevRec == nil {
		rebuildNeeded = true
		reasons[rule.ID] = append(reasons[rule.ID], "no previous run record for this configuration")
		prevRec = &store.PreviousRunRecord{}
	}

	var scratch []target.ID

	for _, in := range rule.Inputs {
		if ownerRule, ok := e.resolver.OwnerOf(in); ok {
			childChanged, err := e.dryEvalRule(inv, ownerRule, append(chain, in.String()), reasons)
			if err != nil {
				return false, err
			}
			if childChanged {
				rebuildNeeded = true
				reasons[rule.ID] = append(reasons[rule.ID], "input "+in.String()+" would be rebuilt")
			}
			continue
		}

		h, err := e.registry.HandlerFor(in)
		if err != nil || !h.OnDisk() {
			return false, forgeerr.NewUnknownTarget(chain, in.String())
		}
		entry, err := e.cookAndEvalTarget(inv, in, prevRec, &scratch)
		if err != nil {
			return false, err
		}
		if entry.changed {
			rebuildNeeded = true
			reasons[rule.ID] = append(reasons[rule.ID], "input "+in.String()+" changed")
		}
	}

	for _, out := range rule.Outputs {
		entry, err := e.cookAndEvalTarget(inv, out, prevRec, &scratch)
		if err != nil {
			return false, err
		}
		if entry.changed {
			rebuildNeeded = true
			reasons[rule.ID] = append(reasons[rule.ID], "output "+out.String()+" missing or changed")
		}
	}

	inv.alreadyEvaluated[rule.ID] = rebuildNeeded
	return rebuildNeeded, nil
}

// cookAndEvalTarget cooks t (using prevRec's hint if any), determines
// whether it changed, and caches the result in the per-invocation targets
// cache. It also appends t to *toCache so the caller's eventual Commit
// persists its fresh fingerprint.
func (e *Executor) cookAndEvalTarget(inv *invocation, t target.ID, prevRec *store.PreviousRunRecord, toCache *[]target.ID) (*targetCacheEntry, error) {
	if entry, ok := inv.targetsEval[t]; ok {
		*toCache = append(*toCache, t)
		return entry, nil
	}

	prevFp, hadPrev := prevRec.Get(t)
	cooked, h, err := e.registry.Cook(t, prevFp)
	if err != nil {
		return nil, err
	}

	changed := true
	if hadPrev {
		changed, err = h.NeedRebuild(cooked, prevFp)
		if err != nil {
			return nil, err
		}
	}

	entry := &targetCacheEntry{cooked: cooked, handler: h, changed: changed}
	inv.targetsEval[t] = entry
	*toCache = append(*toCache, t)
	return entry, nil
}

// cleanRule implements the clean traversal: clean every output of rule,
// then recurse into rule-produced inputs. On-disk
// prerequisites without an owning rule are left untouched. cleaned tracks
// rules already visited this invocation so shared dependencies are only
// cleaned once.
func (e *Executor) cleanRule(session store.Session, walk *resolver.Walk, cleaned *hashiset.Set[string], rule *target.Rule) error {
	if cleaned.Contains(rule.ID) {
		return nil
	}
	if err := walk.Enter(rule.ID); err != nil {
		return err
	}
	defer walk.Leave(rule.ID)

	fp := target.ComputeRunFingerprint(rule, e.cfg)
	prevRec, err := session.Fetch(fp)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, out := range rule.Outputs {
		prevFp, _ := prevRec.Get(out)
		cooked, h, err := e.registry.Cook(out, prevFp)
		if err != nil {
			result = multierror.Append(result, forgeerr.NewRunError(rule.ID, err))
			continue
		}
		if err := h.Clean(cooked); err != nil {
			result = multierror.Append(result, forgeerr.NewRunError(rule.ID, err))
		}
	}
	cleaned.Insert(rule.ID)

	for _, in := range rule.Inputs {
		ownerRule, ok := e.resolver.OwnerOf(in)
		if !ok {
			continue // on-disk prerequisite; user-owned, never cleaned
		}
		if err := e.cleanRule(session, walk, cleaned, ownerRule); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
