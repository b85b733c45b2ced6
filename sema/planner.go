// Copyright (c) 2024 The Falcon Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package sema

import (
	"fmt"

	"lyralc/utils"
)

// Planner post-processes pass-1 data: it resolves propagations to a
// fixpoint, prunes functions nothing calls, detects recursive call cycles,
// elects a stackframe holder for every function, groups tenants into their
// holder's shared regions, and sizes every frame.
//
// The forced set persists across full recompiles: when a holder's shared
// region overflows its budget, the largest tenant's id lands here and that
// function holds its own frame on every subsequent attempt. Function ids
// are handed out in declaration order, so they are stable across a pass-1
// restart and the set keeps meaning the same functions.
type Planner struct {
	// NoSharing makes every function hold its own stackframe; no tenancy
	// and no shared regions are formed.
	NoSharing bool

	funcs  []*Function
	forced *utils.BitMap

	// closure[id] is the set of function ids reachable through the call
	// graph from the function with that id, rebuilt on every Plan.
	closure map[int]*utils.BitMap
}

// PlanResult reports what the caller must do next: nothing, or throw away
// this attempt's pass-2 state and start over from pass 1 with the grown
// forced-holder set.
type PlanResult struct {
	NeedsFullRecompile bool
}

func NewPlanner(funcs []*Function) *Planner {
	p := &Planner{forced: utils.NewBitMap(1)}
	p.SetFunctions(funcs)
	return p
}

// Functions returns the planner's current function list; pruning shrinks
// it, so callers that planned should read it back rather than hold on to
// the pre-plan list.
func (p *Planner) Functions() []*Function { return p.funcs }

// SetFunctions points the planner at a fresh analyzer's function list after
// a pass-1 restart. The forced-holder set is deliberately kept.
func (p *Planner) SetFunctions(funcs []*Function) {
	p.funcs = funcs
	if n := p.maxFuncID() + 1; n > p.forced.Size() {
		p.forced = growBitMap(p.forced, n)
	}
}

func growBitMap(bm *utils.BitMap, n int) *utils.BitMap {
	grown := utils.NewBitMap(n)
	for i := 0; i < bm.Size(); i++ {
		if bm.IsSet(i) {
			grown.Set(i)
		}
	}
	return grown
}

// Plan runs the full planning pipeline once. It is idempotent: call counts
// are recomputed from the call-graph edges each time, so the recompile loop
// can re-run it freely.
func (p *Planner) Plan() (*PlanResult, error) {
	p.recountCalls()
	p.resolvePropagations()
	p.pruneUnused()
	p.detectRecursion()
	p.buildClosure()
	p.electHolders()
	p.assignTenancy()
	p.canonicalizeCaches()
	if err := p.sizeFrames(); err != nil {
		return nil, err
	}
	return p.checkBudgets()
}

// recountCalls rebuilds every function's TimesCalled from the recorded
// call-graph edges, so repeated Plan runs observe the same counts pass 1
// left behind.
func (p *Planner) recountCalls() {
	for _, fn := range p.funcs {
		fn.TimesCalled = 0
	}
	for _, fn := range p.funcs {
		for _, cf := range fn.CalledFunctions {
			cf.Callee.TimesCalled += cf.Count
		}
	}
}

// resolvePropagations repeatedly expands FunctionToPropagate(g) entries
// into copies of g's own VariableToPropagate entries until a fixpoint is
// reached. Afterwards, every address-taken function's variable
// propagations are unioned into the root: an indirect call through a
// function value can happen anywhere, so the root-level view must assume
// every such side effect.
func (p *Planner) resolvePropagations() {
	changed := true
	for iter := 0; changed && iter < MaxRecompiles; iter++ {
		changed = false
		for _, fn := range p.funcs {
			var resolved []*Propagation
			for _, prop := range fn.Propagations {
				if prop.Kind == PropVariable {
					resolved = append(resolved, prop)
					continue
				}
				// PropFunction: splice in the callee's variable
				// propagations, skipping self-reference (recursion).
				if prop.Func == fn {
					continue
				}
				for _, inner := range prop.Func.Propagations {
					if inner.Kind != PropVariable {
						continue
					}
					if !containsPropagation(resolved, inner) {
						resolved = append(resolved, inner)
						changed = true
					}
				}
			}
			if len(resolved) != len(fn.Propagations) {
				changed = true
			}
			fn.Propagations = dedupPropagations(resolved)
		}
	}

	for _, fn := range p.funcs {
		if !fn.AddressTaken || fn.Parent == nil {
			continue
		}
		root := fn.Root()
		for _, prop := range fn.Propagations {
			if prop.Kind == PropVariable {
				root.AddPropagation(prop)
			}
		}
	}
}

func containsPropagation(list []*Propagation, p *Propagation) bool {
	for _, existing := range list {
		if existing.Kind == p.Kind && existing.Var == p.Var && existing.Func == p.Func {
			return true
		}
	}
	return false
}

func dedupPropagations(in []*Propagation) []*Propagation {
	var out []*Propagation
	for _, p := range in {
		if !containsPropagation(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// pruneUnused drops every function nothing calls, decrementing the call
// counts of everything it called; one drop can make another function's
// count reach zero, so the scan restarts until no drop happens. The root,
// exported entry points, address-taken functions, and import declarations
// survive regardless of count.
func (p *Planner) pruneUnused() {
	for {
		dropped := false
		kept := make([]*Function, 0, len(p.funcs))
		for _, fn := range p.funcs {
			keep := fn.Parent == nil || fn.Exported || fn.Imported || fn.AddressTaken || fn.TimesCalled > 0
			if keep {
				kept = append(kept, fn)
				continue
			}
			dropped = true
			fn.Pruned = true
			for _, cf := range fn.CalledFunctions {
				cf.Callee.TimesCalled -= cf.Count
			}
			if fn.Parent != nil {
				fn.Parent.Children = removeChild(fn.Parent.Children, fn)
			}
		}
		p.funcs = kept
		if !dropped {
			return
		}
	}
}

func removeChild(children []*Function, fn *Function) []*Function {
	out := children[:0]
	for _, c := range children {
		if c != fn {
			out = append(out, c)
		}
	}
	return out
}

// detectRecursion marks every function participating in a call-graph cycle
// as Recursive and subtracts direct self-call counts from TimesCalled (a
// self-call never needs an extra shared-region slot; the function already
// holds its own frame once marked recursive). Visited/on-stack bookkeeping
// is a pair of utils.BitMap indexed by Function.ID rather than a
// pointer-keyed set: the id space is small, dense and known up front, so a
// bitset is the natural fit and avoids a map allocation per DFS.
func (p *Planner) detectRecursion() {
	n := p.maxFuncID() + 1
	visited := utils.NewBitMap(n)
	onStack := utils.NewBitMap(n)

	var visit func(fn *Function)
	visit = func(fn *Function) {
		if visited.IsSet(fn.ID) {
			return
		}
		visited.Set(fn.ID)
		onStack.Set(fn.ID)
		for _, cf := range fn.CalledFunctions {
			if onStack.IsSet(cf.Callee.ID) {
				fn.Recursive = true
				cf.Callee.Recursive = true
				continue
			}
			visit(cf.Callee)
		}
		onStack.Reset(fn.ID)
	}
	for _, fn := range p.funcs {
		visit(fn)
	}

	for _, fn := range p.funcs {
		for _, cf := range fn.CalledFunctions {
			if cf.Callee == fn {
				fn.TimesCalled -= cf.Count
			}
		}
	}
}

// buildClosure computes, per function, the set of function ids reachable
// through its call edges — the "transitively calls" test the holder
// propagation and shared-region conflict checks both need.
func (p *Planner) buildClosure() {
	n := p.maxFuncID() + 1
	p.closure = make(map[int]*utils.BitMap, len(p.funcs))
	for _, fn := range p.funcs {
		reach := utils.NewBitMap(n)
		var visit func(f *Function)
		visit = func(f *Function) {
			for _, cf := range f.CalledFunctions {
				if reach.IsSet(cf.Callee.ID) {
					continue
				}
				reach.Set(cf.Callee.ID)
				visit(cf.Callee)
			}
		}
		visit(fn)
		p.closure[fn.ID] = reach
	}
}

// transitivelyCalls reports whether a's call closure contains b.
func (p *Planner) transitivelyCalls(a, b *Function) bool {
	reach, ok := p.closure[a.ID]
	return ok && reach.IsSet(b.ID)
}

// electHolders decides, for every function, whether it holds its own
// stackframe. A function must: at the root; when recursive (a shared
// tenant slot cannot support multiple live activations); when its address
// was taken (indirect callers can't be assumed to share any particular
// frame layout); when it is an exported entry point, an import, or
// variadic; or when a previous attempt recorded it in the forced set.
// Then, as a fixpoint, any remaining non-holder that transitively calls a
// holder is itself marked CouldNotGetStackframeHolder and promoted: a
// callee that allocates frames can re-enter shared regions this function's
// tiny frame sits in, so the frame must be its own.
func (p *Planner) electHolders() {
	for _, fn := range p.funcs {
		fn.CouldNotGetStackframeHolder = fn.ID < p.forced.Size() && p.forced.IsSet(fn.ID)
		mustHold := p.NoSharing || fn.Parent == nil || fn.Recursive || fn.AddressTaken ||
			fn.Exported || fn.Imported || fn.Variadic || fn.CouldNotGetStackframeHolder
		if mustHold {
			fn.StackframeHolder = fn
		} else {
			fn.StackframeHolder = nil
		}
	}

	for {
		changed := false
		for _, fn := range p.funcs {
			if fn.IsStackframeHolder() {
				continue
			}
			for _, other := range p.funcs {
				if other.IsStackframeHolder() && p.transitivelyCalls(fn, other) {
					fn.CouldNotGetStackframeHolder = true
					fn.StackframeHolder = fn
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

// assignTenancy walks every remaining non-holder up to its nearest holder
// ancestor, merges its cached-stackframe needs into that holder, and
// places it in the first shared region whose current members it cannot
// conflict with at run time — two functions that can be transitively live
// at once (one calls the other) must never share bytes.
func (p *Planner) assignTenancy() {
	for _, fn := range p.funcs {
		fn.SharedRegions = nil
		fn.SharedRegionToUse = nil
	}

	for _, fn := range p.funcs {
		if fn.IsStackframeHolder() {
			continue
		}
		holder, level := nearestHolderAncestor(fn)
		if holder == nil {
			fn.CouldNotGetStackframeHolder = true
			fn.StackframeHolder = fn
			continue
		}
		fn.StackframeHolder = holder
		// The tenant reaches its own slot through the holder's frame
		// pointer, so that pointer must be cached like any other
		// ancestor-frame access.
		fn.AddCachedStackframe(level)
		// Outer-frame accesses recorded against the tenant are satisfied
		// by the holder caching the same ancestors; levels at or below
		// the holder resolve within the holder's own frame.
		for _, cs := range fn.CachedStackframes {
			if cs.Level > level {
				holder.AddCachedStackframe(cs.Level - level)
			}
		}

		var region *SharedRegion
	regions:
		for _, r := range holder.SharedRegions {
			for _, m := range r.Members {
				if p.transitivelyCalls(fn, m) || p.transitivelyCalls(m, fn) {
					continue regions
				}
			}
			region = r
			break
		}
		if region == nil {
			region = &SharedRegion{Holder: holder}
			holder.SharedRegions = append(holder.SharedRegions, region)
		}
		region.Members = append(region.Members, fn)
		fn.SharedRegionToUse = region
	}
}

// nearestHolderAncestor walks fn's parent chain to the first function that
// holds its own frame, returning it and the hop count.
func nearestHolderAncestor(fn *Function) (*Function, int) {
	level := 0
	for cur := fn.Parent; cur != nil; cur = cur.Parent {
		level++
		if cur.IsStackframeHolder() {
			return cur, level
		}
	}
	return nil, 0
}

// canonicalizeCaches rewrites every holder's cached-stackframe list so that
// an entry naming a tenant ancestor points at that ancestor's holder
// instead: the tenant has no frame of its own to point into, its bytes
// live inside its holder's frame.
func (p *Planner) canonicalizeCaches() {
	for _, fn := range p.funcs {
		if !fn.IsStackframeHolder() {
			continue
		}
		var rewritten []*CachedStackframe
		for _, cs := range fn.CachedStackframes {
			level := cs.Level
			if a := fn.AncestorAt(level); a != nil && !a.IsStackframeHolder() {
				if h := a.StackframeHolder; h != nil {
					if hl := levelOf(fn, h); hl > 0 {
						level = hl
					}
				}
			}
			rewritten = appendCacheLevel(rewritten, level)
		}
		fn.CachedStackframes = rewritten
	}
}

func appendCacheLevel(list []*CachedStackframe, level int) []*CachedStackframe {
	for _, cs := range list {
		if cs.Level == level {
			return list
		}
	}
	return append(list, &CachedStackframe{Level: level})
}

// argArea is the byte size of a function's incoming-argument area: a
// variadic function reserves the fixed maximum, everything else exactly
// what its declared arguments occupy.
func argArea(fn *Function) int {
	if fn.Variadic {
		return MaxArgUsage
	}
	size := 0
	for _, v := range fn.Args {
		size += v.Size
	}
	return size
}

func localsFootprint(fn *Function) int {
	size := 0
	for _, v := range fn.Locals {
		size += v.Size
	}
	return size
}

// holderHeaderSize is the fixed per-call overhead of a frame-holding
// function: return address, previous frame pointer, and the saved
// machine state the call protocol spills.
const holderHeaderSize = 7 * GPRSize

// tenantHeaderSize is the fixed overhead of a tiny stackframe: return
// address and previous-frame pointer.
const tenantHeaderSize = 2 * GPRSize

// tenantFrameSize is the whole footprint a tenant occupies within a shared
// region: header, argument area, locals, and a return-value slot when the
// function produces one.
func tenantFrameSize(fn *Function) int {
	size := tenantHeaderSize + argArea(fn) + fn.LocalVarsMaxSize
	if fn.RetType != nil && !fn.RetType.IsVoid() {
		size += GPRSize
	}
	return utils.Align(size, GPRSize)
}

// assignVariableOffsets lays fn's arguments out from base and its locals
// from base plus the argument area (which exceeds the declared arguments'
// footprint only for a variadic function).
func assignVariableOffsets(fn *Function, base int) {
	offset := base
	for _, v := range fn.Args {
		v.Offset = offset
		offset += v.Size
	}
	offset = base + argArea(fn)
	for _, v := range fn.Locals {
		v.Offset = offset
		offset += v.Size
	}
}

// sizeFrames settles every function's layout: the holder's own frame
// (header, stackframe-pointer cache, argument area, locals), then each of
// its shared regions back to back, each region as wide as its widest
// member. Tenant variables are addressed relative to the holder's frame,
// so their offsets start at the region's slot plus the tiny-frame header.
func (p *Planner) sizeFrames() error {
	for _, fn := range p.funcs {
		fn.LinkingSignature = fn.CallSignature
		fn.StackframePtrCacheSizeBytes = len(fn.CachedStackframes) * GPRSize
		fn.LocalVarsMaxSize = utils.Align(localsFootprint(fn), GPRSize)
	}

	for _, fn := range p.funcs {
		if !fn.IsStackframeHolder() {
			continue
		}
		assignVariableOffsets(fn, holderHeaderSize+fn.StackframePtrCacheSizeBytes)

		sharedBase := holderHeaderSize + fn.StackframePtrCacheSizeBytes + argArea(fn) + fn.LocalVarsMaxSize
		sharedSize := 0
		for _, region := range fn.SharedRegions {
			region.Offset = sharedSize
			widest := 0
			for _, m := range region.Members {
				widest = utils.Max(widest, tenantFrameSize(m))
				assignVariableOffsets(m, sharedBase+region.Offset+tenantHeaderSize)
			}
			region.Size = utils.Align(widest, GPRSize)
			sharedSize += region.Size
		}
		fn.SharedRegionSizeBytes = sharedSize
		fn.StackUsage = sharedBase + sharedSize

		if budget := p.holderBudget(fn); sharedBase > budget {
			return fmt.Errorf("sema: function %q needs %d stackframe bytes, exceeding the %d-byte limit",
				fn.Name, sharedBase, budget)
		}
	}
	return nil
}

// holderBudget is how many bytes a holder's own body (everything but the
// shared region) may occupy: an address-taken holder can be entered from
// anywhere and gets the global stack ceiling; anything else must fit a
// page less the stack-pointer slot.
func (p *Planner) holderBudget(fn *Function) int {
	if fn.AddressTaken {
		return MaxStackUsage
	}
	return PageSize - GPRSize
}

// checkBudgets verifies every holder's shared region fits the space left
// over by its own body. On overflow the largest member tenant joins the
// persistent forced-holder set and the whole compile restarts from pass 1;
// the set only ever grows, so the restart loop terminates.
func (p *Planner) checkBudgets() (*PlanResult, error) {
	result := &PlanResult{}
	for _, fn := range p.funcs {
		if !fn.IsStackframeHolder() || fn.SharedRegionSizeBytes == 0 {
			continue
		}
		body := fn.StackUsage - fn.SharedRegionSizeBytes
		available := p.holderBudget(fn) - body
		if fn.SharedRegionSizeBytes <= available {
			continue
		}
		largest := p.largestTenant(fn)
		if largest == nil {
			return nil, fmt.Errorf("sema: function %q shared region needs %d bytes with only %d available",
				fn.Name, fn.SharedRegionSizeBytes, available)
		}
		p.forceHolder(largest)
		result.NeedsFullRecompile = true
	}
	return result, nil
}

func (p *Planner) largestTenant(holder *Function) *Function {
	var largest *Function
	size := 0
	for _, region := range holder.SharedRegions {
		for _, m := range region.Members {
			if s := tenantFrameSize(m); s > size && !(m.ID < p.forced.Size() && p.forced.IsSet(m.ID)) {
				largest = m
				size = s
			}
		}
	}
	return largest
}

func (p *Planner) forceHolder(fn *Function) {
	if fn.ID >= p.forced.Size() {
		p.forced = growBitMap(p.forced, fn.ID+1)
	}
	p.forced.Set(fn.ID)
}

// maxFuncID is the largest Function.ID in this unit, sizing the bitsets
// the planner indexes by id.
func (p *Planner) maxFuncID() int {
	max := 0
	for _, fn := range p.funcs {
		if fn.ID > max {
			max = fn.ID
		}
	}
	return max
}
