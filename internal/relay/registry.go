package relay

import (
	"sort"
	"sync"
)

// Registry is the subscription bookkeeping of one relay: which symbols each
// subscriber follows, which subscribers follow each symbol, which symbols are
// pinned by open limit orders, and which symbols are live upstream.
//
// A symbol is wanted upstream while it has a subscriber or is pinned. Each
// mutation reports the upstream transition it caused so the caller issues
// exactly one subscribe or unsubscribe per edge.
type Registry struct {
	mu           sync.RWMutex
	bySubscriber map[string]map[string]struct{}
	bySymbol     map[string]map[string]Subscriber
	pinned       map[string]struct{}
	upstream     map[string]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		bySubscriber: make(map[string]map[string]struct{}),
		bySymbol:     make(map[string]map[string]Subscriber),
		pinned:       make(map[string]struct{}),
		upstream:     make(map[string]struct{}),
	}
}

// Add records sub's interest in symbol. start is true when the symbol has
// just become wanted upstream.
func (r *Registry) Add(sub Subscriber, symbol string) (start bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	syms, ok := r.bySubscriber[sub.ID()]
	if !ok {
		syms = make(map[string]struct{})
		r.bySubscriber[sub.ID()] = syms
	}
	if _, ok := syms[symbol]; ok {
		return false
	}
	syms[symbol] = struct{}{}

	subs, ok := r.bySymbol[symbol]
	if !ok {
		subs = make(map[string]Subscriber)
		r.bySymbol[symbol] = subs
	}
	subs[sub.ID()] = sub
	return r.markUpstream(symbol)
}

// Remove drops subID's interest in symbol. stop is true when the symbol is no
// longer wanted upstream.
func (r *Registry) Remove(subID, symbol string) (stop bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if syms, ok := r.bySubscriber[subID]; ok {
		delete(syms, symbol)
		if len(syms) == 0 {
			delete(r.bySubscriber, subID)
		}
	}
	return r.detach(subID, symbol)
}

// RemoveSubscriber drops every interest of subID and returns the symbols that
// are no longer wanted upstream.
func (r *Registry) RemoveSubscriber(subID string) (stop []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	syms := r.bySubscriber[subID]
	delete(r.bySubscriber, subID)
	for symbol := range syms {
		if r.detach(subID, symbol) {
			stop = append(stop, symbol)
		}
	}
	sort.Strings(stop)
	return stop
}

// SetPinned replaces the pinned set and returns the upstream transitions it caused
func (r *Registry) SetPinned(symbols []string) (start, stop []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		next[s] = struct{}{}
	}
	old := r.pinned
	r.pinned = next

	for s := range next {
		if r.markUpstream(s) {
			start = append(start, s)
		}
	}
	for s := range old {
		if _, still := next[s]; still {
			continue
		}
		if r.releaseUpstream(s) {
			stop = append(stop, s)
		}
	}
	sort.Strings(start)
	sort.Strings(stop)
	return start, stop
}

// Subscribers returns the current subscribers of symbol
func (r *Registry) Subscribers(symbol string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.bySymbol[symbol]
	if len(subs) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

// SubscriptionsOf returns the symbols subID follows, sorted
func (r *Registry) SubscriptionsOf(subID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.bySubscriber[subID]))
	for s := range r.bySubscriber[subID] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Upstream returns the symbols that should be live upstream, sorted
func (r *Registry) Upstream() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.upstream))
	for s := range r.upstream {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// detach removes subID from symbol's subscriber set and drops the symbol's
// bookkeeping when it empties. Caller holds mu.
func (r *Registry) detach(subID, symbol string) bool {
	subs, ok := r.bySymbol[symbol]
	if !ok {
		return false
	}
	if _, ok := subs[subID]; !ok {
		return false
	}
	delete(subs, subID)
	if len(subs) > 0 {
		return false
	}
	delete(r.bySymbol, symbol)
	return r.releaseUpstream(symbol)
}

func (r *Registry) markUpstream(symbol string) bool {
	if _, ok := r.upstream[symbol]; ok {
		return false
	}
	r.upstream[symbol] = struct{}{}
	return true
}

// releaseUpstream clears symbol from upstream unless it is still wanted
func (r *Registry) releaseUpstream(symbol string) bool {
	if _, ok := r.upstream[symbol]; !ok {
		return false
	}
	if len(r.bySymbol[symbol]) > 0 {
		return false
	}
	if _, ok := r.pinned[symbol]; ok {
		return false
	}
	delete(r.upstream, symbol)
	return true
}
