package rule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loykin/recfleet/internal/matchexpr"
	"github.com/loykin/recfleet/internal/store"
	"github.com/loykin/recfleet/internal/target"
)

var (
	ErrRuleExists   = errors.New("rule already exists")
	ErrRuleNotFound = errors.New("rule not found")
)

// EventType is the kind of registry mutation.
type EventType string

const (
	EventAdded   EventType = "ADDED"
	EventRemoved EventType = "REMOVED"
)

// Event describes a registry mutation.
type Event struct {
	Type EventType
	Rule Rule
}

// Listener receives registry events. Listeners are invoked synchronously
// inside Add/Remove, before the mutating call returns, so consumers observe
// registry state changes ahead of any racing discovery event.
type Listener func(Event)

type entry struct {
	rule Rule
	expr *matchexpr.Expression
}

// Registry stores rule definitions, persists them and answers which rules
// apply to a given target. It exclusively owns rule records.
type Registry struct {
	mu        sync.RWMutex
	st        store.Store
	entries   map[string]entry
	listeners map[int64]Listener
	nextLID   int64
	logger    *slog.Logger
}

func NewRegistry(st store.Store, logger *slog.Logger) *Registry {
	if st == nil {
		st = store.NewMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		st:        st,
		entries:   make(map[string]entry),
		listeners: make(map[int64]Listener),
		logger:    logger,
	}
}

// AddListener registers a listener and returns its handle.
func (r *Registry) AddListener(l Listener) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextLID++
	id := r.nextLID
	r.listeners[id] = l
	return id
}

func (r *Registry) RemoveListener(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, id)
}

// Load restores persisted rules. Records that no longer validate are
// skipped with a warning so one bad row cannot abort startup. Load does not
// emit ADDED events; it precedes processor attachment.
func (r *Registry) Load(ctx context.Context) error {
	recs, err := r.st.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		rl := fromRecord(rec)
		expr, err := rl.Validate()
		if err != nil {
			r.logger.Warn("skipping malformed stored rule", "rule", rec.Name, "error", err)
			continue
		}
		r.entries[rl.Name] = entry{rule: rl, expr: expr}
	}
	return nil
}

// Add validates, persists and registers a rule, then notifies listeners
// synchronously. Duplicate names fail with ErrRuleExists.
func (r *Registry) Add(ctx context.Context, rl Rule) error {
	rl.Sanitize()
	expr, err := rl.Validate()
	if err != nil {
		return err
	}
	r.mu.Lock()
	if _, ok := r.entries[rl.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleExists, rl.Name)
	}
	if err := r.st.SaveRule(ctx, toRecord(rl)); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("persist rule %s: %w", rl.Name, err)
	}
	r.entries[rl.Name] = entry{rule: rl, expr: expr}
	ls := r.snapshotListeners()
	r.mu.Unlock()

	for _, l := range ls {
		l(Event{Type: EventAdded, Rule: rl})
	}
	return nil
}

// Remove deletes a rule by name and notifies listeners synchronously.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	if err := r.st.DeleteRule(ctx, name); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("delete rule %s: %w", name, err)
	}
	delete(r.entries, name)
	ls := r.snapshotListeners()
	r.mu.Unlock()

	for _, l := range ls {
		l(Event{Type: EventRemoved, Rule: e.rule})
	}
	return nil
}

// Get returns a rule by name.
func (r *Registry) Get(name string) (Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	return e.rule, nil
}

// List returns all rules sorted by name.
func (r *Registry) List() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MatchingRules returns every rule whose match expression evaluates true
// for ref.
func (r *Registry) MatchingRules(ref target.ServiceRef) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Rule
	for _, e := range r.entries {
		ok, err := e.expr.Matches(ref)
		if err != nil {
			r.logger.Warn("match expression evaluation failed", "rule", e.rule.Name, "error", err)
			continue
		}
		if ok {
			out = append(out, e.rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Applies reports whether a single registered rule matches ref.
func (r *Registry) Applies(name string, ref target.ServiceRef) (bool, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	return e.expr.Matches(ref)
}

func (r *Registry) snapshotListeners() []Listener {
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	return ls
}
