// Package credentials stores match-expression-keyed credential records and
// resolves which stored credential, if any, applies to a target.
// Credential material is held in memory plus the durable store and is never
// logged; list queries return redacted records.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/recfleet/internal/matchexpr"
	"github.com/loykin/recfleet/internal/rule"
	"github.com/loykin/recfleet/internal/store"
	"github.com/loykin/recfleet/internal/target"
)

var ErrCredentialNotFound = errors.New("credential not found")

// Credentials is a resolved username/password pair for a target's
// management endpoint.
type Credentials struct {
	Username string
	Password string
}

// Stored is the redacted public view of a stored credential record.
type Stored struct {
	ID              int64  `json:"id"`
	MatchExpression string `json:"matchExpression"`
	Username        string `json:"username"`
}

type record struct {
	id       int64
	expr     *matchexpr.Expression
	username string
	password string
}

// Resolver answers credential lookups. Stored expressions are evaluated in
// insertion (id) order and the first match wins when a single credential is
// required.
type Resolver struct {
	mu      sync.RWMutex
	st      store.Store
	records []record // sorted by id ascending
	logger  *slog.Logger
}

func NewResolver(st store.Store, logger *slog.Logger) *Resolver {
	if st == nil {
		st = store.NewMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{st: st, logger: logger}
}

// Load restores persisted credentials. Records whose expressions no longer
// compile are skipped with a warning so one bad row cannot abort startup.
func (r *Resolver) Load(ctx context.Context) error {
	recs, err := r.st.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = r.records[:0]
	for _, rec := range recs {
		expr, err := matchexpr.Compile(rec.MatchExpression)
		if err != nil {
			r.logger.Warn("skipping malformed stored credential", "id", rec.ID, "error", err)
			continue
		}
		r.records = append(r.records, record{
			id:       rec.ID,
			expr:     expr,
			username: rec.Username,
			password: rec.Password,
		})
	}
	sort.Slice(r.records, func(i, j int) bool { return r.records[i].id < r.records[j].id })
	return nil
}

// Add validates and stores a credential, returning its store-assigned id.
func (r *Resolver) Add(ctx context.Context, matchExpression, username, password string) (int64, error) {
	if strings.TrimSpace(username) == "" {
		return 0, &rule.ValidationError{Field: "username", Msg: "must not be blank"}
	}
	if strings.TrimSpace(password) == "" {
		return 0, &rule.ValidationError{Field: "password", Msg: "must not be blank"}
	}
	expr, err := matchexpr.Compile(matchExpression)
	if err != nil {
		return 0, &rule.ValidationError{Field: "matchExpression", Msg: err.Error()}
	}

	id, err := r.st.InsertCredential(ctx, store.CredentialRecord{
		MatchExpression: matchExpression,
		Username:        username,
		Password:        password,
	})
	if err != nil {
		return 0, fmt.Errorf("persist credential: %w", err)
	}

	r.mu.Lock()
	r.records = append(r.records, record{id: id, expr: expr, username: username, password: password})
	sort.Slice(r.records, func(i, j int) bool { return r.records[i].id < r.records[j].id })
	r.mu.Unlock()
	return id, nil
}

// Remove deletes a stored credential by id.
func (r *Resolver) Remove(ctx context.Context, id int64) error {
	ok, err := r.st.DeleteCredential(ctx, id)
	if err != nil {
		return fmt.Errorf("delete credential %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrCredentialNotFound, id)
	}
	r.mu.Lock()
	for i, rec := range r.records {
		if rec.id == id {
			r.records = append(r.records[:i], r.records[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return nil
}

// Resolve returns the first stored credential whose expression matches ref.
func (r *Resolver) Resolve(ref target.ServiceRef) (*Credentials, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		ok, err := rec.expr.Matches(ref)
		if err != nil || !ok {
			continue
		}
		return &Credentials{Username: rec.username, Password: rec.password}, true
	}
	return nil, false
}

// List returns redacted views of all stored credentials in id order.
func (r *Resolver) List() []Stored {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stored, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, Stored{ID: rec.id, MatchExpression: rec.expr.Source(), Username: rec.username})
	}
	return out
}

// MatchingTargets is the inverse query: the subset of refs matched by the
// stored credential with the given id.
func (r *Resolver) MatchingTargets(id int64, refs []target.ServiceRef) ([]target.ServiceRef, error) {
	r.mu.RLock()
	var expr *matchexpr.Expression
	for _, rec := range r.records {
		if rec.id == id {
			expr = rec.expr
			break
		}
	}
	r.mu.RUnlock()
	if expr == nil {
		return nil, fmt.Errorf("%w: %d", ErrCredentialNotFound, id)
	}
	var out []target.ServiceRef
	for _, ref := range refs {
		if ok, err := expr.Matches(ref); err == nil && ok {
			out = append(out, ref)
		}
	}
	return out, nil
}
