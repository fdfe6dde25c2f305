package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/loykin/recfleet/internal/rule"
	"github.com/loykin/recfleet/internal/store"
	"github.com/loykin/recfleet/internal/target"
)

func demoRef(alias string) target.ServiceRef {
	return target.ServiceRef{ConnectURI: "jmx://" + alias + ":9091", Alias: alias}
}

func TestAddValidation(t *testing.T) {
	r := NewResolver(store.NewMemory(), nil)
	ctx := context.Background()

	cases := []struct{ expr, user, pass string }{
		{`target.alias == "x"`, "", "secret"},
		{`target.alias == "x"`, "   ", "secret"},
		{`target.alias == "x"`, "admin", ""},
		{`target.alias == "x"`, "admin", "  "},
		{``, "admin", "secret"},
		{`==`, "admin", "secret"},
		{`target.alias ==`, "admin", "secret"},
	}
	for _, tc := range cases {
		_, err := r.Add(ctx, tc.expr, tc.user, tc.pass)
		if err == nil {
			t.Fatalf("expected rejection for %+v", tc)
		}
		var ve *rule.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected *ValidationError for %+v, got %T", tc, err)
		}
	}

	if _, err := r.Add(ctx, `target.alias == "demo.Main"`, "admin", "secret"); err != nil {
		t.Fatalf("valid credential rejected: %v", err)
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	r := NewResolver(store.NewMemory(), nil)
	ctx := context.Background()
	id1, err := r.Add(ctx, `target.alias == "demo.Main"`, "first", "p1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id2, err := r.Add(ctx, `target.alias != ""`, "second", "p2")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("ids must be monotonic: %d then %d", id1, id2)
	}

	c, ok := r.Resolve(demoRef("demo.Main"))
	if !ok || c.Username != "first" {
		t.Fatalf("resolve = %+v, %v; want first match", c, ok)
	}
	// only the catch-all matches this target
	c, ok = r.Resolve(demoRef("other"))
	if !ok || c.Username != "second" {
		t.Fatalf("resolve = %+v, %v; want second", c, ok)
	}

	if err := r.Remove(ctx, id1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	c, ok = r.Resolve(demoRef("demo.Main"))
	if !ok || c.Username != "second" {
		t.Fatalf("after removal resolve = %+v, %v", c, ok)
	}
}

func TestResolveAbsentWhenNoneStored(t *testing.T) {
	r := NewResolver(store.NewMemory(), nil)
	if c, ok := r.Resolve(demoRef("demo.Main")); ok || c != nil {
		t.Fatalf("expected absent credentials, got %+v", c)
	}
}

func TestRemoveUnknown(t *testing.T) {
	r := NewResolver(store.NewMemory(), nil)
	if err := r.Remove(context.Background(), 42); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestMatchingTargets(t *testing.T) {
	r := NewResolver(store.NewMemory(), nil)
	ctx := context.Background()
	id, err := r.Add(ctx, `target.alias == "demo.Main"`, "admin", "secret")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	refs := []target.ServiceRef{demoRef("demo.Main"), demoRef("other")}
	got, err := r.MatchingTargets(id, refs)
	if err != nil {
		t.Fatalf("matching targets: %v", err)
	}
	if len(got) != 1 || got[0].Alias != "demo.Main" {
		t.Fatalf("matching targets = %+v", got)
	}
	if _, err := r.MatchingTargets(999, refs); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestListRedactsPassword(t *testing.T) {
	r := NewResolver(store.NewMemory(), nil)
	if _, err := r.Add(context.Background(), `target.alias == "x"`, "admin", "hunter2"); err != nil {
		t.Fatalf("add: %v", err)
	}
	list := r.List()
	if len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}
	if list[0].Username != "admin" || list[0].MatchExpression == "" {
		t.Fatalf("list entry = %+v", list[0])
	}
}

func TestLoadRestoresInsertionOrder(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	r := NewResolver(st, nil)
	if _, err := r.Add(ctx, `target.alias != ""`, "early", "p"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := r.Add(ctx, `target.alias != ""`, "late", "p"); err != nil {
		t.Fatalf("add: %v", err)
	}

	r2 := NewResolver(st, nil)
	if err := r2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	c, ok := r2.Resolve(demoRef("any"))
	if !ok || c.Username != "early" {
		t.Fatalf("restored resolution order broken: %+v, %v", c, ok)
	}
}

func TestLoadSkipsAndLogsMalformedRecords(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	goodID, err := st.InsertCredential(ctx, store.CredentialRecord{
		MatchExpression: `target.alias != ""`, Username: "admin", Password: "secret",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	badID, err := st.InsertCredential(ctx, store.CredentialRecord{
		MatchExpression: `target.alias ==`, Username: "stale", Password: "secret",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var buf bytes.Buffer
	r := NewResolver(st, slog.New(slog.NewTextHandler(&buf, nil)))
	if err := r.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	list := r.List()
	if len(list) != 1 || list[0].ID != goodID {
		t.Fatalf("restored records = %+v", list)
	}
	if !strings.Contains(buf.String(), fmt.Sprintf("id=%d", badID)) {
		t.Fatalf("skipped record not logged with its id: %q", buf.String())
	}
}
