package rule

import (
	"context"
	"errors"
	"testing"

	"github.com/loykin/recfleet/internal/store"
	"github.com/loykin/recfleet/internal/target"
)

func validRule(name string) Rule {
	return Rule{
		Name:                  name,
		MatchExpression:       `target.alias == "demo.Main"`,
		EventSpecifier:        "template=Continuous,type=TARGET",
		ArchivalPeriodSeconds: 60,
		PreservedArchives:     3,
	}
}

func TestRuleValidation(t *testing.T) {
	r := validRule("ok")
	if _, err := r.Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	bad := validRule("bad-expr")
	bad.MatchExpression = "=="
	if _, err := bad.Validate(); err == nil {
		t.Fatalf("expected validation error for bad expression")
	} else {
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected *ValidationError, got %T", err)
		}
	}

	bad = validRule("bad-events")
	bad.EventSpecifier = "profile:everything"
	if _, err := bad.Validate(); err == nil {
		t.Fatalf("expected validation error for bad event specifier")
	}

	bad = validRule("")
	if _, err := bad.Validate(); err == nil {
		t.Fatalf("expected validation error for empty name")
	}
}

func TestSanitizeAndRecordingName(t *testing.T) {
	r := validRule("x")
	r.Name = "  my demo  rule "
	r.Sanitize()
	if r.Name != "my_demo_rule" {
		t.Fatalf("sanitized name = %q", r.Name)
	}
	if r.RecordingName() != "auto_my_demo_rule" {
		t.Fatalf("recording name = %q", r.RecordingName())
	}
}

func TestEventTemplate(t *testing.T) {
	r := validRule("x")
	name, typ, err := r.EventTemplate()
	if err != nil {
		t.Fatalf("event template: %v", err)
	}
	if name != "Continuous" || typ != "TARGET" {
		t.Fatalf("got template %q type %q", name, typ)
	}
	r.EventSpecifier = "template=profile"
	name, typ, err = r.EventTemplate()
	if err != nil || name != "profile" || typ != "" {
		t.Fatalf("got template %q type %q err %v", name, typ, err)
	}
}

func TestArchivalEnabled(t *testing.T) {
	r := validRule("x")
	if !r.ArchivalEnabled() {
		t.Fatalf("expected archival enabled")
	}
	r.PreservedArchives = 0
	if r.ArchivalEnabled() {
		t.Fatalf("archival must be disabled with preserved archives <= 0")
	}
	r = validRule("x")
	r.ArchivalPeriodSeconds = 0
	if r.ArchivalEnabled() {
		t.Fatalf("archival must be disabled with period <= 0")
	}
	r = validRule("x")
	r.Archiver = true
	if r.ArchivalEnabled() {
		t.Fatalf("archiver rules never schedule periodic archiving")
	}
}

func TestRegistryAddRemoveEvents(t *testing.T) {
	reg := NewRegistry(store.NewMemory(), nil)
	var events []Event
	reg.AddListener(func(e Event) { events = append(events, e) })

	ctx := context.Background()
	if err := reg.Add(ctx, validRule("r1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	// duplicate name rejected
	if err := reg.Add(ctx, validRule("r1")); !errors.Is(err, ErrRuleExists) {
		t.Fatalf("expected ErrRuleExists, got %v", err)
	}
	if err := reg.Remove(ctx, "r1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := reg.Remove(ctx, "r1"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}

	if len(events) != 2 || events[0].Type != EventAdded || events[1].Type != EventRemoved {
		t.Fatalf("unexpected event sequence: %+v", events)
	}
	if events[0].Rule.Name != "r1" || events[1].Rule.Name != "r1" {
		t.Fatalf("events carry wrong rule: %+v", events)
	}
}

func TestRegistryMatching(t *testing.T) {
	reg := NewRegistry(store.NewMemory(), nil)
	ctx := context.Background()
	if err := reg.Add(ctx, validRule("match")); err != nil {
		t.Fatalf("add: %v", err)
	}
	other := validRule("nomatch")
	other.MatchExpression = `target.alias == "other"`
	if err := reg.Add(ctx, other); err != nil {
		t.Fatalf("add: %v", err)
	}

	ref := target.ServiceRef{ConnectURI: "jmx://demo:9091", Alias: "demo.Main"}
	got := reg.MatchingRules(ref)
	if len(got) != 1 || got[0].Name != "match" {
		t.Fatalf("matching rules = %+v", got)
	}
	ok, err := reg.Applies("match", ref)
	if err != nil || !ok {
		t.Fatalf("applies(match) = %v, %v", ok, err)
	}
	ok, err = reg.Applies("nomatch", ref)
	if err != nil || ok {
		t.Fatalf("applies(nomatch) = %v, %v", ok, err)
	}
	if _, err := reg.Applies("ghost", ref); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestRegistryLoadSkipsMalformed(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	if err := st.SaveRule(ctx, toRecord(validRule("good"))); err != nil {
		t.Fatalf("seed: %v", err)
	}
	broken := toRecord(validRule("broken"))
	broken.MatchExpression = "target.alias =="
	if err := st.SaveRule(ctx, broken); err != nil {
		t.Fatalf("seed: %v", err)
	}

	reg := NewRegistry(st, nil)
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	rules := reg.List()
	if len(rules) != 1 || rules[0].Name != "good" {
		t.Fatalf("expected only the good rule to load, got %+v", rules)
	}
}

func TestRegistryPersistsAcrossInstances(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	reg := NewRegistry(st, nil)
	if err := reg.Add(ctx, validRule("keep")); err != nil {
		t.Fatalf("add: %v", err)
	}

	reg2 := NewRegistry(st, nil)
	if err := reg2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := reg2.Get("keep"); err != nil {
		t.Fatalf("rule did not survive restart: %v", err)
	}
}
