package archiver

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loykin/recfleet/internal/connection"
	"github.com/loykin/recfleet/internal/credentials"
	"github.com/loykin/recfleet/internal/metadata"
	"github.com/loykin/recfleet/internal/rule"
	"github.com/loykin/recfleet/internal/target"
)

type fakeHelper struct {
	mu       sync.Mutex
	seq      uint64
	saved    map[string][]ArchivedRecording
	saveErr  error
	lastDesc connection.Descriptor
}

func newFakeHelper() *fakeHelper {
	return &fakeHelper{saved: map[string][]ArchivedRecording{}}
}

func (f *fakeHelper) Save(_ context.Context, desc connection.Descriptor, recordingName string) (ArchivedRecording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDesc = desc
	if f.saveErr != nil {
		return ArchivedRecording{}, f.saveErr
	}
	f.seq++
	now := time.Now().UTC()
	a := ArchivedRecording{
		Name:    fmt.Sprintf("%s_%s_%d.jfr", recordingName, now.Format("20060102T150405Z"), f.seq),
		Seq:     f.seq,
		SavedAt: now,
	}
	f.saved[desc.TargetID()] = append(f.saved[desc.TargetID()], a)
	return a, nil
}

func (f *fakeHelper) List(_ context.Context, targetID string) ([]ArchivedRecording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ArchivedRecording(nil), f.saved[targetID]...), nil
}

func (f *fakeHelper) Delete(_ context.Context, targetID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.saved[targetID][:0]
	for _, a := range f.saved[targetID] {
		if a.Name != name {
			kept = append(kept, a)
		}
	}
	f.saved[targetID] = kept
	return nil
}

type fixedCreds struct {
	c *credentials.Credentials
}

func (f fixedCreds) Resolve(target.ServiceRef) (*credentials.Credentials, bool) {
	return f.c, f.c != nil
}

func archiveRule(preserved int) rule.Rule {
	return rule.Rule{
		Name:                  "demo",
		MatchExpression:       `target.alias == "demo.Main"`,
		EventSpecifier:        "template=Continuous,type=TARGET",
		ArchivalPeriodSeconds: 30,
		PreservedArchives:     preserved,
	}
}

func demoRef() target.ServiceRef {
	return target.ServiceRef{ConnectURI: "jmx://demo:9091", Alias: "demo.Main"}
}

func TestRetentionKeepsNewest(t *testing.T) {
	h := newFakeHelper()
	p := NewPeriodic(demoRef(), archiveRule(2), fixedCreds{}, h, nil, nil, nil, nil)

	for i := 0; i < 3; i++ {
		p.Run()
	}
	list, _ := h.List(context.Background(), demoRef().TargetID())
	if len(list) != 2 {
		t.Fatalf("retained %d archives, want 2", len(list))
	}
	if list[0].Seq != 2 || list[1].Seq != 3 {
		t.Fatalf("retained wrong archives: %+v", list)
	}
}

func TestRetentionScopedToRule(t *testing.T) {
	h := newFakeHelper()
	ctx := context.Background()
	desc := connection.Descriptor{ServiceRef: demoRef()}
	// another rule's archives share the target directory
	for i := 0; i < 3; i++ {
		if _, err := h.Save(ctx, desc, "auto_keeper"); err != nil {
			t.Fatalf("seed save %d: %v", i, err)
		}
	}

	r := archiveRule(1)
	r.Name = "pruner"
	p := NewPeriodic(demoRef(), r, fixedCreds{}, h, nil, nil, nil, nil)
	p.Run()

	list, _ := h.List(ctx, demoRef().TargetID())
	var keeper, pruner int
	for _, a := range list {
		switch rec, _, _, _ := parseArchiveName(a.Name); rec {
		case "auto_keeper":
			keeper++
		case "auto_pruner":
			pruner++
		}
	}
	if keeper != 3 {
		t.Fatalf("another rule's archives were evicted: %d remain, want 3", keeper)
	}
	if pruner != 1 {
		t.Fatalf("own archives = %d, want 1", pruner)
	}
}

func TestCredentialsResolvedPerRun(t *testing.T) {
	h := newFakeHelper()
	creds := &credentials.Credentials{Username: "admin", Password: "secret"}
	p := NewPeriodic(demoRef(), archiveRule(1), fixedCreds{c: creds}, h, nil, nil, nil, nil)
	p.Run()
	if h.lastDesc.Credentials == nil || h.lastDesc.Credentials.Username != "admin" {
		t.Fatalf("credentials not threaded into save: %+v", h.lastDesc.Credentials)
	}
}

func TestAuthFailureImmediatelyTerminal(t *testing.T) {
	h := newFakeHelper()
	h.saveErr = fmt.Errorf("%w: bad credentials", connection.ErrAuthFailure)
	var failures int
	p := NewPeriodic(demoRef(), archiveRule(1), fixedCreds{}, h, nil, nil,
		func(target.ServiceRef, rule.Rule) { failures++ }, nil)
	p.Run()
	if failures != 1 {
		t.Fatalf("auth failure must be terminal on the first run, callbacks = %d", failures)
	}
}

func TestConnectionFailureTerminalAfterTwo(t *testing.T) {
	h := newFakeHelper()
	h.saveErr = fmt.Errorf("%w: no route", connection.ErrConnectionFailure)
	var failures int
	p := NewPeriodic(demoRef(), archiveRule(1), fixedCreds{}, h, nil, nil,
		func(target.ServiceRef, rule.Rule) { failures++ }, nil)

	p.Run()
	if failures != 0 {
		t.Fatalf("single connection failure must not be terminal")
	}
	p.Run()
	if failures != 1 {
		t.Fatalf("two consecutive connection failures must be terminal, callbacks = %d", failures)
	}
}

func TestSuccessResetsConnectionFailureCount(t *testing.T) {
	h := newFakeHelper()
	connErr := fmt.Errorf("%w: no route", connection.ErrConnectionFailure)
	var failures int
	p := NewPeriodic(demoRef(), archiveRule(1), fixedCreds{}, h, nil, nil,
		func(target.ServiceRef, rule.Rule) { failures++ }, nil)

	h.saveErr = connErr
	p.Run()
	h.saveErr = nil
	p.Run()
	h.saveErr = connErr
	p.Run()
	if failures != 0 {
		t.Fatalf("success must reset the consecutive failure count, callbacks = %d", failures)
	}
	p.Run()
	if failures != 1 {
		t.Fatalf("expected terminal failure after two more consecutive failures")
	}
}

func TestSaveOnceToleratesMetadataCopyFailure(t *testing.T) {
	dir := t.TempDir()
	md, err := metadata.NewStore(dir, nil)
	if err != nil {
		t.Fatalf("metadata store: %v", err)
	}
	// make the label copy fail without touching the archive itself
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove metadata dir: %v", err)
	}

	h := newFakeHelper()
	archived, err := SaveOnce(context.Background(), streamManager(t), h, md, demoDesc(), archiveRule(1), nil)
	if err != nil {
		t.Fatalf("archive landed but save reported failure: %v", err)
	}
	if archived.Name == "" {
		t.Fatalf("archived = %+v", archived)
	}
	list, _ := h.List(context.Background(), demoDesc().TargetID())
	if len(list) != 1 {
		t.Fatalf("archives = %+v", list)
	}
}

func TestArchivalCopiesMetadataLabels(t *testing.T) {
	h := newFakeHelper()
	md, err := metadata.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("metadata store: %v", err)
	}
	labels := metadata.New()
	labels.Labels["rule"] = "demo"
	if err := md.Set(demoRef().TargetID(), "auto_demo", labels); err != nil {
		t.Fatalf("set labels: %v", err)
	}

	p := NewPeriodic(demoRef(), archiveRule(1), fixedCreds{}, h, md, nil, nil, nil)
	p.Run()

	list, _ := h.List(context.Background(), demoRef().TargetID())
	if len(list) != 1 {
		t.Fatalf("archives = %+v", list)
	}
	got := md.Get(metadata.ArchivesTarget, list[0].Name)
	if got.Labels["rule"] != "demo" {
		t.Fatalf("archived labels = %+v", got)
	}
}
