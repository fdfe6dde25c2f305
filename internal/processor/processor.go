// Package processor reacts to target discovery and rule registry changes by
// driving recording and archival lifecycle on matching targets.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/recfleet/internal/archiver"
	"github.com/loykin/recfleet/internal/connection"
	"github.com/loykin/recfleet/internal/history"
	"github.com/loykin/recfleet/internal/metadata"
	"github.com/loykin/recfleet/internal/metrics"
	"github.com/loykin/recfleet/internal/rule"
	"github.com/loykin/recfleet/internal/target"
)

// taskKey identifies one scheduled archival task. One task may exist per
// (target, rule) pair at a time.
type taskKey struct {
	targetURI string
	ruleName  string
}

// Config wires the processor's collaborators.
type Config struct {
	Platform    target.Client
	Rules       *rule.Registry
	Credentials archiver.CredentialSource
	Connections *connection.Manager
	Archives    archiver.Helper
	Metadata    *metadata.Store
	History     history.Sink
	Logger      *slog.Logger
}

// Processor subscribes to discovery and registry events and owns the
// archival task schedule. Blocking work runs on worker goroutines so event
// emitters never stall on target I/O.
type Processor struct {
	platform target.Client
	rules    *rule.Registry
	creds    archiver.CredentialSource
	mgr      *connection.Manager
	helper   archiver.Helper
	md       *metadata.Store
	sink     history.Sink
	logger   *slog.Logger

	cron *cron.Cron

	mu    sync.Mutex
	tasks map[taskKey]cron.EntryID

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	discoverID int64
	registryID int64
	started    bool
}

func New(cfg Config) *Processor {
	if cfg.History == nil {
		cfg.History = history.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		platform: cfg.Platform,
		rules:    cfg.Rules,
		creds:    cfg.Credentials,
		mgr:      cfg.Connections,
		helper:   cfg.Archives,
		md:       cfg.Metadata,
		sink:     cfg.History,
		logger:   cfg.Logger,
		cron:     cron.New(),
		tasks:    map[taskKey]cron.EntryID{},
	}
}

// Start subscribes to both event sources, activates rules against every
// already-known target, and starts the archival scheduler.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	p.discoverID = p.platform.AddDiscoveryListener(p.OnDiscovery)
	p.registryID = p.rules.AddListener(p.onRuleEvent)
	p.cron.Start()

	// Catch up on state that existed before the subscriptions.
	for _, ref := range p.platform.ListDiscoverableServices() {
		for _, r := range p.rules.MatchingRules(ref) {
			p.spawnActivation(ref, r)
		}
	}
}

// Stop unsubscribes, halts the scheduler and waits for in-flight
// activations. Archival runs already started by cron are allowed to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	p.platform.RemoveDiscoveryListener(p.discoverID)
	p.rules.RemoveListener(p.registryID)
	<-p.cron.Stop().Done()
	p.cancel()
	p.wg.Wait()
}

// OnDiscovery handles a target appearing or disappearing. Kinds outside the
// discovery contract are a programming error.
func (p *Processor) OnDiscovery(evt target.DiscoveryEvent) {
	switch evt.Kind {
	case target.EventFound:
		p.recordDiscovery(history.EventFound, evt.ServiceRef)
		for _, r := range p.rules.MatchingRules(evt.ServiceRef) {
			p.spawnActivation(evt.ServiceRef, r)
		}
	case target.EventLost:
		p.recordDiscovery(history.EventLost, evt.ServiceRef)
		p.deactivate("", evt.ServiceRef.ConnectURI)
	default:
		panic(fmt.Sprintf("unknown discovery event kind %q", evt.Kind))
	}
	metrics.SetDiscoveredTargets(len(p.platform.ListDiscoverableServices()))
}

func (p *Processor) onRuleEvent(evt rule.Event) {
	switch evt.Type {
	case rule.EventAdded:
		for _, ref := range p.platform.ListDiscoverableServices() {
			if ok, err := p.rules.Applies(evt.Rule.Name, ref); err == nil && ok {
				p.spawnActivation(ref, evt.Rule)
			}
		}
	case rule.EventRemoved:
		p.deactivate(evt.Rule.Name, "")
	default:
		panic(fmt.Sprintf("unknown registry event type %q", evt.Type))
	}
}

func (p *Processor) spawnActivation(ref target.ServiceRef, r rule.Rule) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.activate(p.ctx, ref, r)
	}()
}

// activate applies one rule to one target. Failures are logged and leave
// the pair inactive; they never propagate to the event source.
func (p *Processor) activate(ctx context.Context, ref target.ServiceRef, r rule.Rule) {
	desc := connection.Descriptor{ServiceRef: ref}
	if c, ok := p.creds.Resolve(ref); ok {
		desc.Credentials = c
	}

	if r.Archiver {
		archived, err := archiver.SaveOnce(ctx, p.mgr, p.helper, p.md, desc, r, p.logger)
		if err != nil {
			metrics.IncActivationFailure(r.Name)
			p.logger.Warn("one-shot archival failed", "target", ref.ConnectURI, "rule", r.Name, "error", err)
			return
		}
		metrics.IncActivation(r.Name)
		metrics.IncArchiveSaved(r.Name)
		_ = p.sink.Send(ctx, history.Event{
			Type: history.EventArchival, OccurredAt: archived.SavedAt,
			TargetID: ref.TargetID(), Alias: ref.Alias, Rule: r.Name, Detail: archived.Name,
		})
		p.logger.Info("archived snapshot", "target", ref.ConnectURI, "rule", r.Name, "archive", archived.Name)
		return
	}

	if err := p.startRecording(ctx, desc, r); err != nil {
		metrics.IncActivationFailure(r.Name)
		p.logger.Warn("rule activation failed", "target", ref.ConnectURI, "rule", r.Name, "error", err)
		return
	}
	metrics.IncActivation(r.Name)
	_ = p.sink.Send(ctx, history.Event{
		Type: history.EventActivation, OccurredAt: time.Now(),
		TargetID: ref.TargetID(), Alias: ref.Alias, Rule: r.Name, Recording: r.RecordingName(),
	})
	p.logger.Info("activated rule", "target", ref.ConnectURI, "rule", r.Name, "recording", r.RecordingName())

	if r.ArchivalEnabled() {
		p.scheduleArchival(ref, r)
	}
}

func (p *Processor) startRecording(ctx context.Context, desc connection.Descriptor, r rule.Rule) error {
	tmpl, tmplType, err := r.EventTemplate()
	if err != nil {
		return err
	}
	opts := connection.RecordingOptions{
		Name:         r.RecordingName(),
		TemplateName: tmpl,
		TemplateType: tmplType,
		Replace:      true,
	}
	if r.MaxAgeSeconds > 0 {
		opts.MaxAgeSeconds = r.MaxAgeSeconds
	}
	if r.MaxSizeBytes > 0 {
		opts.MaxSizeBytes = r.MaxSizeBytes
	}
	if _, err := p.mgr.ExecuteConnectedTask(ctx, desc, true, func(ctx context.Context, c connection.Client) (any, error) {
		return c.StartRecording(ctx, opts)
	}); err != nil {
		return err
	}

	if p.md != nil {
		labels := p.md.Get(desc.TargetID(), r.RecordingName())
		labels.Labels["rule"] = r.Name
		if err := p.md.Set(desc.TargetID(), r.RecordingName(), labels); err != nil {
			p.logger.Warn("stamping rule label", "target", desc.TargetID(), "rule", r.Name, "error", err)
		}
	}
	return nil
}

// scheduleArchival installs the periodic archiver for the pair unless one
// is already scheduled. Check and insert happen under one lock so a
// duplicate activation can never yield a second task.
func (p *Processor) scheduleArchival(ref target.ServiceRef, r rule.Rule) {
	key := taskKey{targetURI: ref.ConnectURI, ruleName: r.Name}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tasks[key]; exists {
		return
	}
	// The activation worker may have lost a race with a LOST or rule
	// removal: deactivate already ran and found nothing to cancel, so
	// inserting now would leave a task nothing will ever remove. Platform
	// and registry state both change before those events are dispatched,
	// so re-checking here under the task lock closes the window.
	if !p.pairLive(ref, r) {
		p.logger.Debug("skipping archival schedule for deactivated pair", "target", ref.ConnectURI, "rule", r.Name)
		return
	}
	pa := archiver.NewPeriodic(ref, r, p.creds, p.helper, p.md, p.sink,
		func(ref target.ServiceRef, r rule.Rule) { p.deactivate(r.Name, ref.ConnectURI) },
		p.logger)
	id, err := p.cron.AddJob(fmt.Sprintf("@every %ds", r.ArchivalPeriodSeconds), pa)
	if err != nil {
		p.logger.Error("scheduling periodic archival", "target", ref.ConnectURI, "rule", r.Name, "error", err)
		return
	}
	p.tasks[key] = id
	metrics.AddActiveTasks(1)
	p.logger.Debug("scheduled periodic archival", "target", ref.ConnectURI, "rule", r.Name,
		"period", time.Duration(r.ArchivalPeriodSeconds)*time.Second)
}

// pairLive reports whether the target is still discoverable and the rule
// still registered.
func (p *Processor) pairLive(ref target.ServiceRef, r rule.Rule) bool {
	if _, err := p.rules.Get(r.Name); err != nil {
		return false
	}
	for _, known := range p.platform.ListDiscoverableServices() {
		if known.ConnectURI == ref.ConnectURI {
			return true
		}
	}
	return false
}

// deactivate cancels every task matching the rule name or the target URI.
// Empty selectors match nothing on that axis. Removal from the schedule is
// synchronous with the map mutation; a run already in flight may complete.
func (p *Processor) deactivate(ruleName, targetURI string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, id := range p.tasks {
		if (ruleName != "" && key.ruleName == ruleName) || (targetURI != "" && key.targetURI == targetURI) {
			p.cron.Remove(id)
			delete(p.tasks, key)
			metrics.AddActiveTasks(-1)
			p.logger.Debug("cancelled periodic archival", "target", key.targetURI, "rule", key.ruleName)
		}
	}
}

// ActiveTasks reports the scheduled (target, rule) pairs. Used by the API
// and tests.
func (p *Processor) ActiveTasks() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string][]string{}
	for key := range p.tasks {
		out[key.targetURI] = append(out[key.targetURI], key.ruleName)
	}
	return out
}

func (p *Processor) recordDiscovery(t history.EventType, ref target.ServiceRef) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.sink.Send(p.ctx, history.Event{
			Type: t, OccurredAt: time.Now(), TargetID: ref.TargetID(), Alias: ref.Alias,
		})
	}()
}
