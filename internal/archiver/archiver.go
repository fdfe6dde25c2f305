package archiver

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loykin/recfleet/internal/connection"
	"github.com/loykin/recfleet/internal/credentials"
	"github.com/loykin/recfleet/internal/history"
	"github.com/loykin/recfleet/internal/metadata"
	"github.com/loykin/recfleet/internal/metrics"
	"github.com/loykin/recfleet/internal/rule"
	"github.com/loykin/recfleet/internal/target"
)

// maxConsecutiveConnFailures is the number of connection failures in a row
// after which the target is considered gone and the failure callback fires.
const maxConsecutiveConnFailures = 2

// CredentialSource resolves the current credentials for a target at the
// moment of each archival run.
type CredentialSource interface {
	Resolve(ref target.ServiceRef) (*credentials.Credentials, bool)
}

// PeriodicArchiver archives one rule's recording on one target and prunes
// old copies down to the rule's retention count. It implements cron.Job.
// It never unschedules itself; on a terminal failure it invokes onFailure
// and leaves cancellation to the owner.
type PeriodicArchiver struct {
	ref       target.ServiceRef
	r         rule.Rule
	creds     CredentialSource
	helper    Helper
	md        *metadata.Store
	sink      history.Sink
	onFailure func(ref target.ServiceRef, r rule.Rule)
	logger    *slog.Logger

	mu           sync.Mutex
	connFailures int
}

func NewPeriodic(ref target.ServiceRef, r rule.Rule, creds CredentialSource, helper Helper,
	md *metadata.Store, sink history.Sink, onFailure func(ref target.ServiceRef, r rule.Rule),
	logger *slog.Logger) *PeriodicArchiver {
	if sink == nil {
		sink = history.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PeriodicArchiver{
		ref: ref, r: r, creds: creds, helper: helper,
		md: md, sink: sink, onFailure: onFailure, logger: logger,
	}
}

func (p *PeriodicArchiver) Run() {
	ctx := context.Background()
	recording := p.r.RecordingName()

	desc := connection.Descriptor{ServiceRef: p.ref}
	if c, ok := p.creds.Resolve(p.ref); ok {
		desc.Credentials = c
	}

	archived, err := p.helper.Save(ctx, desc, recording)
	if err != nil {
		p.handleFailure(err)
		return
	}
	p.mu.Lock()
	p.connFailures = 0
	p.mu.Unlock()

	metrics.IncArchiveSaved(p.r.Name)
	if p.md != nil {
		if err := p.md.CopyToArchives(desc.TargetID(), recording, archived.Name); err != nil {
			p.logger.Warn("copying labels to archived recording", "target", desc.TargetID(), "error", err)
		}
	}
	_ = p.sink.Send(ctx, history.Event{
		Type:       history.EventArchival,
		OccurredAt: archived.SavedAt,
		TargetID:   desc.TargetID(),
		Alias:      p.ref.Alias,
		Rule:       p.r.Name,
		Recording:  recording,
		Detail:     archived.Name,
	})
	p.logger.Info("archived recording", "target", desc.TargetID(), "rule", p.r.Name, "archive", archived.Name)

	if err := p.prune(ctx, desc.TargetID()); err != nil {
		p.logger.Warn("pruning archives", "target", desc.TargetID(), "rule", p.r.Name, "error", err)
	}
}

// prune deletes the oldest of this rule's archives until at most
// PreservedArchives remain. Retention is scoped to the (target, rule) pair:
// the target directory also holds other rules' archives, which must never
// count against this rule's budget or be evicted by it. Ordering is by the
// helper's sequence number, oldest first.
func (p *PeriodicArchiver) prune(ctx context.Context, targetID string) error {
	keep := p.r.PreservedArchives
	if keep <= 0 {
		return nil
	}
	archives, err := p.helper.List(ctx, targetID)
	if err != nil {
		return err
	}
	recording := p.r.RecordingName()
	own := archives[:0:0]
	for _, a := range archives {
		if rec, _, _, ok := parseArchiveName(a.Name); ok && rec == recording {
			own = append(own, a)
		}
	}
	for len(own) > keep {
		oldest := own[0]
		if err := p.helper.Delete(ctx, targetID, oldest.Name); err != nil {
			return err
		}
		if p.md != nil {
			_ = p.md.Delete(metadata.ArchivesTarget, oldest.Name)
		}
		p.logger.Debug("pruned archive", "target", targetID, "archive", oldest.Name)
		own = own[1:]
	}
	return nil
}

func (p *PeriodicArchiver) handleFailure(err error) {
	switch {
	case errors.Is(err, connection.ErrAuthFailure):
		metrics.IncArchiveFailure(p.r.Name, "auth")
		p.logger.Warn("archival auth failure", "target", p.ref.TargetID(), "rule", p.r.Name, "error", err)
		p.fail()
	case errors.Is(err, connection.ErrConnectionFailure):
		metrics.IncArchiveFailure(p.r.Name, "connection")
		p.mu.Lock()
		p.connFailures++
		n := p.connFailures
		p.mu.Unlock()
		p.logger.Warn("archival connection failure", "target", p.ref.TargetID(), "rule", p.r.Name,
			"consecutive", n, "error", err)
		if n >= maxConsecutiveConnFailures {
			p.fail()
		}
	default:
		metrics.IncArchiveFailure(p.r.Name, "other")
		p.logger.Warn("archival failure", "target", p.ref.TargetID(), "rule", p.r.Name, "error", err)
	}
}

func (p *PeriodicArchiver) fail() {
	if p.onFailure != nil {
		p.onFailure(p.ref, p.r)
	}
}

// SaveOnce performs a single snapshot-and-save against the target: snapshot
// the active data, stream the snapshot into the archive, then drop the
// snapshot from the target. Used for rules in archiver mode. Once the
// archive has landed the save is a success; a failed label copy is logged,
// not returned.
func SaveOnce(ctx context.Context, mgr *connection.Manager, helper Helper, md *metadata.Store,
	desc connection.Descriptor, r rule.Rule, logger *slog.Logger) (ArchivedRecording, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var snapName string
	_, err := mgr.ExecuteConnectedTask(ctx, desc, true, func(ctx context.Context, c connection.Client) (any, error) {
		snap, err := c.SnapshotRecording(ctx)
		if err != nil {
			return nil, err
		}
		snapName = snap.Name
		return nil, nil
	})
	if err != nil {
		return ArchivedRecording{}, err
	}
	archived, err := helper.Save(ctx, desc, snapName)
	if err != nil {
		return ArchivedRecording{}, err
	}
	_, _ = mgr.ExecuteConnectedTask(ctx, desc, true, func(ctx context.Context, c connection.Client) (any, error) {
		return nil, c.CloseRecording(ctx, snapName)
	})
	if md != nil {
		if err := md.CopyToArchives(desc.TargetID(), snapName, archived.Name); err != nil {
			logger.Warn("copying labels to archived snapshot", "target", desc.TargetID(), "error", err)
		}
	}
	return archived, nil
}
