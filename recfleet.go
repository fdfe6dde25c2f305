// Package recfleet is a control plane for fleets of JVMs: it discovers
// targets, matches them against declarative rules, and drives flight
// recorder recording and archival lifecycle on every match.
package recfleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/recfleet/internal/archiver"
	cfg "github.com/loykin/recfleet/internal/config"
	"github.com/loykin/recfleet/internal/connection"
	"github.com/loykin/recfleet/internal/credentials"
	"github.com/loykin/recfleet/internal/history"
	hfactory "github.com/loykin/recfleet/internal/history/factory"
	"github.com/loykin/recfleet/internal/logger"
	"github.com/loykin/recfleet/internal/metadata"
	"github.com/loykin/recfleet/internal/metrics"
	"github.com/loykin/recfleet/internal/notify"
	"github.com/loykin/recfleet/internal/processor"
	"github.com/loykin/recfleet/internal/rule"
	iapi "github.com/loykin/recfleet/internal/server"
	"github.com/loykin/recfleet/internal/store"
	sfactory "github.com/loykin/recfleet/internal/store/factory"
	"github.com/loykin/recfleet/internal/target"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Rule = rule.Rule

type ServiceRef = target.ServiceRef

type DiscoveryEvent = target.DiscoveryEvent

type StoredCredential = credentials.Stored

type Credentials = credentials.Credentials

type ConnectionClient = connection.Client

type ConnectionDescriptor = connection.Descriptor

type Dialer = connection.Dialer

type RecordingOptions = connection.RecordingOptions

type RecordingDescriptor = connection.RecordingDescriptor

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Config = cfg.FileConfig

// RegisterDialer installs a wire transport for connect URIs with the given
// scheme prefix. Embedders must register one before any matching target is
// activated.
func RegisterDialer(scheme string, d Dialer) { connection.RegisterDialer(scheme, d) }

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// Daemon assembles the whole control plane: discovery, rule registry,
// credentials, connections, archival and the HTTP API.
type Daemon struct {
	cfg      *cfg.FileConfig
	platform *target.StaticClient
	rules    *rule.Registry
	creds    *credentials.Resolver
	mgr      *connection.Manager
	helper   *archiver.FSHelper
	md       *metadata.Store
	sink     history.Sink
	proc     *processor.Processor
	st       store.Store
	httpSrv  *http.Server
}

// New builds a daemon from config without starting it.
func New(c *cfg.FileConfig) (*Daemon, error) {
	log := logger.New(c.Log)

	st, err := sfactory.New(c.StoreSettings())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("prepare store: %w", err)
	}

	registry := rule.NewRegistry(st, log)
	if err := registry.Load(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load rules: %w", err)
	}
	creds := credentials.NewResolver(st, log)
	if err := creds.Load(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	md, err := metadata.NewStore(c.MetadataDir, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := md.Load(); err != nil {
		_ = st.Close()
		return nil, err
	}

	var mgrOpts []connection.Option
	mgrOpts = append(mgrOpts, connection.WithLogger(log))
	if c.Connection.IdleTTL > 0 {
		mgrOpts = append(mgrOpts, connection.WithIdleTTL(c.Connection.IdleTTL))
	}
	mgr := connection.NewManager(mgrOpts...)

	helper, err := archiver.NewFSHelper(c.Archive.Dir, mgr)
	if err != nil {
		mgr.Stop()
		_ = st.Close()
		return nil, err
	}

	sink, err := hfactory.NewSinkFromDSN(c.HistoryDSN)
	if err != nil {
		mgr.Stop()
		_ = st.Close()
		return nil, fmt.Errorf("open history sink: %w", err)
	}

	platform := target.NewStaticClient(notify.Slog{Logger: log})
	proc := processor.New(processor.Config{
		Platform:    platform,
		Rules:       registry,
		Credentials: creds,
		Connections: mgr,
		Archives:    helper,
		Metadata:    md,
		History:     sink,
		Logger:      log,
	})

	return &Daemon{
		cfg:      c,
		platform: platform,
		rules:    registry,
		creds:    creds,
		mgr:      mgr,
		helper:   helper,
		md:       md,
		sink:     sink,
		proc:     proc,
		st:       st,
	}, nil
}

// Start begins event processing, seeds configured rules and targets, and
// serves the HTTP API.
func (d *Daemon) Start() error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	d.proc.Start()

	for _, r := range d.cfg.Rules {
		if err := d.rules.Add(context.Background(), r); err != nil && !errors.Is(err, rule.ErrRuleExists) {
			return fmt.Errorf("seed rule %s: %w", r.Name, err)
		}
	}
	for _, t := range d.cfg.Targets {
		ref := target.ServiceRef{ConnectURI: t.ConnectURL, Alias: t.Alias, Annotations: t.Annotations}
		if err := d.platform.Appear(ref); err != nil {
			return fmt.Errorf("seed target %s: %w", t.ConnectURL, err)
		}
	}

	router := iapi.NewRouter(d.rules, d.creds, d.platform, d.proc)
	d.httpSrv = iapi.NewServer(d.cfg.Listen, router)
	return nil
}

// Stop shuts the daemon down in dependency order.
func (d *Daemon) Stop(ctx context.Context) error {
	var first error
	if d.httpSrv != nil {
		if err := d.httpSrv.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	d.proc.Stop()
	d.mgr.Stop()
	if err := d.sink.Close(); err != nil && first == nil {
		first = err
	}
	if err := d.st.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Embedding surface: discovery and CRUD without going through HTTP.

func (d *Daemon) AppearTarget(ref ServiceRef) error { return d.platform.Appear(ref) }
func (d *Daemon) DisappearTarget(connectURI string) { d.platform.Disappear(connectURI) }
func (d *Daemon) Targets() []ServiceRef             { return d.platform.ListDiscoverableServices() }
func (d *Daemon) AddRule(ctx context.Context, r Rule) error {
	return d.rules.Add(ctx, r)
}
func (d *Daemon) RemoveRule(ctx context.Context, name string) error {
	return d.rules.Remove(ctx, name)
}
func (d *Daemon) Rules() []Rule { return d.rules.List() }
func (d *Daemon) AddCredential(ctx context.Context, matchExpression, username, password string) (int64, error) {
	return d.creds.Add(ctx, matchExpression, username, password)
}
func (d *Daemon) RemoveCredential(ctx context.Context, id int64) error {
	return d.creds.Remove(ctx, id)
}
func (d *Daemon) Credentials() []StoredCredential { return d.creds.List() }

// ActiveTasks reports scheduled archival tasks per target.
func (d *Daemon) ActiveTasks() map[string][]string { return d.proc.ActiveTasks() }

