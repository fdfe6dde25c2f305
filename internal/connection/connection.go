// Package connection multiplexes rule and API callers onto a small number
// of live, authenticated connections to target management endpoints. The
// wire protocol itself is external: transports implement Client and
// register a Dialer per URI scheme.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/loykin/recfleet/internal/credentials"
	"github.com/loykin/recfleet/internal/target"
)

var (
	// ErrConnectionFailure marks a target as unreachable or the protocol
	// exchange as broken.
	ErrConnectionFailure = errors.New("target connection failure")
	// ErrAuthFailure marks a reachable endpoint that rejected (or required)
	// credentials. Callers react differently to the two, so the distinction
	// is part of the contract.
	ErrAuthFailure = errors.New("target authentication failure")
)

// Descriptor identifies a live or leasable connection: the target plus the
// credentials (possibly nil) to authenticate with.
type Descriptor struct {
	ServiceRef  target.ServiceRef
	Credentials *credentials.Credentials
}

// TargetID returns the identity key of the described target.
func (d Descriptor) TargetID() string { return d.ServiceRef.TargetID() }

// RecordingOptions configure a continuous recording start. Zero values mean
// "unbounded/disabled" for the corresponding knob.
type RecordingOptions struct {
	Name          string
	TemplateName  string
	TemplateType  string
	MaxAgeSeconds int
	MaxSizeBytes  int64
	// Replace restarts an existing recording of the same name instead of
	// failing, making rule re-activation idempotent at the target.
	Replace bool
}

// RecordingDescriptor describes a recording that exists on the target.
type RecordingDescriptor struct {
	Name      string
	State     string
	StartTime time.Time
}

// Client is a live connection to one target's management endpoint. The
// manager is the sole owner of its lifecycle; callers only see it inside an
// executed task.
type Client interface {
	StartRecording(ctx context.Context, opts RecordingOptions) (RecordingDescriptor, error)
	SnapshotRecording(ctx context.Context) (RecordingDescriptor, error)
	ListRecordings(ctx context.Context) ([]RecordingDescriptor, error)
	ReadRecording(ctx context.Context, name string) (io.ReadCloser, error)
	CloseRecording(ctx context.Context, name string) error
	Close() error
}

// Dialer establishes a connection for a descriptor. Implementations must
// wrap unreachable/protocol errors with ErrConnectionFailure and credential
// rejections with ErrAuthFailure.
type Dialer func(ctx context.Context, desc Descriptor) (Client, error)

var (
	dialersMu sync.RWMutex
	dialers   = map[string]Dialer{}
)

// RegisterDialer installs a transport for connect URIs with the given
// scheme prefix (e.g. "service:jmx"). Embedders call this at init time.
func RegisterDialer(scheme string, d Dialer) {
	dialersMu.Lock()
	defer dialersMu.Unlock()
	dialers[scheme] = d
}

// DialerFor selects the registered dialer whose scheme prefixes uri.
func DialerFor(uri string) (Dialer, error) {
	dialersMu.RLock()
	defer dialersMu.RUnlock()
	var best string
	for scheme := range dialers {
		if strings.HasPrefix(uri, scheme) && len(scheme) > len(best) {
			best = scheme
		}
	}
	if best == "" {
		return nil, fmt.Errorf("%w: no transport registered for %q", ErrConnectionFailure, uri)
	}
	return dialers[best], nil
}
