// Package archiver copies target recordings into archive storage and runs
// the periodic archival loop for rules that retain archives.
package archiver

import (
	"context"
	"encoding/base32"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loykin/recfleet/internal/connection"
)

// ArchivedRecording is one stored copy of a recording. Seq increases with
// every save, so ordering by Seq is the FIFO order even when two saves
// share a timestamp.
type ArchivedRecording struct {
	Name    string
	Seq     uint64
	SavedAt time.Time
}

// Helper is the archive storage contract. Implementations must hand out
// strictly increasing sequence numbers across saves.
type Helper interface {
	Save(ctx context.Context, desc connection.Descriptor, recordingName string) (ArchivedRecording, error)
	List(ctx context.Context, targetID string) ([]ArchivedRecording, error)
	Delete(ctx context.Context, targetID, name string) error
}

// FSHelper archives recordings as files under dir, one subdirectory per
// target. It streams recording data through the connection manager.
type FSHelper struct {
	dir string
	mgr *connection.Manager
	seq atomic.Uint64
}

func NewFSHelper(dir string, mgr *connection.Manager) (*FSHelper, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	h := &FSHelper{dir: dir, mgr: mgr}
	// Resume the sequence above anything already on disk so ordering
	// survives restarts.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan archive dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if _, seq, _, ok := parseArchiveName(f.Name()); ok && seq > h.seq.Load() {
				h.seq.Store(seq)
			}
		}
	}
	return h, nil
}

// Save copies the named recording's current contents into the archive and
// returns the stored entry.
func (h *FSHelper) Save(ctx context.Context, desc connection.Descriptor, recordingName string) (ArchivedRecording, error) {
	seq := h.seq.Add(1)
	now := time.Now().UTC()
	name := fmt.Sprintf("%s_%s_%d.jfr", recordingName, now.Format("20060102T150405Z"), seq)

	tdir := filepath.Join(h.dir, encodeTargetID(desc.TargetID()))
	if err := os.MkdirAll(tdir, 0o755); err != nil {
		return ArchivedRecording{}, fmt.Errorf("create target archive dir: %w", err)
	}

	_, err := h.mgr.ExecuteConnectedTask(ctx, desc, true, func(ctx context.Context, c connection.Client) (any, error) {
		rc, err := c.ReadRecording(ctx, recordingName)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rc.Close() }()
		f, err := os.Create(filepath.Join(tdir, name))
		if err != nil {
			return nil, fmt.Errorf("create archive file: %w", err)
		}
		if _, err := io.Copy(f, rc); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return nil, fmt.Errorf("stream recording: %w", err)
		}
		return nil, f.Close()
	})
	if err != nil {
		return ArchivedRecording{}, err
	}
	return ArchivedRecording{Name: name, Seq: seq, SavedAt: now}, nil
}

// List returns the target's archives ordered oldest first.
func (h *FSHelper) List(_ context.Context, targetID string) ([]ArchivedRecording, error) {
	tdir := filepath.Join(h.dir, encodeTargetID(targetID))
	files, err := os.ReadDir(tdir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list archives: %w", err)
	}
	var out []ArchivedRecording
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if _, seq, savedAt, ok := parseArchiveName(f.Name()); ok {
			out = append(out, ArchivedRecording{Name: f.Name(), Seq: seq, SavedAt: savedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (h *FSHelper) Delete(_ context.Context, targetID, name string) error {
	p := filepath.Join(h.dir, encodeTargetID(targetID), filepath.Base(name))
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete archive: %w", err)
	}
	return nil
}

func encodeTargetID(id string) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString([]byte(id))
}

// parseArchiveName splits "<recording>_<timestamp>_<seq>.jfr". The
// recording name may itself contain underscores, so parsing works from the
// end.
func parseArchiveName(name string) (recording string, seq uint64, savedAt time.Time, ok bool) {
	base, found := strings.CutSuffix(name, ".jfr")
	if !found {
		return "", 0, time.Time{}, false
	}
	i := strings.LastIndexByte(base, '_')
	if i < 0 {
		return "", 0, time.Time{}, false
	}
	seq, err := strconv.ParseUint(base[i+1:], 10, 64)
	if err != nil {
		return "", 0, time.Time{}, false
	}
	base = base[:i]
	i = strings.LastIndexByte(base, '_')
	if i < 0 {
		return "", 0, time.Time{}, false
	}
	savedAt, err = time.Parse("20060102T150405Z", base[i+1:])
	if err != nil {
		return "", 0, time.Time{}, false
	}
	return base[:i], seq, savedAt, true
}
