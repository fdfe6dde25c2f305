// Package metadata indexes recording label metadata by (targetId,
// recordingName). It never owns target or recording lifecycle and tolerates
// dangling entries for targets that have disappeared.
package metadata

import (
	"encoding/base32"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/loykin/recfleet/internal/rule"
)

// ArchivesTarget is the pseudo target id under which archived-recording
// metadata is filed.
const ArchivesTarget = "archives"

var labelRe = regexp.MustCompile(`^\S+$`)

// Metadata is a set of recording labels. Keys and values must be free of
// whitespace.
type Metadata struct {
	Labels map[string]string `json:"labels"`
}

func New() Metadata { return Metadata{Labels: map[string]string{}} }

// Validate checks the whitespace constraint on every label.
func (m Metadata) Validate() error {
	for k, v := range m.Labels {
		if !labelRe.MatchString(k) || !labelRe.MatchString(v) {
			return &rule.ValidationError{Field: "labels", Msg: fmt.Sprintf("label %q=%q contains whitespace", k, v)}
		}
	}
	return nil
}

type key struct {
	targetID      string
	recordingName string
}

type storedMetadata struct {
	TargetID      string            `json:"targetId"`
	RecordingName string            `json:"recordingName"`
	Labels        map[string]string `json:"labels"`
}

// Store is a file-backed metadata store: one JSON document per key, file
// name derived from a collision-free encoding of the composite key.
type Store struct {
	mu     sync.Mutex
	dir    string
	m      map[key]Metadata
	logger *slog.Logger
}

func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	return &Store{dir: dir, m: make(map[key]Metadata), logger: logger}, nil
}

// Load reads every stored record; undecodable files are skipped with a
// warning so one corrupt record cannot abort startup.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read metadata dir: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("unreadable metadata file", "file", e.Name(), "error", err)
			continue
		}
		var sm storedMetadata
		if err := json.Unmarshal(raw, &sm); err != nil || sm.TargetID == "" || sm.RecordingName == "" {
			s.logger.Warn("skipping malformed metadata file", "file", e.Name(), "error", err)
			continue
		}
		s.m[key{sm.TargetID, sm.RecordingName}] = Metadata{Labels: sm.Labels}
	}
	return nil
}

// Set validates and persists labels for (targetID, recordingName).
func (s *Store) Set(targetID, recordingName string, md Metadata) error {
	if err := md.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(storedMetadata{
		TargetID:      targetID,
		RecordingName: recordingName,
		Labels:        md.Labels,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(targetID, recordingName), raw, 0o644); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	s.m[key{targetID, recordingName}] = md
	return nil
}

// Get returns the labels for (targetID, recordingName); absent keys yield
// empty metadata.
func (s *Store) Get(targetID, recordingName string) Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	if md, ok := s.m[key{targetID, recordingName}]; ok {
		out := New()
		for k, v := range md.Labels {
			out.Labels[k] = v
		}
		return out
	}
	return New()
}

// Delete removes the record if present.
func (s *Store) Delete(targetID, recordingName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key{targetID, recordingName})
	if err := os.Remove(s.path(targetID, recordingName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

// CopyToArchives copies the live recording's labels to the archived copy's
// entry under the archives pseudo target.
func (s *Store) CopyToArchives(targetID, recordingName, filename string) error {
	return s.Set(ArchivesTarget, filename, s.Get(targetID, recordingName))
}

// path encodes the composite key into a filesystem-safe token. Components
// are encoded separately so distinct pairs can never collide.
func (s *Store) path(targetID, recordingName string) string {
	enc := base32.StdEncoding
	token := enc.EncodeToString([]byte(targetID)) + "-" + enc.EncodeToString([]byte(recordingName))
	return filepath.Join(s.dir, token+".json")
}
