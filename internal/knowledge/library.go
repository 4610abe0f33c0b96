package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/logging"
)

// Case is one entry of the case library file.
type Case struct {
	ID             string      `yaml:"id"`
	Fault          string      `yaml:"fault"`
	RootCause      string      `yaml:"root_cause"`
	RootCauseLayer types.Layer `yaml:"root_cause_layer,omitempty"`
	Resolution     string      `yaml:"resolution"`
	Tags           []string    `yaml:"tags,omitempty"`
	Devices        []string    `yaml:"devices,omitempty"`
}

// Event is one recent log line in the library file.
type Event struct {
	Time    time.Time   `yaml:"time"`
	Device  string      `yaml:"device"`
	Layer   types.Layer `yaml:"layer,omitempty"`
	Message string      `yaml:"message"`
}

type libraryFile struct {
	Cases  []Case  `yaml:"cases"`
	Events []Event `yaml:"events,omitempty"`
}

// Library is a YAML-backed Retriever. It holds the whole file in memory
// and rewrites it on Index.
type Library struct {
	path   string
	now    func() time.Time
	logger *logging.Logger

	mu     sync.RWMutex
	cases  []Case
	events []Event
}

// LibraryOption configures a Library.
type LibraryOption func(*Library)

// WithLibraryClock overrides time.Now for event windows.
func WithLibraryClock(now func() time.Time) LibraryOption {
	return func(l *Library) { l.now = now }
}

// OpenLibrary loads the case library at path. A missing file yields an
// empty library that Index will create. An empty path keeps the library
// in memory only.
func OpenLibrary(path string, opts ...LibraryOption) (*Library, error) {
	l := &Library{
		path:   path,
		now:    time.Now,
		logger: logging.GetLogger("knowledge"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewMemoryLibrary builds an in-memory library, mostly for tests.
func NewMemoryLibrary(cases []Case, events []Event, opts ...LibraryOption) *Library {
	l := &Library{
		now:    time.Now,
		logger: logging.GetLogger("knowledge"),
		cases:  append([]Case(nil), cases...),
		events: append([]Event(nil), events...),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reload re-reads the library file.
func (l *Library) Reload() error {
	if l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Info("Case library %s does not exist yet, starting empty", l.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrRetrieverUnavailable, err)
	}
	var file libraryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: invalid case library %s: %v", types.ErrRetrieverUnavailable, l.path, err)
	}

	l.mu.Lock()
	l.cases = file.Cases
	l.events = file.Events
	l.mu.Unlock()
	l.logger.Debug("Loaded %d cases and %d events from %s", len(file.Cases), len(file.Events), l.path)
	return nil
}

// Search returns the topK cases most similar to query, best first.
func (l *Library) Search(ctx context.Context, query string, topK int) ([]types.SimilarCase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	matches := make([]types.SimilarCase, 0, len(l.cases))
	for _, c := range l.cases {
		score := similarity(c, terms)
		if score <= 0 {
			continue
		}
		matches = append(matches, types.SimilarCase{
			CaseID:           c.ID,
			FaultDescription: c.Fault,
			RootCause:        c.RootCause,
			RootCauseLayer:   c.RootCauseLayer,
			Resolution:       c.Resolution,
			SimilarityScore:  score,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].SimilarityScore == matches[j].SimilarityScore {
			return matches[i].CaseID < matches[j].CaseID
		}
		return matches[i].SimilarityScore > matches[j].SimilarityScore
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// RecentEvents returns events on any of devices within window of now,
// newest first. An empty device list matches every device.
func (l *Library) RecentEvents(ctx context.Context, devices []string, window time.Duration) ([]types.EventHint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(devices))
	for _, d := range devices {
		wanted[strings.ToLower(d)] = true
	}
	cutoff := l.now().Add(-window)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []types.EventHint
	for _, e := range l.events {
		if len(wanted) > 0 && !wanted[strings.ToLower(e.Device)] {
			continue
		}
		if window > 0 && e.Time.Before(cutoff) {
			continue
		}
		out = append(out, types.EventHint{Time: e.Time, DeviceID: e.Device, Layer: e.Layer, Message: e.Message})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out, nil
}

// Index adds a concluded report as a new case. Reports without a located
// root cause are skipped.
func (l *Library) Index(ctx context.Context, report types.DiagnosisReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if report.Status != types.ReportConcluded || report.RootCause == "" || report.RootCause == types.NoAnomalyLocated {
		return nil
	}
	c := Case{
		ID:             report.ReportID,
		Fault:          report.FaultDescription,
		RootCause:      report.RootCause,
		RootCauseLayer: report.RootCauseLayer,
		Resolution:     report.RecommendedAction,
		Tags:           append([]string(nil), report.Tags...),
		Devices:        append([]string(nil), report.FaultPath...),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.cases {
		if existing.ID == c.ID {
			return nil
		}
	}
	l.cases = append(l.cases, c)
	if err := l.persist(); err != nil {
		l.cases = l.cases[:len(l.cases)-1]
		return err
	}
	l.logger.Info("Indexed report %s as a new case", report.ReportID)
	return nil
}

// persist rewrites the library file atomically. Callers hold mu.
func (l *Library) persist() error {
	if l.path == "" {
		return nil
	}
	data, err := yaml.Marshal(libraryFile{Cases: l.cases, Events: l.events})
	if err != nil {
		return fmt.Errorf("failed to encode case library: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".cases-*")
	if err != nil {
		return fmt.Errorf("failed to write case library: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write case library: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), l.path)
}

// Cases returns a copy of the library's cases.
func (l *Library) Cases() []Case {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Case(nil), l.cases...)
}
