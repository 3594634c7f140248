package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"trend_trading/internal/models"

	"go.uber.org/zap"
)

// CurrentVersion is the schema version written by FileStore.
const CurrentVersion = "2.1"

// State is the on-disk document.
type State struct {
	Version   string                            `json:"version"`
	Orders    map[string]models.Order           `json:"orders"`
	Fills     []models.Fill                     `json:"fills"`
	Positions map[string]models.Position        `json:"positions"`
	Managed   map[string]models.ManagedPosition `json:"managed_positions"`
	Snapshots map[string]models.DailySnapshot   `json:"daily_snapshots"`
	System    map[string]string                 `json:"system_state"`
}

// FileStore keeps all state in a single JSON file, rewritten atomically on
// every mutation.
type FileStore struct {
	path   string
	logger *zap.Logger

	mu    sync.Mutex
	state State
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}
}

func (s *FileStore) Backend() string { return "file" }
func (s *FileStore) Close() error    { return nil }

// Init reads the state file, creating a template when it is missing and
// migrating older schemas in place.
func (s *FileStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		s.logger.Info("State file missing, generating template", zap.String("path", s.path))
		s.state = State{Version: CurrentVersion}
		migrateState(&s.state)
		return s.save()
	}

	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	s.state = st

	if migrateState(&s.state) {
		s.logger.Info("State migrated", zap.String("version", s.state.Version))
		return s.save()
	}
	return nil
}

// migrateState handles schema evolution.
// Returns true if changes were made and the state needs to be saved.
func migrateState(st *State) bool {
	updated := false

	// 2.0: positions and managed records split into keyed maps.
	if st.Version < "2.0" {
		st.Version = "2.0"
		updated = true
	}
	if st.Orders == nil {
		st.Orders = make(map[string]models.Order)
	}
	if st.Positions == nil {
		st.Positions = make(map[string]models.Position)
	}
	if st.Managed == nil {
		st.Managed = make(map[string]models.ManagedPosition)
	}
	if st.Snapshots == nil {
		st.Snapshots = make(map[string]models.DailySnapshot)
	}
	if st.System == nil {
		st.System = make(map[string]string)
	}

	// 2.1: system state (risk counters, scheduler keys). Nothing to backfill.
	if st.Version < "2.1" {
		st.Version = "2.1"
		updated = true
	}
	return updated
}

// save writes the current state to disk using an atomic write pattern:
// temp file, fsync, rename. Caller holds s.mu.
func (s *FileStore) save() error {
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmpFile := s.path + ".tmp"
	f, err := os.Create(tmpFile)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp state file: %w", err)
	}
	// Close explicitly before renaming (essential on Windows)
	f.Close()

	if err := os.Rename(tmpFile, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (s *FileStore) mutate(fn func(st *State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Version == "" {
		return errors.New("file store not initialised")
	}
	fn(&s.state)
	return s.save()
}

func (s *FileStore) UpsertOrder(_ context.Context, o models.Order) error {
	return s.mutate(func(st *State) { st.Orders[o.OrderID] = o })
}

func (s *FileStore) InsertFill(_ context.Context, f models.Fill) error {
	return s.mutate(func(st *State) { st.Fills = append(st.Fills, f) })
}

func (s *FileStore) UpsertPosition(_ context.Context, p models.Position) error {
	return s.mutate(func(st *State) { st.Positions[p.Symbol] = p })
}

func (s *FileStore) DeletePosition(_ context.Context, symbol string) error {
	return s.mutate(func(st *State) { delete(st.Positions, symbol) })
}

func (s *FileStore) LoadPositions(context.Context) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Position, 0, len(s.state.Positions))
	for _, p := range s.state.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *FileStore) UpsertManagedPosition(_ context.Context, m models.ManagedPosition) error {
	return s.mutate(func(st *State) { st.Managed[m.Symbol] = m })
}

func (s *FileStore) DeleteManagedPosition(_ context.Context, symbol string) error {
	return s.mutate(func(st *State) { delete(st.Managed, symbol) })
}

func (s *FileStore) LoadManagedPositions(context.Context) ([]models.ManagedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ManagedPosition, 0, len(s.state.Managed))
	for _, m := range s.state.Managed {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *FileStore) UpsertDailySnapshot(_ context.Context, snap models.DailySnapshot) error {
	return s.mutate(func(st *State) { st.Snapshots[snap.TradeDate] = snap })
}

func (s *FileStore) UpsertSystemState(_ context.Context, key, value string) error {
	return s.mutate(func(st *State) { st.System[key] = value })
}

func (s *FileStore) LoadSystemState(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.System[key]
	return v, ok, nil
}

// Snapshot returns a copy of the daily snapshot for date.
func (s *FileStore) Snapshot(date string) (models.DailySnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.state.Snapshots[date]
	return snap, ok
}
