package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Op enumerates change event operations pushed by the backend.
type Op string

const (
	// OpInsert introduces a new authoritative record.
	OpInsert Op = "insert"
	// OpUpdate replaces an existing authoritative record.
	OpUpdate Op = "update"
	// OpDelete removes a record.
	OpDelete Op = "delete"
)

var (
	// ErrInvalidTable indicates an empty table name.
	ErrInvalidTable = errors.New("cache: invalid table")
	// ErrInvalidRecordID indicates an empty record identifier.
	ErrInvalidRecordID = errors.New("cache: invalid record id")
	// ErrInvalidOp indicates an unknown change event operation.
	ErrInvalidOp = errors.New("cache: invalid op")
)

// ParseOp validates raw input against the known operations.
func ParseOp(rawInput string) (Op, error) {
	switch Op(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OpInsert:
		return OpInsert, nil
	case OpUpdate:
		return OpUpdate, nil
	case OpDelete:
		return OpDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOp, rawInput)
	}
}

// Record is one client-held copy of a backend row. LocalOnly marks an
// optimistic record awaiting server confirmation; it carries no version and
// is always replaced outright, never merged, once the authoritative record
// arrives.
type Record struct {
	ID                     string          `json:"id"`
	Version                int64           `json:"version"`
	ServerTimestampSeconds int64           `json:"server_timestamp_s"`
	Data                   json.RawMessage `json:"data"`
	LocalOnly              bool            `json:"local_only"`
}

// ChangeEvent is a server-pushed change consumed immediately and never
// persisted.
type ChangeEvent struct {
	Table                  string
	Op                     Op
	RecordID               string
	Version                int64
	ServerTimestampSeconds int64
	Data                   json.RawMessage
}

// Outcome reports what a merge did with an incoming event or record.
type Outcome struct {
	Applied bool
	Reason  string
}

const (
	reasonApplied       = "applied"
	reasonStaleVersion  = "stale_version"
	reasonStaleDelete   = "stale_delete"
	reasonDuplicate     = "duplicate"
	reasonReplacedLocal = "replaced_local"
)

// ChangeListener is invoked after any table's contents change. Called
// outside the store lock.
type ChangeListener func(table string)

// Store holds the per-table record collections for one execution context.
// It is a deterministic reducer over events: it never issues network
// requests, and applying any pair of authoritative events in either order
// converges on the same state via version comparison.
type Store struct {
	mu        sync.RWMutex
	tables    map[string]map[string]Record
	tombstone map[string]map[string]int64
	listener  ChangeListener
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		tables:    make(map[string]map[string]Record),
		tombstone: make(map[string]map[string]int64),
	}
}

// SetListener registers the change callback used to push re-render hints.
func (s *Store) SetListener(listener ChangeListener) {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
}

// ApplyChangeEvent merges one server-pushed change. Redelivered and
// reordered events are tolerated: a lower-versioned event arriving after a
// higher-versioned one is discarded, and deletes are remembered so a
// delayed insert cannot resurrect a removed record.
func (s *Store) ApplyChangeEvent(event ChangeEvent) (Outcome, error) {
	table := strings.TrimSpace(event.Table)
	if table == "" {
		return Outcome{}, ErrInvalidTable
	}
	recordID := strings.TrimSpace(event.RecordID)
	if recordID == "" {
		return Outcome{}, ErrInvalidRecordID
	}
	if _, err := ParseOp(string(event.Op)); err != nil {
		return Outcome{}, err
	}

	s.mu.Lock()
	var outcome Outcome
	if event.Op == OpDelete {
		outcome = s.applyDeleteLocked(table, recordID, event.Version)
	} else {
		outcome = s.applyUpsertLocked(table, Record{
			ID:                     recordID,
			Version:                event.Version,
			ServerTimestampSeconds: event.ServerTimestampSeconds,
			Data:                   event.Data,
			LocalOnly:              false,
		})
	}
	listener := s.listener
	s.mu.Unlock()

	if outcome.Applied && listener != nil {
		listener(table)
	}
	return outcome, nil
}

// ApplyOptimistic inserts a localOnly record immediately so the UI renders
// the pending mutation without waiting for the backend. An authoritative
// record already present for the key is left untouched.
func (s *Store) ApplyOptimistic(table string, record Record) (Outcome, error) {
	trimmedTable := strings.TrimSpace(table)
	if trimmedTable == "" {
		return Outcome{}, ErrInvalidTable
	}
	if strings.TrimSpace(record.ID) == "" {
		return Outcome{}, ErrInvalidRecordID
	}

	record.LocalOnly = true
	record.Version = 0
	record.ServerTimestampSeconds = 0

	s.mu.Lock()
	rows := s.rowsLocked(trimmedTable)
	if existing, ok := rows[record.ID]; ok && !existing.LocalOnly {
		s.mu.Unlock()
		return Outcome{Applied: false, Reason: reasonDuplicate}, nil
	}
	rows[record.ID] = record
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener(trimmedTable)
	}
	return Outcome{Applied: true, Reason: reasonApplied}, nil
}

// Reconcile installs the authoritative record confirmed by the backend,
// replacing any localOnly record for the key outright. Server wins
// entirely; there is no field-level merge.
func (s *Store) Reconcile(table string, record Record) (Outcome, error) {
	trimmedTable := strings.TrimSpace(table)
	if trimmedTable == "" {
		return Outcome{}, ErrInvalidTable
	}
	if strings.TrimSpace(record.ID) == "" {
		return Outcome{}, ErrInvalidRecordID
	}

	record.LocalOnly = false

	s.mu.Lock()
	outcome := s.applyUpsertLocked(trimmedTable, record)
	listener := s.listener
	s.mu.Unlock()

	if outcome.Applied && listener != nil {
		listener(trimmedTable)
	}
	return outcome, nil
}

// DropLocal removes an optimistic record without tombstoning it, used when
// the backend confirms a create under a different server-assigned id.
// Authoritative records are left untouched.
func (s *Store) DropLocal(table, recordID string) bool {
	trimmedTable := strings.TrimSpace(table)
	trimmedID := strings.TrimSpace(recordID)

	s.mu.Lock()
	rows := s.tables[trimmedTable]
	existing, ok := rows[trimmedID]
	if !ok || !existing.LocalOnly {
		s.mu.Unlock()
		return false
	}
	delete(rows, trimmedID)
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener(trimmedTable)
	}
	return true
}

// Get returns the record for the key, if cached.
func (s *Store) Get(table, recordID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.tables[strings.TrimSpace(table)]
	if !ok {
		return Record{}, false
	}
	record, ok := rows[strings.TrimSpace(recordID)]
	return record, ok
}

// List returns the table's records ordered by id for stable rendering.
func (s *Store) List(table string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.tables[strings.TrimSpace(table)]
	records := make([]Record, 0, len(rows))
	for _, record := range rows {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// Tables returns the names of tables currently holding records.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) rowsLocked(table string) map[string]Record {
	rows, ok := s.tables[table]
	if !ok {
		rows = make(map[string]Record)
		s.tables[table] = rows
	}
	return rows
}

func (s *Store) tombstonesLocked(table string) map[string]int64 {
	stones, ok := s.tombstone[table]
	if !ok {
		stones = make(map[string]int64)
		s.tombstone[table] = stones
	}
	return stones
}

func (s *Store) applyUpsertLocked(table string, incoming Record) Outcome {
	stones := s.tombstonesLocked(table)
	if deletedVersion, ok := stones[incoming.ID]; ok && deletedVersion >= incoming.Version {
		return Outcome{Applied: false, Reason: reasonStaleVersion}
	}

	rows := s.rowsLocked(table)
	existing, ok := rows[incoming.ID]
	if !ok || existing.LocalOnly {
		rows[incoming.ID] = incoming
		delete(stones, incoming.ID)
		reason := reasonApplied
		if ok {
			reason = reasonReplacedLocal
		}
		return Outcome{Applied: true, Reason: reason}
	}

	if existing.Version > incoming.Version {
		return Outcome{Applied: false, Reason: reasonStaleVersion}
	}
	if existing.Version == incoming.Version {
		if existing.ServerTimestampSeconds >= incoming.ServerTimestampSeconds {
			return Outcome{Applied: false, Reason: reasonDuplicate}
		}
	}

	rows[incoming.ID] = incoming
	delete(stones, incoming.ID)
	return Outcome{Applied: true, Reason: reasonApplied}
}

func (s *Store) applyDeleteLocked(table, recordID string, version int64) Outcome {
	rows := s.rowsLocked(table)
	stones := s.tombstonesLocked(table)

	existing, ok := rows[recordID]
	if ok && !existing.LocalOnly && existing.Version > version {
		// A delayed delete must not remove a newer record.
		return Outcome{Applied: false, Reason: reasonStaleDelete}
	}
	if stoneVersion, stoned := stones[recordID]; stoned && stoneVersion >= version {
		return Outcome{Applied: false, Reason: reasonDuplicate}
	}

	delete(rows, recordID)
	stones[recordID] = version
	return Outcome{Applied: true, Reason: reasonApplied}
}
