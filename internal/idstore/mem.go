package idstore

import (
	"context"
	"fmt"
	"sync"
)

// Mem is an in-memory Store used by tests across the repository.
type Mem struct {
	mu sync.Mutex

	ids       map[string]Identity
	nextTRID  int64
	optPID    map[string]bool
	optMPID   map[string]bool
	scrubHash map[string]string
	rowHash   map[string]string // destTable \x1f destPK
}

// NewMem builds an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		ids:       make(map[string]Identity),
		optPID:    make(map[string]bool),
		optMPID:   make(map[string]bool),
		scrubHash: make(map[string]string),
		rowHash:   make(map[string]string),
	}
}

func rowKey(destTable, destPK string) string { return destTable + "\x1f" + destPK }

func (m *Mem) GetOrCreateRID(_ context.Context, pid, rid string) (Identity, error) {
	if err := validatePID(pid); err != nil {
		return Identity{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ids[pid]; ok {
		return id, nil
	}
	m.nextTRID++
	id := Identity{PID: pid, RID: rid, TRID: m.nextTRID}
	m.ids[pid] = id
	return id, nil
}

func (m *Mem) SetMRID(_ context.Context, pid, mrid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ids[pid]
	if !ok {
		return fmt.Errorf("set mrid: pid %s has no rid mapping", pid)
	}
	if id.MRID != "" && id.MRID != mrid {
		return fmt.Errorf("pid %s: %w", pid, ErrMRIDConflict)
	}
	id.MRID = mrid
	m.ids[pid] = id
	return nil
}

func (m *Mem) OptedOut(_ context.Context, pid, mpid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.optPID[pid] {
		return true, nil
	}
	return mpid != "" && m.optMPID[mpid], nil
}

func (m *Mem) AddOptOutPID(_ context.Context, pid string) error {
	if err := validatePID(pid); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optPID[pid] = true
	return nil
}

func (m *Mem) AddOptOutMPID(_ context.Context, mpid string) error {
	if mpid == "" {
		return fmt.Errorf("empty mpid")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optMPID[mpid] = true
	return nil
}

func (m *Mem) StoreScrubberHash(_ context.Context, pid, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scrubHash[pid] = digest
	return nil
}

func (m *Mem) PriorScrubberHash(_ context.Context, pid string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scrubHash[pid], nil
}

func (m *Mem) StoreRowHash(_ context.Context, destTable, destPK, srcHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rowHash[rowKey(destTable, destPK)] = srcHash
	return nil
}

func (m *Mem) RowHash(_ context.Context, destTable, destPK string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rowHash[rowKey(destTable, destPK)], nil
}

func (m *Mem) DeleteRowHashes(_ context.Context, destTable string, destPKs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pk := range destPKs {
		delete(m.rowHash, rowKey(destTable, pk))
	}
	return nil
}

func (m *Mem) EnsureSchema(context.Context) error { return nil }

func (m *Mem) WipeMappings(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = make(map[string]Identity)
	m.nextTRID = 0
	m.scrubHash = make(map[string]string)
	m.rowHash = make(map[string]string)
	return nil
}
