package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

// MemoryStore keeps procedures and audit events in process. It implements
// both ProcedureStore and AuditStore and hands out deep copies only.
type MemoryStore struct {
	mu         sync.RWMutex
	procedures map[string]*closing.Procedure
	audit      []*closing.AuditEvent
	auditErr   error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{procedures: make(map[string]*closing.Procedure)}
}

// FailAuditWith makes Append fail with err until called again with nil.
func (m *MemoryStore) FailAuditWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditErr = err
}

func (m *MemoryStore) Create(_ context.Context, p *closing.Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.procedures[p.ID]; exists {
		return errors.Newf(errors.ErrCodeConflict, "procedure %s already exists", p.ID)
	}
	if m.findActiveLocked(p.CompanyID, p.ClosureTypeCode, p.Period) != nil {
		return errors.Newf(errors.ErrCodeDuplicateProcedure,
			"an active %s procedure already exists for company %s and this period", p.ClosureTypeCode, p.CompanyID)
	}
	m.procedures[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*closing.Procedure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procedures[id]
	if !ok {
		return nil, errors.NotFound("procedure", id)
	}
	return p.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, p *closing.Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.procedures[p.ID]; !ok {
		return errors.NotFound("procedure", p.ID)
	}
	m.procedures[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.procedures[id]; !ok {
		return errors.NotFound("procedure", id)
	}
	delete(m.procedures, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*closing.Procedure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*closing.Procedure, 0)
	for _, p := range m.procedures {
		if filter.CompanyID != "" && p.CompanyID != filter.CompanyID {
			continue
		}
		if filter.State != "" && p.State != filter.State {
			continue
		}
		header := p.Clone()
		header.Steps = nil
		out = append(out, header)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset >= len(out) {
		return []*closing.Procedure{}, nil
	}
	out = out[filter.Offset:]
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) FindActive(_ context.Context, companyID, closureType string, period closing.Period) (*closing.Procedure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p := m.findActiveLocked(companyID, closureType, period); p != nil {
		return p.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryStore) findActiveLocked(companyID, closureType string, period closing.Period) *closing.Procedure {
	for _, p := range m.procedures {
		if p.CompanyID == companyID && p.ClosureTypeCode == closureType &&
			p.Period.Start.Equal(period.Start) && p.Period.End.Equal(period.End) && p.State.IsActive() {
			return p
		}
	}
	return nil
}

// Append records an audit event.
func (m *MemoryStore) Append(_ context.Context, event *closing.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditErr != nil {
		return m.auditErr
	}
	stored := *event
	m.audit = append(m.audit, &stored)
	return nil
}

// ListByProcedure returns a procedure's audit events in insertion order.
func (m *MemoryStore) ListByProcedure(_ context.Context, procedureID string) ([]*closing.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*closing.AuditEvent, 0)
	for _, e := range m.audit {
		if e.ProcedureID == procedureID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}
