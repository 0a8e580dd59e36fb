package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipefab/spooltrack/go/model"
)

// Memory is the in-memory Service used by tests and single-node deployments.
type Memory struct {
	mu    sync.Mutex
	locks map[string]Lock
	now   func() time.Time
}

// NewMemory builds an empty in-memory lock service.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]Lock), now: time.Now}
}

var _ Service = (*Memory)(nil)

func (m *Memory) TryAcquire(_ context.Context, tag string, workerID int) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.locks[tag]; ok {
		return nil, fmt.Errorf("%w: %s held by worker %d", model.ErrSpoolOccupied, tag, held.WorkerID)
	}
	var lock = Lock{
		WorkerID:   workerID,
		Token:      uuid.NewString(),
		AcquiredAt: m.now(),
	}
	m.locks[tag] = lock
	return &lock, nil
}

func (m *Memory) Release(_ context.Context, tag string, workerID int, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var held, ok = m.locks[tag]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotHeld, tag)
	}
	if held.WorkerID != workerID || held.Token != token {
		return fmt.Errorf("%w: %s held by worker %d", model.ErrNotOwner, tag, held.WorkerID)
	}
	delete(m.locks, tag)
	return nil
}

func (m *Memory) Owner(_ context.Context, tag string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var held, ok = m.locks[tag]
	if !ok {
		return 0, false, nil
	}
	return held.WorkerID, true, nil
}

func (m *Memory) Get(_ context.Context, tag string) (*Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var held, ok = m.locks[tag]
	if !ok {
		return nil, false, nil
	}
	var copied = held
	return &copied, true, nil
}

func (m *Memory) ForceRelease(_ context.Context, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, tag)
	return nil
}

func (m *Memory) Tags(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tags = make([]string, 0, len(m.locks))
	for tag := range m.locks {
		tags = append(tags, tag)
	}
	return tags, nil
}

// SetClock overrides the acquisition clock; used by reconciliation tests.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }
