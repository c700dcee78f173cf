package store

import (
	"context"
	"sync"
	"time"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// Memory keeps execution logs in process
type Memory struct {
	mu     sync.Mutex
	logs   map[string][]*core.ExecutionResult
	timers map[string]*time.Timer
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		logs:   map[string][]*core.ExecutionResult{},
		timers: map[string]*time.Timer{},
	}
}

func (m *Memory) Append(_ context.Context, sessionID string, res *core.ExecutionResult) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[sessionID] = append(m.logs[sessionID], res)
	return nil
}

func (m *Memory) List(_ context.Context, sessionID string) ([]*core.ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.logs[sessionID]
	res := make([]*core.ExecutionResult, len(log))
	copy(res, log)
	return res, nil
}

func (m *Memory) Expire(_ context.Context, sessionID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
	if ttl <= 0 {
		delete(m.logs, sessionID)
		return nil
	}
	m.timers[sessionID] = time.AfterFunc(ttl, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.logs, sessionID)
		delete(m.timers, sessionID)
	})
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	return nil
}
