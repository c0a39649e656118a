// Package store is the persistence boundary for completed runs. The core
// calls it only when a run closes; no in-flight tracking decision depends on
// it.
package store

import (
	"sync"

	"github.com/testforge/dispatch/types"
)

// Store persists completed runs and their test results.
type Store interface {
	SaveCompletedRun(record types.RunRecord) error
	SaveTestResult(runID string, result types.CompletedTest) error
}

// MemoryStore keeps completed runs in process memory. It is the default when
// no redis URL is configured, and the fallback store in tests.
type MemoryStore struct {
	mtx     sync.Mutex
	runs    map[string]types.RunRecord
	results map[string][]types.CompletedTest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]types.RunRecord),
		results: make(map[string][]types.CompletedTest),
	}
}

func (m *MemoryStore) SaveCompletedRun(record types.RunRecord) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.runs[record.RunID] = record
	return nil
}

func (m *MemoryStore) SaveTestResult(runID string, result types.CompletedTest) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.results[runID] = append(m.results[runID], result)
	return nil
}

// GetRun returns a stored run record, if present.
func (m *MemoryStore) GetRun(runID string) (types.RunRecord, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	rec, ok := m.runs[runID]
	return rec, ok
}

// GetTestResults returns the stored test results for a run.
func (m *MemoryStore) GetTestResults(runID string) []types.CompletedTest {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]types.CompletedTest(nil), m.results[runID]...)
}
