package backend

import (
	"context"
	"fmt"
	"time"
)

// LoadFromDisk restores job records written by a previous run. Jobs that were
// still queued or running cannot resume and are marked failed.
func (m *Manager) LoadFromDisk() error {
	if m.store == nil {
		return nil
	}
	loaded, err := m.store.LoadJobs(context.Background())
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	for _, j := range loaded {
		if !j.Status.Terminal() {
			j.Status = StatusFailed
			j.Error = "interrupted by server restart"
			j.Message = "Processing failed"
			j.UpdatedAt = time.Now()
			m.persistJob(*j)
		}
		m.mu.Lock()
		m.jobs[j.ID] = j
		m.mu.Unlock()
	}
	return nil
}
