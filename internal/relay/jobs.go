package relay

import (
	"sync"
	"time"
)

// Backtest job states.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// jobRetention bounds how long finished jobs stay queryable.
const jobRetention = time.Hour

// Job tracks one backtest run as reported by progress and result events.
type Job struct {
	ID            string  `json:"job_id"`
	UserID        string  `json:"user_id,omitempty"`
	Progress      float64 `json:"progress"`
	CurrentSymbol string  `json:"current_symbol,omitempty"`
	ETA           float64 `json:"eta,omitempty"`
	Status        string  `json:"status"`
	UpdatedAt     int64   `json:"updated_at"`
}

// jobTable is the in-memory backtest job registry. Jobs arrive and finish via
// bus events only; there is no local persistence.
type jobTable struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

func newJobTable() *jobTable {
	return &jobTable{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// update applies a progress event and returns the job's current view.
func (t *jobTable) update(jobID, userID string, progress float64, currentSymbol string, eta float64) Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[jobID]
	if !ok {
		j = &Job{ID: jobID, Status: JobRunning}
		t.jobs[jobID] = j
	}
	if userID != "" {
		j.UserID = userID
	}
	j.Progress = progress
	j.CurrentSymbol = currentSymbol
	j.ETA = eta
	j.UpdatedAt = t.now().Unix()
	return *j
}

// finish marks a job completed or failed and returns its final view.
func (t *jobTable) finish(jobID, userID, status string) Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[jobID]
	if !ok {
		j = &Job{ID: jobID}
		t.jobs[jobID] = j
	}
	if userID != "" {
		j.UserID = userID
	}
	if status != JobFailed {
		status = JobCompleted
	}
	j.Status = status
	j.Progress = 1.0
	j.UpdatedAt = t.now().Unix()
	return *j
}

// owner returns the user who started a job, if known.
func (t *jobTable) owner(jobID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[jobID]; ok {
		return j.UserID
	}
	return ""
}

// sweep drops finished jobs older than the retention window.
func (t *jobTable) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-jobRetention).Unix()
	for id, j := range t.jobs {
		if j.Status != JobRunning && j.UpdatedAt < cutoff {
			delete(t.jobs, id)
		}
	}
}

func (t *jobTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}
