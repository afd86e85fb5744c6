package fitd

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/welltest-lab/fitting-core/pkg/models"
	"github.com/welltest-lab/fitting-core/pkg/utils"
)

// RunStatus is the service-level lifecycle of a fit run. It is coarser than
// models.FitStatus: a run that ends Diverged or MaxIterationsReached is still
// COMPLETED here, with the optimizer outcome in the record's State.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the run can no longer change status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// ParseRunStatus accepts "running", "RUNNING" and "RUN_STATUS_RUNNING".
func ParseRunStatus(s string) (RunStatus, bool) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "RUN_STATUS_")
	switch st := RunStatus(s); st {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return st, true
	}
	return "", false
}

// FitRun is the run metadata shown to clients.
type FitRun struct {
	ID              string    `json:"id"`
	Status          RunStatus `json:"status"`
	CreatedAtUnixMs int64     `json:"created_at_unix_ms"`
	StartedAtUnixMs int64     `json:"started_at_unix_ms,omitempty"`
	EndedAtUnixMs   int64     `json:"ended_at_unix_ms,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// FitRecord holds one run: its request, the latest fit state and the
// accepted-iteration history. History entries carry no curve; the curve of
// the newest accepted iteration is kept in LastCurve.
type FitRecord struct {
	Run         *FitRun
	Request     *models.FitRequest
	State       *models.FitState
	History     []models.IterationUpdate
	LastCurve   *models.Curve
	Fingerprint uint64
}

func (r *FitRecord) clone() *FitRecord {
	run := *r.Run
	out := &FitRecord{
		Run:         &run,
		Request:     r.Request,
		State:       r.State.Clone(),
		History:     append([]models.IterationUpdate(nil), r.History...),
		LastCurve:   r.LastCurve,
		Fingerprint: r.Fingerprint,
	}
	return out
}

// RunStore keeps fit runs in memory. Returned records are copies.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*FitRecord
}

func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]*FitRecord),
	}
}

func nowUnixMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// Create registers a PENDING run. An empty fitID is generated.
func (s *RunStore) Create(fitID string, req *models.FitRequest) (*FitRecord, error) {
	if strings.ContainsAny(fitID, "/:?#") {
		return nil, fmt.Errorf("%w: fit id cannot contain '/', ':', '?' or '#'", models.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if fitID == "" {
		fitID = utils.GenerateFitID()
	}
	if _, exists := s.runs[fitID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrRunExists, fitID)
	}

	rec := &FitRecord{
		Run: &FitRun{
			ID:              fitID,
			Status:          RunStatusPending,
			CreatedAtUnixMs: nowUnixMs(),
		},
		Request:     req,
		Fingerprint: Fingerprint(req.Model, &req.Data),
	}
	s.runs[fitID] = rec
	return rec.clone(), nil
}

func (s *RunStore) Get(fitID string) (*FitRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[fitID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// List returns up to limit runs, newest first.
func (s *RunStore) List(limit int) []*FitRecord {
	return s.ListFiltered(limit, 0, "")
}

// ListFiltered returns runs newest first, optionally restricted to one
// status, after skipping offset matches.
func (s *RunStore) ListFiltered(limit, offset int, status RunStatus) []*FitRecord {
	s.mu.RLock()
	matched := make([]*FitRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if status != "" && rec.Run.Status != status {
			continue
		}
		matched = append(matched, rec.clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].Run, matched[j].Run
		if a.CreatedAtUnixMs != b.CreatedAtUnixMs {
			return a.CreatedAtUnixMs > b.CreatedAtUnixMs
		}
		return a.ID > b.ID
	})

	if offset >= len(matched) {
		return []*FitRecord{}
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched
}

// SetStatus moves a run to status. Terminal runs keep their status; asking
// for a different one returns ErrRunTerminal. A run is moved to RUNNING only
// once; a second request returns ErrRunActive.
func (s *RunStore) SetStatus(fitID string, status RunStatus, errMsg string) (*FitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[fitID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, fitID)
	}
	if rec.Run.Status.Terminal() {
		if rec.Run.Status == status {
			return rec.clone(), nil
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrRunTerminal, fitID, rec.Run.Status)
	}
	if status == RunStatusRunning && rec.Run.Status == RunStatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, fitID)
	}

	rec.Run.Status = status
	rec.Run.Error = errMsg
	now := nowUnixMs()
	if status == RunStatusRunning && rec.Run.StartedAtUnixMs == 0 {
		rec.Run.StartedAtUnixMs = now
	}
	if status.Terminal() {
		rec.Run.EndedAtUnixMs = now
	}
	return rec.clone(), nil
}

// Remove deletes a PENDING run.
func (s *RunStore) Remove(fitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[fitID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, fitID)
	}
	switch {
	case rec.Run.Status == RunStatusRunning:
		return fmt.Errorf("%w: %s", ErrRunActive, fitID)
	case rec.Run.Status.Terminal():
		return fmt.Errorf("%w: %s", ErrRunTerminal, fitID)
	}
	delete(s.runs, fitID)
	return nil
}

// SetState stores the latest fit state.
func (s *RunStore) SetState(fitID string, state *models.FitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[fitID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, fitID)
	}
	rec.State = state.Clone()
	return nil
}

// AppendUpdate records one accepted iteration.
func (s *RunStore) AppendUpdate(fitID string, u models.IterationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[fitID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, fitID)
	}
	if u.Curve != nil {
		rec.LastCurve = u.Curve
		u.Curve = nil
	}
	rec.History = append(rec.History, u)
	return nil
}

// UpdatesSince returns the history entries whose iteration is greater than
// since, and whether the run exists.
func (s *RunStore) UpdatesSince(fitID string, since int) ([]models.IterationUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[fitID]
	if !ok {
		return nil, false
	}
	i := sort.Search(len(rec.History), func(i int) bool {
		return rec.History[i].Iteration > since
	})
	return append([]models.IterationUpdate(nil), rec.History[i:]...), true
}
