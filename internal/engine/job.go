package engine

import (
	"sync/atomic"
	"time"

	"github.com/zheng/modeswitcher/pkg/models"
)

// job is the in-memory record of one switch. All fields are guarded by the
// engine's jobMu; the started field doubles as the monotonic start point
// for duration_ms.
type job struct {
	id          int64
	state       models.JobState
	fromModel   string
	toModel     string
	currentStep string
	stateText   string
	startedAt   time.Time
	updatedAt   time.Time
	finishedAt  *time.Time
	errText     string
	steps       []models.JobStep
	ready       bool

	requestedBy string
	sourceIP    string

	started    time.Time // monotonic clock reading
	durationMS int64     // frozen at finish
}

// newJob creates a queued job and installs it as the current one.
func (e *Engine) newJob(fromModel, toModel, stateText, requestedBy, sourceIP string) *job {
	now := time.Now().UTC()
	j := &job{
		id:          atomic.AddInt64(&e.nextID, 1),
		state:       models.JobQueued,
		fromModel:   fromModel,
		toModel:     toModel,
		stateText:   stateText,
		startedAt:   now,
		updatedAt:   now,
		requestedBy: requestedBy,
		sourceIP:    sourceIP,
		started:     time.Now(),
	}
	e.jobMu.Lock()
	e.current = j
	e.jobMu.Unlock()
	return j
}

// recordStep appends a step record and updates current_step and state_text
// atomically under the job lock.
func (e *Engine) recordStep(j *job, step string, ok bool, detail string) {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()
	now := time.Now().UTC()
	j.steps = append(j.steps, models.JobStep{Step: step, At: now, OK: ok, Detail: detail})
	j.currentStep = step
	j.updatedAt = now
}

// setRunning marks the job running with the given progress text.
func (e *Engine) setRunning(j *job, stateText string) {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()
	j.state = models.JobRunning
	j.stateText = stateText
	j.updatedAt = time.Now().UTC()
}

// setStep updates the live progress view without appending a record.
func (e *Engine) setStep(j *job, step string) {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()
	j.currentStep = step
	j.updatedAt = time.Now().UTC()
}

// finishJob moves the job to a terminal state.
func (e *Engine) finishJob(j *job, state models.JobState, stateText, errText string, ready bool) {
	e.jobMu.Lock()
	now := time.Now().UTC()
	j.state = state
	j.stateText = stateText
	j.errText = errText
	j.ready = ready
	j.updatedAt = now
	j.finishedAt = &now
	duration := time.Since(j.started)
	j.durationMS = duration.Milliseconds()
	e.jobMu.Unlock()

	switchesTotal.WithLabelValues(string(state)).Inc()
	switchDuration.Observe(duration.Seconds())

	e.audit.append(auditRecord{
		Event:       "switch_" + string(state),
		SwitchID:    j.id,
		RequestedBy: j.requestedBy,
		SourceIP:    j.sourceIP,
		FromModel:   j.fromModel,
		ToModel:     j.toModel,
		Status:      string(state),
		Error:       errText,
	})
}

// snapshotLocked deep-copies the job. Caller must hold jobMu.
func (j *job) snapshotLocked() *models.JobSnapshot {
	steps := make([]models.JobStep, len(j.steps))
	copy(steps, j.steps)
	var finished *time.Time
	durationMS := time.Since(j.started).Milliseconds()
	if j.finishedAt != nil {
		t := *j.finishedAt
		finished = &t
		durationMS = j.durationMS
	}
	return &models.JobSnapshot{
		ID:          j.id,
		State:       j.state,
		FromModel:   j.fromModel,
		ToModel:     j.toModel,
		CurrentStep: j.currentStep,
		StateText:   j.stateText,
		StartedAt:   j.startedAt,
		UpdatedAt:   j.updatedAt,
		FinishedAt:  finished,
		DurationMS:  durationMS,
		Error:       j.errText,
		Steps:       steps,
		Ready:       j.ready,
	}
}

// CurrentSwitch returns a deep-copy snapshot of the ongoing or most recent
// job, or nil if no switch has run yet.
func (e *Engine) CurrentSwitch() *models.JobSnapshot {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()
	if e.current == nil {
		return nil
	}
	return e.current.snapshotLocked()
}
