package earning

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProcessState tracks where a join process stands. Validation runs once for
// the whole plan; afterwards each step submits individually against the
// recorded position.
type ProcessState string

const (
	ProcessIdle       ProcessState = "IDLE"
	ProcessValidating ProcessState = "VALIDATING"
	ProcessSubmitting ProcessState = "SUBMITTING"
	ProcessDone       ProcessState = "DONE"
	ProcessRollback   ProcessState = "ERROR_ROLLBACK"
)

// ProcessRecord is one join attempt from plan generation to completion.
type ProcessRecord struct {
	ID          uuid.UUID
	Slug        string
	Address     string
	TotalSteps  int
	CurrentStep int
	State       ProcessState
	UpdatedAt   time.Time
}

// processBook holds in-flight join records. Records are memory-only: a
// restart abandons them, which is safe because every submitted transaction
// is externally signed and tracked by its own completion event.
type processBook struct {
	mu      sync.Mutex
	records map[uuid.UUID]*ProcessRecord
}

func newProcessBook() *processBook {
	return &processBook{records: make(map[uuid.UUID]*ProcessRecord)}
}

// begin opens a record in IDLE for a freshly generated plan.
func (p *processBook) begin(slug, address string, totalSteps int) *ProcessRecord {
	rec := &ProcessRecord{
		ID:         uuid.New(),
		Slug:       slug,
		Address:    address,
		TotalSteps: totalSteps,
		State:      ProcessIdle,
		UpdatedAt:  time.Now(),
	}
	p.mu.Lock()
	p.records[rec.ID] = rec
	p.mu.Unlock()
	return rec
}

// get returns a copy of the record.
func (p *processBook) get(id uuid.UUID) (ProcessRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return ProcessRecord{}, false
	}
	return *rec, true
}

// markValidating moves an idle record into validation.
func (p *processBook) markValidating(id uuid.UUID) error {
	return p.transition(id, func(rec *ProcessRecord) error {
		if rec.State != ProcessIdle {
			return fmt.Errorf("process %s is %s, expected %s", id, rec.State, ProcessIdle)
		}
		rec.State = ProcessValidating
		return nil
	})
}

// markValidated returns a validated record to IDLE, ready for step 1.
func (p *processBook) markValidated(id uuid.UUID) error {
	return p.transition(id, func(rec *ProcessRecord) error {
		if rec.State != ProcessValidating {
			return fmt.Errorf("process %s is %s, expected %s", id, rec.State, ProcessValidating)
		}
		rec.State = ProcessIdle
		rec.CurrentStep = 1
		return nil
	})
}

// markValidationFailed returns a record to IDLE after a failed validation.
// Nothing was submitted, so the plan can be regenerated and tried again.
func (p *processBook) markValidationFailed(id uuid.UUID) error {
	return p.transition(id, func(rec *ProcessRecord) error {
		if rec.State != ProcessValidating {
			return fmt.Errorf("process %s is %s, expected %s", id, rec.State, ProcessValidating)
		}
		rec.State = ProcessIdle
		rec.CurrentStep = 0
		return nil
	})
}

// markSubmitting claims one step for execution. The caller-supplied step must
// match the record's cursor; a stale or skipped step is refused. A record in
// ERROR_ROLLBACK accepts the cursor step again: a failed submission is
// retried by the user re-invoking the same step.
func (p *processBook) markSubmitting(id uuid.UUID, step int) error {
	return p.transition(id, func(rec *ProcessRecord) error {
		switch rec.State {
		case ProcessIdle, ProcessSubmitting, ProcessRollback:
		default:
			return fmt.Errorf("process %s is %s and cannot submit", id, rec.State)
		}
		if step != rec.CurrentStep {
			return fmt.Errorf("process %s expects step %d, got %d", id, rec.CurrentStep, step)
		}
		rec.State = ProcessSubmitting
		return nil
	})
}

// markStepDone advances the cursor; completing the final step closes the
// record.
func (p *processBook) markStepDone(id uuid.UUID, step int) error {
	return p.transition(id, func(rec *ProcessRecord) error {
		if rec.State != ProcessSubmitting || step != rec.CurrentStep {
			return fmt.Errorf("process %s is %s at step %d, cannot complete step %d", id, rec.State, rec.CurrentStep, step)
		}
		if step >= rec.TotalSteps-1 {
			rec.State = ProcessDone
			return nil
		}
		rec.CurrentStep++
		rec.State = ProcessIdle
		return nil
	})
}

// markFailed records a step failure. A user rejection on the first actionable
// step rolls the process back to IDLE since nothing was submitted on-chain;
// any later failure parks the record in ERROR_ROLLBACK with the cursor held
// at the failed step. Confirmed steps are never reversed, so rollback only
// rewinds in-memory state and waits for the user to retry that step.
func (p *processBook) markFailed(id uuid.UUID, step int, userRejected bool) error {
	return p.transition(id, func(rec *ProcessRecord) error {
		if userRejected && step <= 1 {
			rec.State = ProcessIdle
			rec.CurrentStep = 1
			return nil
		}
		rec.State = ProcessRollback
		return nil
	})
}

func (p *processBook) transition(id uuid.UUID, apply func(*ProcessRecord) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return fmt.Errorf("unknown join process %s", id)
	}
	if err := apply(rec); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now()
	return nil
}

// drop removes completed records, plus failed ones whose retry never came,
// once they are older than cutoff.
func (p *processBook) drop(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, rec := range p.records {
		if (rec.State == ProcessDone || rec.State == ProcessRollback) && rec.UpdatedAt.Before(cutoff) {
			delete(p.records, id)
			n++
		}
	}
	return n
}
