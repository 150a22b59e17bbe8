package saga

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/config"
	"github.com/polydoc/polydoc-api/internal/domain"
	"github.com/polydoc/polydoc-api/internal/storage"
	"github.com/polydoc/polydoc-api/internal/storage/models"
)

// Coordinator drives saga executions: per-id serialization, step retry with
// backoff, compensation on permanent failure, and durable progress after
// every advance so a crashed run is resumable.
type Coordinator struct {
	store    storage.SagaStore
	registry *Registry
	cfg      config.SagaConfig
	logger   *slog.Logger

	locks    *idLocks
	inflight *inflight
	owner    string
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

func NewCoordinator(store storage.SagaStore, registry *Registry, cfg config.SagaConfig, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logger.WithGroup("saga.Coordinator"),
		locks:    newIDLocks(),
		inflight: newInflight(),
		owner:    uuid.Must(uuid.NewV7()).String(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// InFlight reports whether subjectID has a saga executing right now. The
// read path uses this to skip the cache while a write is in progress.
func (c *Coordinator) InFlight(subjectID string) bool {
	return c.inflight.contains(subjectID)
}

// Status returns the durable record for a saga id.
func (c *Coordinator) Status(ctx context.Context, sagaID string) (*models.SagaRecord, error) {
	rec, err := c.store.GetSaga(ctx, sagaID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFound("saga %s not found", sagaID)
		}
		return nil, err
	}
	return rec, nil
}

// Execute runs a new saga of the given kind against subjectID. It returns
// the saga id alongside the outcome; on abort the returned error is the
// failing step's error, and the id still identifies the audit trail.
func (c *Coordinator) Execute(ctx context.Context, kind, subjectID string, values map[string]any) (string, error) {
	def, ok := c.registry.Get(kind)
	if !ok {
		return "", domain.ValidationFailed("unknown saga kind %q", kind)
	}

	wait := c.cfg.IDLockMode == "wait"
	if !c.locks.acquire(subjectID, wait) {
		return "", domain.Busy(subjectID)
	}
	defer c.locks.release(subjectID)

	sagaID := uuid.Must(uuid.NewV7()).String()
	sc := NewStepContext(sagaID, kind, subjectID, values)

	ctxJSON, err := sc.marshalValues()
	if err != nil {
		return "", domain.Internal(err)
	}
	steps := make([]stepState, len(def.Steps))
	for i, step := range def.Steps {
		steps[i] = stepState{Name: step.Name, Status: StepPending}
	}
	stepsJSON, err := marshalSteps(steps)
	if err != nil {
		return "", domain.Internal(err)
	}

	rec := &models.SagaRecord{
		ID:          sagaID,
		Kind:        kind,
		SubjectID:   subjectID,
		State:       StatePending,
		ContextJSON: ctxJSON,
		StepsJSON:   stepsJSON,
	}
	if err := c.store.CreateSaga(ctx, rec); err != nil {
		return "", domain.Internal(err)
	}

	c.inflight.add(subjectID)
	defer c.inflight.remove(subjectID)

	return sagaID, c.drive(ctx, rec, def, sc, steps)
}

// Resume continues a non-terminal saga from its persisted cursor. The caller
// must hold the recovery lease; per-id locking still applies so a resumed
// saga cannot race a fresh one on the same subject.
func (c *Coordinator) Resume(ctx context.Context, rec *models.SagaRecord) error {
	if IsTerminal(rec.State) {
		return nil
	}
	def, ok := c.registry.Get(rec.Kind)
	if !ok {
		return domain.ValidationFailed("unknown saga kind %q", rec.Kind)
	}

	if !c.locks.acquire(rec.SubjectID, false) {
		// A live execution already owns the subject; leave the record to it.
		return nil
	}
	defer c.locks.release(rec.SubjectID)

	values, err := unmarshalValues(rec.ContextJSON)
	if err != nil {
		return domain.Internal(err)
	}
	steps, err := unmarshalSteps(rec.StepsJSON)
	if err != nil {
		return domain.Internal(err)
	}
	if len(steps) != len(def.Steps) {
		return domain.Internal(errors.New("persisted step list does not match definition"))
	}
	sc := NewStepContext(rec.ID, rec.Kind, rec.SubjectID, values)

	c.inflight.add(rec.SubjectID)
	defer c.inflight.remove(rec.SubjectID)

	c.logger.Info("Resuming saga",
		"saga_id", rec.ID, "kind", rec.Kind, "state", rec.State, "cursor", rec.Cursor)
	return c.drive(ctx, rec, def, sc, steps)
}

// drive advances the saga to a terminal state. When the caller's context
// dies mid-flight the unwind continues on a detached context so no
// fragments are left behind.
func (c *Coordinator) drive(ctx context.Context, rec *models.SagaRecord, def *Definition, sc *StepContext, steps []stepState) error {
	machine, err := newMachine(c.logger.Handler(), rec.State)
	if err != nil {
		return domain.Internal(err)
	}

	if rec.State == StatePending {
		if err := machine.Transition(StateRunning); err != nil {
			return domain.Internal(err)
		}
		rec.State = StateRunning
		if err := c.persist(ctx, rec, sc, steps); err != nil {
			return err
		}
	}

	if rec.State == StateRunning {
		stepErr := c.runForward(ctx, rec, def, sc, steps)
		if stepErr == nil {
			if err := machine.Transition(StateCommitted); err != nil {
				return domain.Internal(err)
			}
			rec.State = StateCommitted
			if err := c.persist(ctx, rec, sc, steps); err != nil {
				return err
			}
			c.logger.Info("Saga committed", "saga_id", rec.ID, "kind", rec.Kind)
			return nil
		}
		if ctx.Err() != nil {
			// The caller's deadline died mid-flight. Unwind anyway;
			// compensation runs detached from the dead context.
			ctx = context.WithoutCancel(ctx)
		}
		rec.LastError = stepErr.Error()
		if err := machine.Transition(StateCompensating); err != nil {
			return domain.Internal(err)
		}
		rec.State = StateCompensating
		if err := c.persist(ctx, rec, sc, steps); err != nil {
			return err
		}
		if err := c.runCompensation(ctx, rec, def, sc, steps, machine); err != nil {
			return err
		}
		return stepErr
	}

	if rec.State == StateCompensating {
		prior := errors.New(rec.LastError)
		if err := c.runCompensation(ctx, rec, def, sc, steps, machine); err != nil {
			return err
		}
		return domain.Permanent("", prior)
	}
	return nil
}

// runForward executes steps from the cursor, persisting after each success.
func (c *Coordinator) runForward(ctx context.Context, rec *models.SagaRecord, def *Definition, sc *StepContext, steps []stepState) error {
	for i := rec.Cursor; i < len(def.Steps); i++ {
		step := def.Steps[i]
		steps[i].Status = StepRunning

		err := c.attempt(ctx, rec.ID, step.Name, &steps[i], func(ctx context.Context) error {
			return step.Run(ctx, sc)
		})
		if err != nil {
			steps[i].Status = StepFailed
			steps[i].Error = err.Error()
			c.logStep(ctx, rec.ID, steps[i])
			c.logger.Warn("Saga step failed",
				"saga_id", rec.ID, "step", step.Name, "attempts", steps[i].Attempts, "error", err)
			return err
		}

		steps[i].Status = StepDone
		steps[i].Error = ""
		c.logStep(ctx, rec.ID, steps[i])
		rec.Cursor = i + 1
		if err := c.persist(ctx, rec, sc, steps); err != nil {
			return err
		}
	}
	return nil
}

// runCompensation unwinds completed steps in reverse. A compensation that
// exhausts its retries orphans the saga for operator intervention.
func (c *Coordinator) runCompensation(ctx context.Context, rec *models.SagaRecord, def *Definition, sc *StepContext, steps []stepState, machine interface{ Transition(string) error }) error {
	for i := rec.Cursor - 1; i >= 0; i-- {
		step := def.Steps[i]
		if steps[i].Status == StepCompensated {
			continue
		}
		if step.Compensate != nil {
			err := c.attempt(ctx, rec.ID, step.Name+":compensate", &steps[i], func(ctx context.Context) error {
				return step.Compensate(ctx, sc)
			})
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				rec.LastError = err.Error()
				if terr := machine.Transition(StateOrphaned); terr != nil {
					return domain.Internal(terr)
				}
				rec.State = StateOrphaned
				if perr := c.persist(ctx, rec, sc, steps); perr != nil {
					return perr
				}
				c.logger.Error("Saga orphaned: compensation exhausted retries",
					"saga_id", rec.ID, "step", step.Name, "error", err)
				return domain.Orphaned(rec.ID, err)
			}
		}
		steps[i].Status = StepCompensated
		c.logStep(ctx, rec.ID, steps[i])
		rec.Cursor = i
		if err := c.persist(ctx, rec, sc, steps); err != nil {
			return err
		}
	}

	if err := machine.Transition(StateAborted); err != nil {
		return domain.Internal(err)
	}
	rec.State = StateAborted
	if err := c.persist(ctx, rec, sc, steps); err != nil {
		return err
	}
	c.logger.Info("Saga aborted after compensation", "saga_id", rec.ID, "kind", rec.Kind)
	return nil
}

// attempt runs fn with exponential backoff on transient failures. Permanent
// failures and context expiry stop immediately.
func (c *Coordinator) attempt(ctx context.Context, sagaID, name string, state *stepState, fn func(context.Context) error) error {
	var err error
	for i := 0; i < c.cfg.StepMaxAttempts; i++ {
		state.Attempts++
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !retryable(err) {
			return err
		}
		if i == c.cfg.StepMaxAttempts-1 {
			break
		}
		delay := c.backoff(i)
		c.logger.Debug("Retrying saga step",
			"saga_id", sagaID, "step", name, "attempt", state.Attempts, "delay", delay, "error", err)
		if serr := c.sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	if backend.IsPermanent(err) {
		return false
	}
	if backend.IsTransient(err) {
		return true
	}
	// Typed coordinator errors carry their own verdict.
	switch domain.TagOf(err) {
	case domain.TagTransient:
		return true
	default:
		return false
	}
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.BackoffInitial) * math.Pow(c.cfg.BackoffMultiplier, float64(attempt)))
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return d
}

// persist writes the record with optimistic concurrency. A version conflict
// means another writer owns this saga, which is fatal for this run.
func (c *Coordinator) persist(ctx context.Context, rec *models.SagaRecord, sc *StepContext, steps []stepState) error {
	ctxJSON, err := sc.marshalValues()
	if err != nil {
		return domain.Internal(err)
	}
	stepsJSON, err := marshalSteps(steps)
	if err != nil {
		return domain.Internal(err)
	}
	rec.ContextJSON = ctxJSON
	rec.StepsJSON = stepsJSON

	if err := c.store.UpdateSaga(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrConcurrentUpdate) {
			return domain.Internal(err)
		}
		return domain.Internal(err)
	}
	return nil
}

// logStep appends to the operator-facing step log; failures there never
// affect the saga outcome.
func (c *Coordinator) logStep(ctx context.Context, sagaID string, state stepState) {
	_, err := c.store.UpsertStepLog(ctx, &models.SagaStepLog{
		SagaID:   sagaID,
		Name:     state.Name,
		Status:   state.Status,
		Attempts: state.Attempts,
		ErrorLog: state.Error,
	})
	if err != nil {
		c.logger.Warn("Failed to record saga step log", "saga_id", sagaID, "step", state.Name, "error", err)
	}
}
