// Package process drives one input file through the ERP entry pipeline: a
// table-driven state machine, its state handlers and the loop that runs them.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/dispatcher"
	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
	"github.com/garyjia/erp-autoentry/internal/domain/event"
	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
)

// ErrBusy is returned when a file is started while another one is in flight
var ErrBusy = errors.New("process machine is busy")

// Handler runs the work of one state and reports its outcome
type Handler func(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome

// Transition describes a state change passed to callbacks
type Transition struct {
	From    workflow.State
	To      workflow.State
	Trigger workflow.Trigger
	Context *entity.ProcessingContext
}

// Callback observes a transition. Callbacks run on the machine goroutine and
// must not call the machine's mutating methods.
type Callback func(ctx context.Context, t Transition)

// RecordLoader reads an input record from disk
type RecordLoader func(ctx context.Context, path string) (*entity.PurchaseOrder, error)

// Config holds machine settings
type Config struct {
	MaxRetries       int
	CheckpointMaxAge time.Duration
}

// DefaultConfig returns default machine configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		CheckpointMaxAge: entity.CheckpointMaxAge,
	}
}

// StateInfo is a read-only snapshot of the machine for the launcher surface
type StateInfo struct {
	State               workflow.State     `json:"state"`
	RunID               string             `json:"run_id,omitempty"`
	File                string             `json:"file,omitempty"`
	RetryCount          int                `json:"retry_count"`
	MaxRetries          int                `json:"max_retries"`
	ErrorMessage        string             `json:"error,omitempty"`
	LastReason          entity.Reason      `json:"reason,omitempty"`
	LastSuccessfulState workflow.State     `json:"last_successful_state,omitempty"`
	StartTime           *time.Time         `json:"start_time,omitempty"`
	Stats               map[string]float64 `json:"stats,omitempty"`
	CheckpointFile      string             `json:"checkpoint_file,omitempty"`
	PermittedTriggers   []workflow.Trigger `json:"permitted_triggers"`
}

// Machine owns the state machine and processing context of one file at a time
type Machine struct {
	mu           sync.Mutex
	sm           workflow.StateMachine
	pctx         *entity.ProcessingContext
	stateEntered time.Time

	handlers    map[workflow.State]Handler
	onEnter     map[workflow.State][]Callback
	onExit      map[workflow.State][]Callback
	checkpoints port.CheckpointStore
	dispatcher  dispatcher.Dispatcher
	loadRecord  RecordLoader
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time

	infoMu sync.RWMutex
	info   StateInfo
}

// Option configures the machine
type Option func(*Machine)

// WithDispatcher sets the event dispatcher
func WithDispatcher(d dispatcher.Dispatcher) Option {
	return func(m *Machine) {
		m.dispatcher = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithRecordLoader overrides how input records are read on resume
func WithRecordLoader(fn RecordLoader) Option {
	return func(m *Machine) {
		m.loadRecord = fn
	}
}

// NewMachine creates an idle machine
func NewMachine(handlers map[workflow.State]Handler, checkpoints port.CheckpointStore, cfg Config, logger *zap.Logger, opts ...Option) *Machine {
	if cfg.CheckpointMaxAge <= 0 {
		cfg.CheckpointMaxAge = entity.CheckpointMaxAge
	}
	m := &Machine{
		handlers:    make(map[workflow.State]Handler, len(handlers)),
		onEnter:     make(map[workflow.State][]Callback),
		onExit:      make(map[workflow.State][]Callback),
		checkpoints: checkpoints,
		loadRecord:  LoadRecordFile,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
	for s, h := range handlers {
		m.handlers[s] = h
	}
	for _, opt := range opts {
		opt(m)
	}

	m.sm = BuildProcessStateMachine(workflow.StateIdle, m.canRetry)
	m.stateEntered = m.now()
	m.publish()
	return m
}

// LoadRecordFile reads and parses a purchase-order JSON record
func LoadRecordFile(ctx context.Context, path string) (*entity.PurchaseOrder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return entity.ParsePurchaseOrder(data)
}

// canRetry guards ERROR -> RETRYING. fire consumes one retry on every
// accepted ERROR -> RETRYING transition.
func (m *Machine) canRetry(ctx context.Context) bool {
	return m.pctx != nil && m.pctx.CanRetry()
}

// OnEnter registers a callback run after the machine enters state
func (m *Machine) OnEnter(state workflow.State, fn Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter[state] = append(m.onEnter[state], fn)
}

// OnExit registers a callback run when the machine leaves state
func (m *Machine) OnExit(state workflow.State, fn Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit[state] = append(m.onExit[state], fn)
}

// State returns the current state
func (m *Machine) State() workflow.State {
	m.infoMu.RLock()
	defer m.infoMu.RUnlock()
	return m.info.State
}

// GetStateInfo returns a snapshot safe to read from any goroutine
func (m *Machine) GetStateInfo() StateInfo {
	m.infoMu.RLock()
	defer m.infoMu.RUnlock()

	info := m.info
	info.PermittedTriggers = append([]workflow.Trigger(nil), m.info.PermittedTriggers...)
	if m.info.Stats != nil {
		info.Stats = make(map[string]float64, len(m.info.Stats))
		for k, v := range m.info.Stats {
			info.Stats[k] = v
		}
	}
	return info
}

// TriggerEvent fires a trigger. Illegal triggers are logged and leave the
// machine unchanged.
func (m *Machine) TriggerEvent(ctx context.Context, trigger workflow.Trigger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.publish()
	return m.fire(ctx, trigger)
}

func (m *Machine) fire(ctx context.Context, trigger workflow.Trigger) bool {
	from := m.sm.State()
	if err := m.sm.Fire(ctx, trigger); err != nil {
		m.logger.Warn("Transition rejected",
			zap.String("state", from.String()),
			zap.String("trigger", trigger.String()),
			zap.Error(err))
		return false
	}
	to := m.sm.State()
	now := m.now()

	t := Transition{From: from, To: to, Trigger: trigger, Context: m.pctx}
	m.runCallbacks(ctx, m.onExit[from], t, "exit")

	if m.pctx != nil {
		if from == workflow.StateError && to == workflow.StateRetrying {
			m.pctx.RetryCount++
		}
		if from.IsWorking() {
			m.pctx.Stats.AddStage(from, now.Sub(m.stateEntered).Seconds())
		}
		if to != workflow.StateError && to != workflow.StateIdle {
			if from.IsWorking() {
				m.pctx.LastSuccessfulState = from
			}
			m.persist(ctx, to, now)
		}
	}
	m.stateEntered = now

	m.logger.Info("State transition",
		zap.String("file", m.currentFile()),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("trigger", trigger.String()))

	m.emit(ctx, event.TypeStateChanged, map[string]interface{}{
		event.KeyFromState:  from.String(),
		event.KeyToState:    to.String(),
		event.KeyTrigger:    trigger.String(),
		event.KeyRetryCount: m.retryCount(),
	})

	if to == workflow.StateCompleted && m.pctx != nil {
		m.finish(ctx, now)
	}

	m.runCallbacks(ctx, m.onEnter[to], t, "enter")
	return true
}

// finish closes a successful run: total duration, checkpoint removal and the completion event
func (m *Machine) finish(ctx context.Context, now time.Time) {
	total := now.Sub(m.pctx.StartTime).Seconds()
	m.pctx.Stats.SetTotal(total)
	m.deleteCheckpoint(ctx)

	payload := map[string]interface{}{
		event.KeyDuration:   total,
		event.KeyUploaded:   m.pctx.SuccessfulUploads(),
		event.KeyRetryCount: m.pctx.RetryCount,
		event.KeyStages:     m.pctx.Stats.Stages(),
	}
	if m.pctx.CurrentData != nil {
		payload[event.KeyOrder] = m.pctx.CurrentData.OrdenCompra
	}
	m.emit(ctx, event.TypeRunCompleted, payload)
}

func (m *Machine) runCallbacks(ctx context.Context, fns []Callback, t Transition, kind string) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Transition callback panicked",
						zap.String("kind", kind),
						zap.String("from", t.From.String()),
						zap.String("to", t.To.String()),
						zap.Any("panic", r))
				}
			}()
			fn(ctx, t)
		}()
	}
}

func (m *Machine) persist(ctx context.Context, state workflow.State, now time.Time) {
	if m.checkpoints == nil || m.pctx.CurrentFile == "" {
		return
	}
	path, err := m.checkpoints.Save(ctx, entity.NewCheckpoint(m.pctx, state, now))
	if err != nil {
		m.logger.Error("Failed to persist checkpoint",
			zap.String("file", m.pctx.CurrentFile),
			zap.String("state", state.String()),
			zap.Error(err))
		return
	}
	m.pctx.CheckpointFile = path
}

func (m *Machine) deleteCheckpoint(ctx context.Context) {
	if m.checkpoints == nil || m.pctx == nil || m.pctx.CurrentFile == "" {
		return
	}
	if err := m.checkpoints.Delete(ctx, m.pctx.BaseName()); err != nil {
		m.logger.Warn("Failed to delete checkpoint",
			zap.String("file", m.pctx.CurrentFile),
			zap.Error(err))
		return
	}
	m.pctx.CheckpointFile = ""
}

// ExecuteCurrentState runs the handler of the current state and returns the
// trigger it produced. States that wait for external input return false.
// A missing or panicking handler produces the state's failure trigger.
func (m *Machine) ExecuteCurrentState(ctx context.Context) (workflow.Trigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.publish()

	state := m.sm.State()
	switch state {
	case workflow.StateIdle, workflow.StateCompleted, workflow.StateError:
		return "", false
	}
	if m.pctx == nil {
		m.logger.Error("No processing context", zap.String("state", state.String()))
		return "", false
	}

	success, _ := workflow.SuccessTrigger(state)
	failure, hasFailure := workflow.FailureTrigger(state)

	handler, ok := m.handlers[state]
	var outcome entity.Outcome
	if !ok {
		outcome = entity.Failed(entity.ReasonHandlerMissing, "no handler registered for %s", state)
	} else {
		outcome = m.safeRun(ctx, state, handler)
	}

	switch outcome.Kind {
	case entity.OutcomeSucceeded:
		m.logger.Debug("State handler succeeded",
			zap.String("state", state.String()),
			zap.String("message", outcome.Message))
		return success, true
	case entity.OutcomeFailed:
		m.pctx.RecordFailure(outcome.Reason, outcome.Message)
		m.logger.Warn("State handler failed",
			zap.String("file", m.pctx.CurrentFile),
			zap.String("state", state.String()),
			zap.String("reason", string(outcome.Reason)),
			zap.String("error", outcome.Message))
		if !hasFailure {
			return "", false
		}
		return failure, true
	default:
		return "", false
	}
}

func (m *Machine) safeRun(ctx context.Context, state workflow.State, h Handler) (out entity.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("State handler panicked",
				zap.String("state", state.String()),
				zap.Any("panic", r))
			out = entity.Failed(entity.ReasonHandlerPanic, "handler for %s panicked: %v", state, r)
		}
	}()
	return h(ctx, m.pctx)
}

// HandleError resolves ERROR: it retries while the budget allows and gives
// up otherwise. It returns true when a retry was scheduled.
func (m *Machine) HandleError(ctx context.Context, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.publish()

	if m.sm.State() != workflow.StateError || m.pctx == nil {
		m.logger.Warn("HandleError called outside ERROR", zap.String("state", m.sm.State().String()))
		return false
	}

	if message != "" {
		m.pctx.ErrorMessage = message
	}

	if m.pctx.CanRetry() && m.fire(ctx, workflow.TriggerRetry) {
		m.logger.Info("Retrying",
			zap.String("file", m.pctx.CurrentFile),
			zap.Int("retry_count", m.pctx.RetryCount),
			zap.Int("max_retries", m.pctx.MaxRetries))
		return true
	}

	reason := m.pctx.LastReason
	m.pctx.LastReason = entity.ReasonRetriesExhausted
	if !m.fire(ctx, workflow.TriggerGiveUp) {
		return false
	}
	// A re-queued file starts over with a fresh retry budget
	m.deleteCheckpoint(ctx)

	m.logger.Error("Giving up on file",
		zap.String("file", m.pctx.CurrentFile),
		zap.Int("retry_count", m.pctx.RetryCount),
		zap.String("last_reason", string(reason)),
		zap.String("error", m.pctx.ErrorMessage))

	m.emit(ctx, event.TypeRunFailed, m.closingPayload(reason))
	return false
}

func (m *Machine) closingPayload(reason entity.Reason) map[string]interface{} {
	payload := map[string]interface{}{
		event.KeyError:      m.pctx.ErrorMessage,
		event.KeyReason:     string(reason),
		event.KeyRetryCount: m.pctx.RetryCount,
		event.KeyDuration:   m.now().Sub(m.pctx.StartTime).Seconds(),
		event.KeyUploaded:   m.pctx.SuccessfulUploads(),
		event.KeyStages:     m.pctx.Stats.Stages(),
	}
	if m.pctx.CurrentData != nil {
		payload[event.KeyOrder] = m.pctx.CurrentData.OrdenCompra
	}
	return payload
}

// StartProcessing begins a fresh run for file
func (m *Machine) StartProcessing(ctx context.Context, file string, data *entity.PurchaseOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.publish()

	state := m.sm.State()
	if state != workflow.StateIdle && state != workflow.StateCompleted {
		return fmt.Errorf("%w: %s in %s", ErrBusy, m.currentFile(), state)
	}
	if data == nil {
		return fmt.Errorf("no record for %s", file)
	}

	now := m.now()
	m.pctx = entity.NewProcessingContext(uuid.NewString(), filepath.Base(file), file, data, m.cfg.MaxRetries, now)

	m.logger.Info("Starting processing",
		zap.String("run_id", m.pctx.RunID),
		zap.String("file", m.pctx.CurrentFile),
		zap.String("order", data.OrdenCompra))

	m.emit(ctx, event.TypeRunStarted, map[string]interface{}{
		event.KeyOrder:      data.OrdenCompra,
		event.KeyRetryCount: 0,
	})

	if !m.fire(ctx, workflow.TriggerStart) {
		return fmt.Errorf("%w: cannot start from %s", workflow.ErrInvalidTransition, state)
	}
	return nil
}

// TryResumeFromCheckpoint restores an interrupted run of file. Stale or
// unreadable checkpoints are deleted.
func (m *Machine) TryResumeFromCheckpoint(ctx context.Context, file string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.publish()

	state := m.sm.State()
	if state != workflow.StateIdle && state != workflow.StateCompleted {
		m.logger.Warn("Cannot resume while busy", zap.String("state", state.String()))
		return false
	}
	if m.checkpoints == nil {
		return false
	}

	base := entity.BaseName(file)
	cp, err := m.checkpoints.Load(ctx, base)
	if err != nil {
		if !errors.Is(err, entity.ErrCheckpointNotFound) {
			m.logger.Warn("Discarding unreadable checkpoint", zap.String("file", file), zap.Error(err))
			m.discardCheckpoint(ctx, base)
		}
		return false
	}

	now := m.now()
	if cp.IsStale(now, m.cfg.CheckpointMaxAge) {
		m.logger.Info("Discarding stale checkpoint",
			zap.String("file", file),
			zap.Time("timestamp", cp.Timestamp))
		m.discardCheckpoint(ctx, base)
		return false
	}
	if !cp.State.IsWorking() && cp.State != workflow.StateRetrying {
		m.logger.Warn("Discarding checkpoint in non-resumable state",
			zap.String("file", file),
			zap.String("state", cp.State.String()))
		m.discardCheckpoint(ctx, base)
		return false
	}

	pctx := entity.NewProcessingContext(uuid.NewString(), cp.File, file, nil, m.cfg.MaxRetries, now)
	cp.ApplyTo(pctx)
	if pctx.CurrentFile == "" {
		pctx.CurrentFile = filepath.Base(file)
	}

	recordPath := pctx.InputPath
	if pctx.ArchivedPath != "" {
		recordPath = pctx.ArchivedPath
	}
	if data, err := m.loadRecord(ctx, recordPath); err != nil {
		m.logger.Warn("Resumed without input record", zap.String("path", recordPath), zap.Error(err))
	} else {
		pctx.CurrentData = data
	}

	if err := m.sm.Restore(cp.State); err != nil {
		m.logger.Warn("Discarding checkpoint", zap.String("file", file), zap.Error(err))
		m.discardCheckpoint(ctx, base)
		return false
	}
	m.pctx = pctx
	m.pctx.CheckpointFile = m.checkpoints.Path(base)
	m.stateEntered = now

	m.logger.Info("Resumed from checkpoint",
		zap.String("run_id", pctx.RunID),
		zap.String("file", pctx.CurrentFile),
		zap.String("state", cp.State.String()),
		zap.Int("retry_count", pctx.RetryCount))

	payload := map[string]interface{}{
		event.KeyToState:    cp.State.String(),
		event.KeyRetryCount: pctx.RetryCount,
	}
	if pctx.CurrentData != nil {
		payload[event.KeyOrder] = pctx.CurrentData.OrdenCompra
	}
	m.emit(ctx, event.TypeRunStarted, payload)
	return true
}

func (m *Machine) discardCheckpoint(ctx context.Context, base string) {
	if err := m.checkpoints.Delete(ctx, base); err != nil && !errors.Is(err, entity.ErrCheckpointNotFound) {
		m.logger.Warn("Failed to delete checkpoint", zap.String("file", base), zap.Error(err))
	}
}

// CleanupCheckpoint removes the checkpoint of the current file
func (m *Machine) CleanupCheckpoint(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.publish()
	m.deleteCheckpoint(ctx)
}

// Reset returns the machine to IDLE. A run abandoned mid-pipeline keeps its
// checkpoint so it can be resumed later.
func (m *Machine) Reset(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.publish()

	switch state := m.sm.State(); state {
	case workflow.StateIdle:
		return
	case workflow.StateCompleted:
		m.fire(ctx, workflow.TriggerReset)
	case workflow.StateError:
		if m.fire(ctx, workflow.TriggerGiveUp) && m.pctx != nil {
			m.emit(ctx, event.TypeRunAbandoned, m.closingPayload(m.pctx.LastReason))
		}
	default:
		if err := m.sm.Restore(workflow.StateIdle); err != nil {
			return
		}
		m.stateEntered = m.now()
		m.logger.Warn("Run abandoned",
			zap.String("file", m.currentFile()),
			zap.String("state", state.String()))
		m.emit(ctx, event.TypeStateChanged, map[string]interface{}{
			event.KeyFromState:  state.String(),
			event.KeyToState:    workflow.StateIdle.String(),
			event.KeyTrigger:    workflow.TriggerReset.String(),
			event.KeyRetryCount: m.retryCount(),
		})
		if m.pctx != nil {
			m.emit(ctx, event.TypeRunAbandoned, m.closingPayload(m.pctx.LastReason))
		}
	}
}

func (m *Machine) emit(ctx context.Context, t event.Type, payload map[string]interface{}) {
	if m.dispatcher == nil {
		return
	}
	runID, file := "", ""
	if m.pctx != nil {
		runID, file = m.pctx.RunID, m.pctx.CurrentFile
	}
	if err := m.dispatcher.Dispatch(ctx, event.NewEvent(t, runID, file, payload)); err != nil {
		m.logger.Warn("Event subscribers failed", zap.String("event_type", t.String()), zap.Error(err))
	}
}

func (m *Machine) currentFile() string {
	if m.pctx == nil {
		return ""
	}
	return m.pctx.CurrentFile
}

func (m *Machine) retryCount() int {
	if m.pctx == nil {
		return 0
	}
	return m.pctx.RetryCount
}

// publish refreshes the snapshot returned by GetStateInfo. Callers hold mu.
func (m *Machine) publish() {
	info := StateInfo{
		State:             m.sm.State(),
		MaxRetries:        m.cfg.MaxRetries,
		PermittedTriggers: m.sm.PermittedTriggers(),
	}
	if p := m.pctx; p != nil {
		start := p.StartTime
		info.RunID = p.RunID
		info.File = p.CurrentFile
		info.RetryCount = p.RetryCount
		info.MaxRetries = p.MaxRetries
		info.ErrorMessage = p.ErrorMessage
		info.LastReason = p.LastReason
		info.LastSuccessfulState = p.LastSuccessfulState
		info.StartTime = &start
		info.Stats = p.Stats.Stages()
		info.CheckpointFile = p.CheckpointFile
	}

	m.infoMu.Lock()
	m.info = info
	m.infoMu.Unlock()
}
