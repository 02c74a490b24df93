package process

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/dispatcher"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
	"github.com/garyjia/erp-autoentry/internal/domain/event"
	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
)

// memCheckpoints keeps checkpoints as JSON so the wire format round-trips
type memCheckpoints struct {
	mu      sync.Mutex
	data    map[string][]byte
	saves   int
	loadErr error
	deleted []string
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{data: make(map[string][]byte)}
}

func (s *memCheckpoints) Save(ctx context.Context, cp *entity.Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	base := entity.BaseName(cp.File)
	s.data[base] = b
	s.saves++
	return s.Path(base), nil
}

func (s *memCheckpoints) Load(ctx context.Context, file string) (*entity.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	b, ok := s.data[file]
	if !ok {
		return nil, entity.ErrCheckpointNotFound
	}
	var cp entity.Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *memCheckpoints) Delete(ctx context.Context, file string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, file)
	delete(s.data, file)
	return nil
}

func (s *memCheckpoints) Path(file string) string {
	return "mem://" + file + ".checkpoint.json"
}

func (s *memCheckpoints) get(t *testing.T, base string) *entity.Checkpoint {
	t.Helper()
	cp, err := s.Load(context.Background(), base)
	require.NoError(t, err)
	return cp
}

type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

type recorder struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recorder) handle(ctx context.Context, evt *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testOrder() *entity.PurchaseOrder {
	return &entity.PurchaseOrder{
		Comprador:    entity.Buyer{NIT: "900123456"},
		OrdenCompra:  "OC-1",
		FechaEntrega: "01/02/2026",
		Items: []entity.LineItem{
			{Codigo: "A1", Cantidad: "2", PrecioUnitario: "10.5"},
		},
	}
}

func succeedAll() map[workflow.State]Handler {
	handlers := make(map[workflow.State]Handler)
	for _, s := range workflow.WorkingStates {
		handlers[s] = func(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
			return entity.Succeeded("ok")
		}
	}
	handlers[workflow.StateRetrying] = func(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
		pctx.ClearError()
		return entity.Succeeded("retry")
	}
	return handlers
}

type fixture struct {
	machine *Machine
	store   *memCheckpoints
	events  *recorder
	clock   *stepClock
}

func newFixture(t *testing.T, handlers map[workflow.State]Handler, maxRetries int) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemCheckpoints(),
		events: &recorder{},
		clock:  &stepClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), step: time.Second},
	}
	d := dispatcher.NewDispatcher()
	d.SubscribeAll("recorder", f.events.handle)

	f.machine = NewMachine(handlers, f.store, Config{MaxRetries: maxRetries}, zap.NewNop(),
		WithDispatcher(d),
		WithClock(f.clock.Now),
		WithRecordLoader(func(ctx context.Context, path string) (*entity.PurchaseOrder, error) {
			return testOrder(), nil
		}))
	return f
}

func TestMachine_IllegalTriggerLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, succeedAll(), 1)
	ctx := context.Background()

	assert.False(t, f.machine.TriggerEvent(ctx, workflow.TriggerConnected))
	assert.False(t, f.machine.TriggerEvent(ctx, workflow.TriggerRetry))
	assert.Equal(t, workflow.StateIdle, f.machine.State())
	assert.Zero(t, f.events.count(event.TypeStateChanged))

	require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
	assert.False(t, f.machine.TriggerEvent(ctx, workflow.TriggerFormReached))
	assert.Equal(t, workflow.StateConnectingRemoteDesktop, f.machine.State())
}

func TestMachine_StartWhileBusy(t *testing.T) {
	f := newFixture(t, succeedAll(), 1)
	ctx := context.Background()

	require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
	err := f.machine.StartProcessing(ctx, "/inbox/OC-2.json", testOrder())
	assert.ErrorIs(t, err, ErrBusy)

	assert.Error(t, newFixture(t, succeedAll(), 1).machine.StartProcessing(ctx, "x.json", nil))
}

func TestMachine_HappyPath(t *testing.T) {
	f := newFixture(t, succeedAll(), 2)
	ctx := context.Background()

	require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
	state, err := NewRunner(f.machine, zap.NewNop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, state)

	info := f.machine.GetStateInfo()
	assert.Equal(t, "OC-1.json", info.File)
	assert.Len(t, info.Stats, len(workflow.WorkingStates))
	for _, s := range workflow.WorkingStates {
		assert.Contains(t, info.Stats, s.String())
	}
	assert.Equal(t, workflow.StateUploadingArtifacts, info.LastSuccessfulState)
	assert.Zero(t, info.RetryCount)
	assert.Empty(t, info.CheckpointFile)

	// one save per persisted transition, then deleted on completion
	assert.Equal(t, 12, f.store.saves)
	assert.Empty(t, f.store.data)

	assert.Equal(t, 1, f.events.count(event.TypeRunStarted))
	assert.Equal(t, 12, f.events.count(event.TypeStateChanged))
	assert.Equal(t, 1, f.events.count(event.TypeRunCompleted))
}

func TestMachine_RetryBound(t *testing.T) {
	handlers := succeedAll()
	var calls int
	handlers[workflow.StateOpeningApp] = func(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
		calls++
		if pctx.RetryCount > pctx.MaxRetries {
			t.Errorf("retry_count %d exceeds max %d", pctx.RetryCount, pctx.MaxRetries)
		}
		return entity.Failed(entity.ReasonAppNotFound, "launcher missing")
	}
	f := newFixture(t, handlers, 2)
	ctx := context.Background()

	require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
	state, err := NewRunner(f.machine, zap.NewNop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateIdle, state)

	assert.Equal(t, 3, calls)
	info := f.machine.GetStateInfo()
	assert.Equal(t, 2, info.RetryCount)
	assert.Equal(t, "launcher missing", info.ErrorMessage)
	assert.Equal(t, entity.ReasonRetriesExhausted, info.LastReason)
	assert.Equal(t, 1, f.events.count(event.TypeRunFailed))

	// a given-up file starts over with a fresh budget when re-queued
	assert.Empty(t, f.store.data)
	assert.Contains(t, f.store.deleted, "OC-1")
	assert.False(t, f.machine.TryResumeFromCheckpoint(ctx, "/inbox/OC-1.json"))
}

func TestMachine_RetryTriggerConsumesBudget(t *testing.T) {
	f := newFixture(t, succeedAll(), 1)
	ctx := context.Background()

	require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
	advanceTo(t, f.machine, workflow.TriggerConnectionFailed)

	// a direct RETRY is counted like one scheduled by HandleError
	require.True(t, f.machine.TriggerEvent(ctx, workflow.TriggerRetry))
	assert.Equal(t, 1, f.machine.GetStateInfo().RetryCount)
	assert.Equal(t, 1, f.store.get(t, "OC-1").RetryCount)

	advanceTo(t, f.machine, workflow.TriggerStart, workflow.TriggerConnectionFailed)
	for i := 0; i < 3; i++ {
		assert.False(t, f.machine.TriggerEvent(ctx, workflow.TriggerRetry))
	}
	info := f.machine.GetStateInfo()
	assert.Equal(t, workflow.StateError, info.State)
	assert.Equal(t, 1, info.RetryCount)

	assert.False(t, f.machine.HandleError(ctx, "still down"))
	assert.Equal(t, workflow.StateIdle, f.machine.State())
	assert.Equal(t, 1, f.machine.GetStateInfo().RetryCount)
}

// legalTransitions is the transition table written out by hand
func legalTransitions() map[workflow.State]map[workflow.Trigger]workflow.State {
	table := map[workflow.State]map[workflow.Trigger]workflow.State{
		workflow.StateIdle:      {workflow.TriggerStart: workflow.StateConnectingRemoteDesktop},
		workflow.StateRetrying:  {workflow.TriggerStart: workflow.StateConnectingRemoteDesktop},
		workflow.StateCompleted: {workflow.TriggerStart: workflow.StateConnectingRemoteDesktop, workflow.TriggerReset: workflow.StateIdle},
		workflow.StateError:     {workflow.TriggerRetry: workflow.StateRetrying, workflow.TriggerGiveUp: workflow.StateIdle},
	}
	for i, s := range workflow.WorkingStates {
		next := workflow.StateCompleted
		if i+1 < len(workflow.WorkingStates) {
			next = workflow.WorkingStates[i+1]
		}
		success, _ := workflow.SuccessTrigger(s)
		failure, _ := workflow.FailureTrigger(s)
		table[s] = map[workflow.Trigger]workflow.State{success: next, failure: workflow.StateError}
	}
	return table
}

func TestMachine_TransitionLegality(t *testing.T) {
	legal := legalTransitions()
	ctx := context.Background()

	for _, from := range workflow.AllStates {
		for _, trigger := range workflow.AllTriggers {
			f := newFixture(t, succeedAll(), 2)
			require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
			require.NoError(t, f.machine.sm.Restore(from))

			want, ok := legal[from][trigger]
			accepted := f.machine.TriggerEvent(ctx, trigger)

			assert.Equal(t, ok, accepted, "%s --%s-->", from, trigger)
			if ok {
				assert.Equal(t, want, f.machine.State(), "%s --%s-->", from, trigger)
			} else {
				assert.Equal(t, from, f.machine.State(), "%s --%s-->", from, trigger)
			}
		}
	}
}

func TestMachine_HandleErrorOutsideError(t *testing.T) {
	f := newFixture(t, succeedAll(), 2)
	assert.False(t, f.machine.HandleError(context.Background(), "nothing"))
	assert.Equal(t, workflow.StateIdle, f.machine.State())
}

func TestMachine_MissingAndPanickingHandlers(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, map[workflow.State]Handler{}, 1)
	require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
	trigger, ok := f.machine.ExecuteCurrentState(ctx)
	assert.True(t, ok)
	assert.Equal(t, workflow.TriggerConnectionFailed, trigger)
	assert.Equal(t, entity.ReasonHandlerMissing, f.machine.GetStateInfo().LastReason)

	f = newFixture(t, map[workflow.State]Handler{
		workflow.StateConnectingRemoteDesktop: func(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
			panic("driver exploded")
		},
	}, 1)
	require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
	trigger, ok = f.machine.ExecuteCurrentState(ctx)
	assert.True(t, ok)
	assert.Equal(t, workflow.TriggerConnectionFailed, trigger)
	info := f.machine.GetStateInfo()
	assert.Equal(t, entity.ReasonHandlerPanic, info.LastReason)
	assert.Contains(t, info.ErrorMessage, "driver exploded")
}

func TestMachine_NoEventStates(t *testing.T) {
	f := newFixture(t, succeedAll(), 1)
	_, ok := f.machine.ExecuteCurrentState(context.Background())
	assert.False(t, ok)
}

func TestMachine_CallbacksOrderAndPanics(t *testing.T) {
	f := newFixture(t, succeedAll(), 1)
	ctx := context.Background()
	var seen []string

	f.machine.OnExit(workflow.StateIdle, func(ctx context.Context, tr Transition) {
		seen = append(seen, "exit:"+tr.From.String())
	})
	f.machine.OnEnter(workflow.StateConnectingRemoteDesktop, func(ctx context.Context, tr Transition) {
		panic("callback bug")
	})
	f.machine.OnEnter(workflow.StateConnectingRemoteDesktop, func(ctx context.Context, tr Transition) {
		seen = append(seen, "enter:"+tr.To.String())
	})

	require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
	assert.Equal(t, []string{"exit:IDLE", "enter:CONNECTING_REMOTE_DESKTOP"}, seen)
	assert.Equal(t, workflow.StateConnectingRemoteDesktop, f.machine.State())
}

func advanceTo(t *testing.T, m *Machine, triggers ...workflow.Trigger) {
	t.Helper()
	for _, tr := range triggers {
		require.True(t, m.TriggerEvent(context.Background(), tr), "trigger %s", tr)
	}
}

func TestMachine_CheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	first := newFixture(t, succeedAll(), 3)

	require.NoError(t, first.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
	advanceTo(t, first.machine,
		workflow.TriggerConnected,
		workflow.TriggerAppOpenFailed)
	require.True(t, first.machine.HandleError(ctx, "launcher missing"))
	advanceTo(t, first.machine,
		workflow.TriggerStart,
		workflow.TriggerConnected,
		workflow.TriggerAppOpened,
		workflow.TriggerFormReached,
		workflow.TriggerIDLoaded,
		workflow.TriggerOrderLoaded)
	before := first.machine.GetStateInfo()
	runID := before.RunID
	require.Equal(t, 1, before.RetryCount)

	cp := first.store.get(t, "OC-1")
	assert.Equal(t, workflow.StateLoadingDateField, cp.State)
	assert.Equal(t, workflow.StateLoadingOrderField, cp.LastSuccessfulState)
	assert.Equal(t, "OC-1.json", cp.File)

	// a new process picks up the same store
	var loadedFrom string
	clock := &stepClock{t: first.clock.t, step: time.Second}
	second := NewMachine(succeedAll(), first.store, Config{MaxRetries: 3}, zap.NewNop(),
		WithClock(clock.Now),
		WithRecordLoader(func(ctx context.Context, path string) (*entity.PurchaseOrder, error) {
			loadedFrom = path
			return testOrder(), nil
		}))

	require.True(t, second.TryResumeFromCheckpoint(ctx, "/inbox/OC-1.json"))
	info := second.GetStateInfo()
	assert.Equal(t, workflow.StateLoadingDateField, info.State)
	assert.Equal(t, runID, info.RunID)
	assert.Equal(t, "/inbox/OC-1.json", loadedFrom)
	assert.Equal(t, "mem://OC-1.checkpoint.json", info.CheckpointFile)
	assert.Equal(t, before.RetryCount, info.RetryCount)
	assert.Equal(t, before.MaxRetries, info.MaxRetries)
	assert.Equal(t, before.LastSuccessfulState, info.LastSuccessfulState)
	assert.Equal(t, before.Stats, info.Stats)
	assert.Len(t, info.Stats, 5)

	state, err := NewRunner(second, zap.NewNop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, state)
	assert.Len(t, second.GetStateInfo().Stats, 11)
	assert.Empty(t, first.store.data)
}

func TestMachine_ResumeRejectsStaleAndUnreadable(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, succeedAll(), 1)
	require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
	require.NotEmpty(t, f.store.data)

	later := &stepClock{t: f.clock.t.Add(2 * time.Hour)}
	stale := NewMachine(succeedAll(), f.store, Config{MaxRetries: 1}, zap.NewNop(), WithClock(later.Now))
	assert.False(t, stale.TryResumeFromCheckpoint(ctx, "OC-1.json"))
	assert.Equal(t, workflow.StateIdle, stale.State())
	assert.Empty(t, f.store.data, "stale checkpoint should be deleted")

	assert.False(t, stale.TryResumeFromCheckpoint(ctx, "OC-404.json"))

	broken := newMemCheckpoints()
	broken.loadErr = errors.New("unexpected end of JSON input")
	m := NewMachine(succeedAll(), broken, Config{MaxRetries: 1}, zap.NewNop())
	assert.False(t, m.TryResumeFromCheckpoint(ctx, "OC-9.json"))
	assert.Equal(t, []string{"OC-9"}, broken.deleted)
}

func TestMachine_Reset(t *testing.T) {
	ctx := context.Background()

	t.Run("abandons a working run and keeps its checkpoint", func(t *testing.T) {
		f := newFixture(t, succeedAll(), 1)
		require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
		advanceTo(t, f.machine, workflow.TriggerConnected)

		f.machine.Reset(ctx)
		assert.Equal(t, workflow.StateIdle, f.machine.State())
		assert.Equal(t, workflow.StateOpeningApp, f.store.get(t, "OC-1").State)
		assert.Equal(t, 1, f.events.count(event.TypeRunAbandoned))
	})

	t.Run("completed resets to idle", func(t *testing.T) {
		f := newFixture(t, succeedAll(), 1)
		require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
		_, err := NewRunner(f.machine, zap.NewNop()).Run(ctx)
		require.NoError(t, err)

		f.machine.Reset(ctx)
		assert.Equal(t, workflow.StateIdle, f.machine.State())
	})

	t.Run("idle is a no-op", func(t *testing.T) {
		f := newFixture(t, succeedAll(), 1)
		f.machine.Reset(ctx)
		assert.Equal(t, workflow.StateIdle, f.machine.State())
		assert.Zero(t, f.events.count(event.TypeStateChanged))
	})
}

func TestRunner_Stop(t *testing.T) {
	handlers := succeedAll()
	var runner *Runner
	handlers[workflow.StateLoadingIDField] = func(ctx context.Context, pctx *entity.ProcessingContext) entity.Outcome {
		runner.Stop()
		return entity.Succeeded("ok")
	}
	f := newFixture(t, handlers, 1)
	runner = NewRunner(f.machine, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
	state, err := runner.Run(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, workflow.StateLoadingIDField, state)
	assert.Equal(t, workflow.StateLoadingIDField, f.store.get(t, "OC-1").State)
}

func TestRunner_StopBeforeRun(t *testing.T) {
	f := newFixture(t, succeedAll(), 1)
	runner := NewRunner(f.machine, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, f.machine.StartProcessing(ctx, "/inbox/OC-1.json", testOrder()))
	runner.Stop()

	state, err := runner.Run(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, workflow.StateConnectingRemoteDesktop, state)
	assert.True(t, runner.Stopped())

	runner.Reset()
	state, err = runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, state)
}
