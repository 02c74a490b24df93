package navigation

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/domain/screen"
)

// world is a simulated application: the detector reports its state and the
// executor moves it according to effects keyed by step target.
type world struct {
	state     screen.State
	effects   map[string]screen.State
	executed  []string
	detects   int
	saved     int
	failTimes map[string]int
}

func (w *world) DetectCurrentScreen(ctx context.Context, save bool) screen.DetectionResult {
	w.detects++
	if save {
		w.saved++
	}
	return screen.NewDetectionResult(w.state, 0.9, nil, nil, "", time.Time{})
}

func (w *world) VerifyScreenState(ctx context.Context, s screen.State, maxAttempts int) bool {
	return w.state == s
}

func (w *world) Locate(ctx context.Context, name string) (image.Point, float64, error) {
	return image.Point{}, 1, nil
}

func (w *world) Execute(ctx context.Context, step screen.NavigationStep) error {
	w.executed = append(w.executed, step.Target)
	if w.failTimes[step.Target] > 0 {
		w.failTimes[step.Target]--
		return errors.New("click missed")
	}
	if next, ok := w.effects[step.Target]; ok {
		w.state = next
	}
	return nil
}

func defaultEffects() map[string]screen.State {
	return map[string]screen.State{
		"sap_launcher":     screen.StateSAPDesktop,
		"menu_sales":       screen.StateSAPDesktop,
		"menu_sales_order": screen.StateSalesOrderForm,
		"ctrl+w":           screen.StateSAPDesktop,
		"Escape":           screen.StateSAPDesktop,
	}
}

func newTestPlanner(w *world) *Planner {
	cfg := Config{FinalVerifyAttempts: 2}
	return NewPlanner(w, w, DefaultRouteTable(), cfg, zap.NewNop())
}

func TestRouteTable_Route(t *testing.T) {
	rt := DefaultRouteTable()

	steps, ok := rt.Route(screen.StateRemoteDesktop, screen.StateSalesOrderForm)
	require.True(t, ok)
	var targets []string
	for _, s := range steps {
		targets = append(targets, s.Target)
	}
	assert.Equal(t, []string{"sap_launcher", "menu_sales", "menu_sales_order"}, targets)

	steps, ok = rt.Route(screen.StateSAPDesktop, screen.StateSAPDesktop)
	assert.True(t, ok)
	assert.Empty(t, steps)

	_, ok = rt.Route(screen.StateSalesOrderForm, screen.StateRemoteDesktop)
	assert.False(t, ok)

	require.NoError(t, rt.Validate())
}

func TestNavigate_AlreadyAtTargetIsIdempotent(t *testing.T) {
	w := &world{state: screen.StateSalesOrderForm, effects: defaultEffects()}
	p := newTestPlanner(w)

	assert.True(t, p.NavigateToTargetState(context.Background(), screen.StateSalesOrderForm, 3))
	assert.True(t, p.NavigateToTargetState(context.Background(), screen.StateSalesOrderForm, 3))
	assert.Empty(t, w.executed)
}

func TestNavigate_FollowsRoute(t *testing.T) {
	w := &world{state: screen.StateRemoteDesktop, effects: defaultEffects()}
	var observed []bool
	p := NewPlanner(w, w, DefaultRouteTable(), Config{FinalVerifyAttempts: 2}, zap.NewNop(),
		WithResultObserver(func(target screen.State, ok bool, attempts int) {
			observed = append(observed, ok)
		}))

	assert.True(t, p.NavigateToTargetState(context.Background(), screen.StateSalesOrderForm, 3))
	assert.Equal(t, []string{"sap_launcher", "menu_sales", "menu_sales_order"}, w.executed)
	assert.Equal(t, screen.StateSalesOrderForm, w.state)
	assert.Equal(t, []bool{true}, observed)
}

func TestNavigate_UnknownRecoversToBaselineFirst(t *testing.T) {
	w := &world{state: screen.StateUnknown, effects: defaultEffects()}
	p := newTestPlanner(w)

	assert.True(t, p.NavigateToTargetState(context.Background(), screen.StateSalesOrderForm, 3))
	assert.Equal(t, []string{"Escape", "menu_sales", "menu_sales_order"}, w.executed)
}

func TestNavigate_ErrorSavesDiagnosticScreenshot(t *testing.T) {
	w := &world{state: screen.StateError, effects: defaultEffects()}
	p := newTestPlanner(w)

	assert.True(t, p.NavigateToTargetState(context.Background(), screen.StateSAPDesktop, 2))
	assert.Equal(t, 1, w.saved)
	assert.Equal(t, []string{"Escape"}, w.executed)
}

func TestNavigate_StepRetries(t *testing.T) {
	w := &world{
		state:     screen.StateSAPDesktop,
		effects:   defaultEffects(),
		failTimes: map[string]int{"menu_sales_order": 2},
	}
	p := newTestPlanner(w)

	assert.True(t, p.NavigateToTargetState(context.Background(), screen.StateSalesOrderForm, 1))
	assert.Equal(t, []string{"menu_sales", "menu_sales_order", "menu_sales_order", "menu_sales_order"}, w.executed)
}

func TestNavigate_Exhausted(t *testing.T) {
	w := &world{
		state:     screen.StateSAPDesktop,
		effects:   defaultEffects(),
		failTimes: map[string]int{"menu_sales_order": 100},
	}
	p := newTestPlanner(w)

	assert.False(t, p.NavigateToTargetState(context.Background(), screen.StateSalesOrderForm, 2))
	// two attempts, each: menu_sales once, menu_sales_order 1+2 retries
	assert.Len(t, w.executed, 8)
}

func TestNavigate_NoRoute(t *testing.T) {
	w := &world{state: screen.StateSalesOrderForm, effects: defaultEffects()}
	p := newTestPlanner(w)

	assert.False(t, p.NavigateToTargetState(context.Background(), screen.StateRemoteDesktop, 2))
	assert.Empty(t, w.executed)
}

func TestLoadRouteTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	content := `baseline: sap_desktop
edges:
  remote_desktop:
    - to: sap_desktop
      steps:
        - action: open_application
          target: sap_launcher
          expected: sap_desktop
          timeout: 5s
          retries: 1
recovery:
  - action: press_key
    target: Escape
    expected: sap_desktop
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rt, err := LoadRouteTable(path)
	require.NoError(t, err)
	assert.Equal(t, screen.StateSAPDesktop, rt.Baseline)

	steps, ok := rt.Route(screen.StateRemoteDesktop, screen.StateSAPDesktop)
	require.True(t, ok)
	require.Len(t, steps, 1)
	assert.Equal(t, 5*time.Second, steps[0].Timeout)
	assert.Equal(t, 1, steps[0].Retries)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("baseline: unknown\n"), 0o644))
	_, err = LoadRouteTable(bad)
	assert.Error(t, err)
}
