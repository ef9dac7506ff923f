package engine

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackup/internal/backend"
	"stackup/internal/descriptor"
	"stackup/internal/errors"
	"stackup/internal/health"
	"stackup/internal/testutil"
)

func zeroWait(*descriptor.Service) health.Policy {
	return health.Policy{MaxAttempts: 3}
}

func service(id string, deps ...string) *descriptor.Service {
	return &descriptor.Service{
		ID:        id,
		DependsOn: deps,
		Install:   []descriptor.Action{{Command: &descriptor.CommandAction{Argv: []string{"/usr/bin/install-" + id}}}},
		Unit:      descriptor.UnitSpec{Exec: "/usr/bin/" + id},
	}
}

func chainSet(t *testing.T) *descriptor.Set {
	set, err := descriptor.NewSet("chain", []*descriptor.Service{
		service("a"),
		service("b", "a"),
		service("c", "b"),
	})
	require.NoError(t, err)
	return set
}

func newEngine(b backend.Backend, observer Observer) *Engine {
	return New(Config{Backend: b, Policy: zeroWait, Observer: observer})
}

func states(run *Run) map[string]State {
	out := make(map[string]State)
	for id, res := range run.Results {
		out[id] = res.State
	}
	return out
}

func TestRunAllHealthy(t *testing.T) {
	b := testutil.NewMockBackend()
	rec := &Recorder{}

	run, err := newEngine(b, rec).Run(context.Background(), chainSet(t), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, run.Plan)
	assert.Equal(t, []string{"a", "b", "c"}, b.AppliedIDs())
	for _, res := range run.Ordered() {
		assert.Equal(t, StateHealthy, res.State, res.ServiceID)
		assert.Equal(t, ReasonApplied, res.Reason)
		assert.True(t, res.Installed)
		assert.Equal(t, 1, res.Attempts)
		assert.NotNil(t, res.StartedAt)
		assert.NotNil(t, res.FinishedAt)
	}
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.Cancelled)

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, EventRunStarted, events[0].Type)
	assert.Equal(t, EventRunFinished, events[len(events)-1].Type)
}

func TestRunUpstreamInstallFailure(t *testing.T) {
	b := testutil.NewMockBackend()
	b.SetError("Apply:b", fmt.Errorf("apt-get install exited 100"))

	run, err := newEngine(b, nil).Run(context.Background(), chainSet(t), nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]State{"a": StateHealthy, "b": StateFailed, "c": StateSkipped}, states(run))
	assert.Equal(t, errors.ErrInstall, run.Result("b").Code)
	assert.Contains(t, run.Result("b").Reason, "apt-get install exited 100")
	assert.Equal(t, "upstream failed: b", run.Result("c").Reason)
	assert.Equal(t, errors.ErrUpstream, run.Result("c").Code)
	assert.False(t, run.Result("c").Installed)
	assert.Equal(t, []string{"a", "b"}, b.AppliedIDs(), "c must never be attempted")
}

func TestRunSkippedNeverInstallingOrHealthy(t *testing.T) {
	b := testutil.NewMockBackend()
	b.SetError("Apply:a", fmt.Errorf("boom"))
	rec := &Recorder{}

	_, err := newEngine(b, rec).Run(context.Background(), chainSet(t), nil)
	require.NoError(t, err)

	for _, ev := range rec.Events() {
		if ev.ServiceID == "b" || ev.ServiceID == "c" {
			assert.Equal(t, StateSkipped, ev.State, "%s entered %s", ev.ServiceID, ev.State)
		}
	}
}

func TestRunHealthTimeoutIsNotInstallFailure(t *testing.T) {
	b := testutil.NewMockBackend()
	b.SetInactive("a")
	set, err := descriptor.NewSet("single", []*descriptor.Service{service("a")})
	require.NoError(t, err)

	run, err := newEngine(b, nil).Run(context.Background(), set, nil)
	require.NoError(t, err)

	res := run.Result("a")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, errors.ErrHealthTimeout, res.Code)
	assert.True(t, res.Installed)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Reason, "health check failed after 3 attempts")
	assert.Len(t, b.AppliedIDs(), 1, "install is never retried")
}

func TestRunIdempotentReapply(t *testing.T) {
	b := testutil.NewMockBackend()
	e := newEngine(b, nil)

	first, err := e.Run(context.Background(), chainSet(t), nil)
	require.NoError(t, err)
	second, err := e.Run(context.Background(), chainSet(t), nil)
	require.NoError(t, err)

	assert.Equal(t, states(first), states(second))
	assert.Len(t, b.AppliedIDs(), 3, "second run performs no install")
	for _, res := range second.Ordered() {
		assert.Equal(t, StateHealthy, res.State)
		assert.False(t, res.Installed)
		assert.Equal(t, ReasonCurrent, res.Reason)
	}
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRunCancelledDuringVerification(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := testutil.NewMockBackend()
	b.IsActiveFn = func(ctx context.Context, unit string) (bool, error) {
		if unit == "b" {
			cancel()
			return false, nil
		}
		return true, nil
	}

	run, err := newEngine(b, nil).Run(ctx, chainSet(t), nil)
	require.NoError(t, err)

	assert.True(t, run.Cancelled)
	assert.Equal(t, map[string]State{"a": StateHealthy, "b": StateFailed, "c": StateSkipped}, states(run))
	assert.Equal(t, ReasonCancelled, run.Result("b").Reason)
	assert.Equal(t, ReasonCancelled, run.Result("c").Reason)
	assert.Equal(t, errors.ErrCancelled, run.Result("c").Code)
}

func TestRunCancelledDuringInstall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := testutil.NewMockBackend()
	b.ApplyFn = func(ctx context.Context, svc *descriptor.Service) error {
		if svc.ID == "a" {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	run, err := newEngine(b, nil).Run(ctx, chainSet(t), nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]State{"a": StateFailed, "b": StateSkipped, "c": StateSkipped}, states(run))
	assert.Equal(t, ReasonCancelled, run.Result("a").Reason)
	assert.Equal(t, errors.ErrCancelled, run.Result("a").Code)
}

func TestRunCancellationCoversEveryService(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rnd := rand.New(rand.NewSource(seed))
			n := 3 + rnd.Intn(8)
			services := make([]*descriptor.Service, n)
			for i := range services {
				var deps []string
				for j := 0; j < i; j++ {
					if rnd.Intn(3) == 0 {
						deps = append(deps, fmt.Sprintf("s%d", j))
					}
				}
				services[i] = service(fmt.Sprintf("s%d", i), deps...)
			}
			set, err := descriptor.NewSet("random", services)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			stopAt := rnd.Intn(n)
			applied := 0

			b := testutil.NewMockBackend()
			b.ApplyFn = func(ctx context.Context, svc *descriptor.Service) error {
				if applied == stopAt {
					cancel()
				}
				applied++
				return nil
			}

			run, err := newEngine(b, nil).Run(ctx, set, nil)
			require.NoError(t, err)
			require.Len(t, run.Results, n)
			for _, res := range run.Results {
				assert.True(t, res.State.Terminal(), "%s left in %s", res.ServiceID, res.State)
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestRunCycleHasNoSideEffects(t *testing.T) {
	set, err := descriptor.NewSet("cycle", []*descriptor.Service{
		service("a", "c"),
		service("b", "a"),
		service("c", "b"),
	})
	require.NoError(t, err)

	b := testutil.NewMockBackend()
	run, err := newEngine(b, nil).Run(context.Background(), set, nil)
	require.Error(t, err)
	assert.Nil(t, run)
	assert.True(t, errors.HasCode(err, errors.ErrCycle))
	assert.Empty(t, b.GetCalls("IsCurrent"))
	assert.Empty(t, b.AppliedIDs())
}

func TestRunDryRun(t *testing.T) {
	b := testutil.NewMockBackend()
	run, err := New(Config{Backend: b, Policy: zeroWait, DryRun: true}).Run(context.Background(), chainSet(t), nil)
	require.NoError(t, err)

	assert.True(t, run.DryRun)
	assert.Equal(t, []string{"a", "b", "c"}, run.Plan)
	assert.Empty(t, b.AppliedIDs())
	for _, res := range run.Ordered() {
		assert.Equal(t, StatePending, res.State)
		assert.Equal(t, ReasonDryRun+": "+ReasonWouldRun, res.Reason)
	}
}

func TestRunBatchedConvergesOnce(t *testing.T) {
	b := testutil.NewMockConverger()
	rec := &Recorder{}

	run, err := newEngine(b, rec).Run(context.Background(), chainSet(t), nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]State{"a": StateHealthy, "b": StateHealthy, "c": StateHealthy}, states(run))
	assert.Equal(t, []interface{}{3}, b.GetCalls("Converge"))

	var converge int
	for _, ev := range rec.Events() {
		if ev.Type == EventConvergeStarted {
			converge++
			assert.Equal(t, []string{"a", "b", "c"}, ev.Plan)
		}
	}
	assert.Equal(t, 1, converge)

	// Second run: everything current, no convergence
	_, err = newEngine(b, nil).Run(context.Background(), chainSet(t), nil)
	require.NoError(t, err)
	assert.Len(t, b.GetCalls("Converge"), 1)
}

func TestRunBatchedConvergeFailureFailsBatch(t *testing.T) {
	b := testutil.NewMockConverger()
	b.SetError("Converge", fmt.Errorf("nixos-rebuild switch: exit status 1"))

	run, err := newEngine(b, nil).Run(context.Background(), chainSet(t), nil)
	require.NoError(t, err)

	for _, res := range run.Ordered() {
		assert.Equal(t, StateFailed, res.State, res.ServiceID)
		assert.Equal(t, errors.ErrInstall, res.Code)
	}
}

func TestRunBatchedStageFailureSkipsDependents(t *testing.T) {
	b := testutil.NewMockConverger()
	b.SetError("Apply:a", fmt.Errorf("download failed"))

	set, err := descriptor.NewSet("mixed", []*descriptor.Service{
		service("a"),
		service("b", "a"),
		service("d"),
	})
	require.NoError(t, err)

	run, err := newEngine(b, nil).Run(context.Background(), set, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]State{"a": StateFailed, "b": StateSkipped, "d": StateHealthy}, states(run))
	assert.Equal(t, []interface{}{1}, b.GetCalls("Converge"))
}

func TestRunEndpointsCarried(t *testing.T) {
	svc := service("webui")
	svc.Endpoint = "http://localhost:8080"
	set, err := descriptor.NewSet("one", []*descriptor.Service{svc})
	require.NoError(t, err)

	run, err := newEngine(testutil.NewMockBackend(), nil).Run(context.Background(), set, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", run.Result("webui").Endpoint)
}
