package engine_test

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteflow/internal/domain"
	"siteflow/internal/engine"
	"siteflow/internal/repo"
)

func TestInstantiateReadiness(t *testing.T) {
	env := newTestEnv(t)
	sla := 24
	v := env.publish(t,
		engine.StepInput{Key: "a", Name: "A", Type: domain.StepTypeTask, SLAHours: &sla},
		task("b"),
		task("c", "a", "b"),
	)
	inst := env.start(t, v, nil)
	require.Equal(t, domain.InstancePending, inst.Status)
	require.Len(t, inst.Steps, 3)

	a := env.stepByKey(t, inst.ID, "a")
	b := env.stepByKey(t, inst.ID, "b")
	c := env.stepByKey(t, inst.ID, "c")
	assert.Equal(t, domain.StepReady, a.Status)
	assert.Equal(t, domain.StepReady, b.Status)
	assert.Equal(t, domain.StepPending, c.Status)
	require.NotNil(t, a.Deadline)
	assert.Equal(t, "2024-01-02T00:00:00Z", *a.Deadline)
	assert.Nil(t, b.Deadline)

	assert.Len(t, env.events(t, "instance.created", inst.ID), 1)
	assert.Len(t, env.events(t, "step.ready", a.ID), 1)
	assert.Len(t, env.events(t, "step.ready", c.ID), 0)

	env.progress(t, a.ID, domain.StepInProgress, domain.StepCompleted)
	c = env.stepByKey(t, inst.ID, "c")
	assert.Equal(t, domain.StepPending, c.Status, "c still waits on b")

	env.progress(t, b.ID, domain.StepInProgress, domain.StepCompleted)
	c = env.stepByKey(t, inst.ID, "c")
	assert.Equal(t, domain.StepReady, c.Status)
	assert.Len(t, env.events(t, "step.ready", c.ID), 1)

	got, err := env.Engine.GetInstance(env.Ctx, tenantID, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceInProgress, got.Status)

	env.progress(t, c.ID, domain.StepInProgress, domain.StepCompleted)
	got, err = env.Engine.GetInstance(env.Ctx, tenantID, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Len(t, env.events(t, "instance.completed", inst.ID), 1)
}

func TestInstantiateRequiresPublished(t *testing.T) {
	env := newTestEnv(t)
	v := env.draft(t, task("a"))
	_, err := env.Engine.Instantiate(env.Ctx, tenantID, engine.InstantiateOptions{ProjectID: "p", VersionID: v.ID, ActorID: actor})
	require.ErrorIs(t, err, engine.ErrVersionNotPublished)
}

func TestInstantiateResolvesAssigneeAndDefaults(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, engine.StepInput{
		Key: "pour", Name: "Pour", Type: domain.StepTypeForm,
		AssigneeRule: []domain.AssignmentRule{
			{When: &domain.Condition{Field: "region", Op: "eq", Value: "north"}, Assignee: "crew-north"},
			{Assignee: "crew-any"},
		},
		Fields: []engine.FieldInput{{Key: "slump", Type: domain.FieldNumber, Default: 90}},
	})
	north := env.start(t, v, map[string]any{"region": "north"})
	south := env.start(t, v, map[string]any{"region": "south"})
	require.Equal(t, "crew-north", *env.stepByKey(t, north.ID, "pour").Assignee)
	require.Equal(t, "crew-any", *env.stepByKey(t, south.ID, "pour").Assignee)

	values, err := env.Engine.ListValues(env.Ctx, tenantID, env.stepByKey(t, north.ID, "pour").ID)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, 90.0, *values[0].Number)
}

func TestRecordProgressTransitions(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, task("a"), task("b", "a"))
	inst := env.start(t, v, nil)
	a := env.stepByKey(t, inst.ID, "a")
	b := env.stepByKey(t, inst.ID, "b")

	_, err := env.Engine.RecordProgress(env.Ctx, tenantID, b.ID, domain.StepInProgress, actor)
	var terr *engine.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.StepPending, terr.From)

	_, err = env.Engine.RecordProgress(env.Ctx, tenantID, a.ID, domain.StepCompleted, actor)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)

	_, err = env.Engine.RecordProgress(env.Ctx, tenantID, a.ID, "done", actor)
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	st := env.progress(t, a.ID, domain.StepInProgress, domain.StepBlocked, domain.StepInProgress)
	require.NotNil(t, st.StartedAt)
	assert.Len(t, env.events(t, "step.started", a.ID), 1)
	assert.Len(t, env.events(t, "step.blocked", a.ID), 1)
	assert.Len(t, env.events(t, "step.resumed", a.ID), 1)

	st = env.progress(t, a.ID, domain.StepCompleted)
	require.NotNil(t, st.CompletedAt)
	_, err = env.Engine.RecordProgress(env.Ctx, tenantID, a.ID, domain.StepInProgress, actor)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestRecordProgressSameStatusIsNoop(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, task("a"))
	inst := env.start(t, v, nil)
	a := env.stepByKey(t, inst.ID, "a")
	first := env.progress(t, a.ID, domain.StepInProgress)
	again := env.progress(t, a.ID, domain.StepInProgress)
	assert.Equal(t, first, again)
	assert.Len(t, env.events(t, "step.started", a.ID), 1)
}

func TestCompletionRequiresVisibleFields(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, engine.StepInput{
		Key: "check", Name: "Check", Type: domain.StepTypeForm,
		Fields: []engine.FieldInput{
			{Key: "kind", Type: domain.FieldString, Required: true},
			{Key: "rebar_count", Type: domain.FieldNumber, Required: true,
				VisibleWhen: &domain.Condition{Field: "kind", Op: "eq", Value: "reinforced"}},
		},
	})
	inst := env.start(t, v, nil)
	st := env.stepByKey(t, inst.ID, "check")
	env.progress(t, st.ID, domain.StepInProgress)

	_, err := env.Engine.RecordProgress(env.Ctx, tenantID, st.ID, domain.StepCompleted, actor)
	var merr *engine.MissingFieldsError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, []string{"kind"}, merr.Fields)

	_, err = env.Engine.SetValue(env.Ctx, tenantID, st.ID, "kind", "reinforced", actor)
	require.NoError(t, err)
	_, err = env.Engine.RecordProgress(env.Ctx, tenantID, st.ID, domain.StepCompleted, actor)
	require.ErrorIs(t, err, engine.ErrMissingRequiredField)

	_, err = env.Engine.SetValue(env.Ctx, tenantID, st.ID, "kind", "plain", actor)
	require.NoError(t, err)
	env.progress(t, st.ID, domain.StepCompleted)
}

func TestSkipStepCascades(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, task("a"), task("b", "a"), task("c", "b"), task("d"))
	inst := env.start(t, v, nil)
	a := env.stepByKey(t, inst.ID, "a")

	skipped, err := env.Engine.SkipStep(env.Ctx, tenantID, a.ID, actor, "not needed")
	require.NoError(t, err)
	keys := make([]string, 0, len(skipped))
	for _, s := range skipped {
		keys = append(keys, s.StepKey)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, domain.StepReady, env.stepByKey(t, inst.ID, "d").Status)

	d := env.stepByKey(t, inst.ID, "d")
	env.progress(t, d.ID, domain.StepInProgress, domain.StepCompleted)
	got, err := env.Engine.GetInstance(env.Ctx, tenantID, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, got.Status)

	_, err = env.Engine.SkipStep(env.Ctx, tenantID, d.ID, actor, "")
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestCancelInstanceFreezes(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, task("a"))
	inst := env.start(t, v, nil)
	a := env.stepByKey(t, inst.ID, "a")

	got, err := env.Engine.CancelInstance(env.Ctx, tenantID, inst.ID, actor, "site closed")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCancelled, got.Status)
	_, err = env.Engine.CancelInstance(env.Ctx, tenantID, inst.ID, actor, "")
	require.NoError(t, err)
	assert.Len(t, env.events(t, "instance.cancelled", inst.ID), 1)

	_, err = env.Engine.RecordProgress(env.Ctx, tenantID, a.ID, domain.StepInProgress, actor)
	require.ErrorIs(t, err, engine.ErrInstanceClosed)
	_, err = env.Engine.AssignStep(env.Ctx, tenantID, a.ID, "someone", actor)
	require.ErrorIs(t, err, engine.ErrInstanceClosed)
}

func TestAssignStep(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, task("a"))
	inst := env.start(t, v, nil)
	a := env.stepByKey(t, inst.ID, "a")
	st, err := env.Engine.AssignStep(env.Ctx, tenantID, a.ID, "crew-7", actor)
	require.NoError(t, err)
	require.Equal(t, "crew-7", *st.Assignee)
	assert.Equal(t, "crew-7", *env.stepByKey(t, inst.ID, "a").Assignee)
	st, err = env.Engine.AssignStep(env.Ctx, tenantID, a.ID, "", actor)
	require.NoError(t, err)
	assert.Nil(t, st.Assignee)
}

func TestListOverdue(t *testing.T) {
	env := newTestEnv(t)
	short, long := 2, 72
	v := env.publish(t,
		engine.StepInput{Key: "a", Name: "a", Type: domain.StepTypeTask, SLAHours: &short},
		engine.StepInput{Key: "b", Name: "b", Type: domain.StepTypeTask, SLAHours: &long},
		task("c"),
	)
	inst := env.start(t, v, nil)
	later := clock.Add(24 * time.Hour)

	overdue, err := env.Engine.ListOverdue(env.Ctx, tenantID, later, 0)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "a", overdue[0].StepKey)
	assert.True(t, overdue[0].Overdue(later))

	a := env.stepByKey(t, inst.ID, "a")
	env.progress(t, a.ID, domain.StepInProgress, domain.StepCompleted)
	overdue, err = env.Engine.ListOverdue(env.Ctx, tenantID, later, 0)
	require.NoError(t, err)
	assert.Empty(t, overdue)
	assert.Equal(t, domain.StepReady, env.stepByKey(t, inst.ID, "b").Status, "overdue is advisory")
}

func TestConcurrentCompletionPromotesOnce(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, task("a"), task("b"), task("c", "a", "b"))
	for round := 0; round < 5; round++ {
		inst := env.start(t, v, nil)
		a := env.stepByKey(t, inst.ID, "a")
		b := env.stepByKey(t, inst.ID, "b")
		env.progress(t, a.ID, domain.StepInProgress)
		env.progress(t, b.ID, domain.StepInProgress)

		var wg sync.WaitGroup
		for _, id := range []string{a.ID, b.ID} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := env.Engine.RecordProgress(env.Ctx, tenantID, id, domain.StepCompleted, actor)
				assert.NoError(t, err)
			}(id)
		}
		wg.Wait()
		c := env.stepByKey(t, inst.ID, "c")
		assert.Equal(t, domain.StepReady, c.Status)
		assert.Len(t, env.events(t, "step.ready", c.ID), 1, "round %d", round)
	}
}

func TestConcurrentProgressSameStep(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, task("a"))
	inst := env.start(t, v, nil)
	a := env.stepByKey(t, inst.ID, "a")
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.RecordProgress(env.Ctx, tenantID, a.ID, domain.StepInProgress, actor)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, env.events(t, "step.started", a.ID), 1)
}

func TestCrossTenantAccess(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.InitTenant(env.Ctx, "rival", "Rival", "mallory")
	require.NoError(t, err)
	v := env.publish(t, task("a"))
	inst := env.start(t, v, nil)
	a := env.stepByKey(t, inst.ID, "a")

	_, err = env.Engine.GetVersion(env.Ctx, "rival", v.ID)
	require.ErrorIs(t, err, engine.ErrCrossTenantAccess)
	_, err = env.Engine.GetInstance(env.Ctx, "rival", inst.ID)
	require.ErrorIs(t, err, engine.ErrCrossTenantAccess)
	_, err = env.Engine.RecordProgress(env.Ctx, "rival", a.ID, domain.StepInProgress, "mallory")
	require.ErrorIs(t, err, engine.ErrCrossTenantAccess)
	_, err = env.Engine.SetValue(env.Ctx, "rival", a.ID, "x", "y", "mallory")
	require.ErrorIs(t, err, engine.ErrCrossTenantAccess)
	_, err = env.Engine.Instantiate(env.Ctx, "rival", engine.InstantiateOptions{ProjectID: "p", VersionID: v.ID, ActorID: "mallory"})
	require.ErrorIs(t, err, engine.ErrCrossTenantAccess)

	list, err := env.Engine.ListInstances(env.Ctx, repo.InstanceFilters{TenantID: "rival"})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, domain.StepReady, env.stepByKey(t, inst.ID, "a").Status)
}

func TestDeriveStatus(t *testing.T) {
	st := func(statuses ...string) []domain.StepInstance {
		var out []domain.StepInstance
		for _, s := range statuses {
			out = append(out, domain.StepInstance{Status: s})
		}
		return out
	}
	cases := []struct {
		steps []domain.StepInstance
		want  string
	}{
		{nil, domain.InstancePending},
		{st(domain.StepReady, domain.StepPending), domain.InstancePending},
		{st(domain.StepReady, domain.StepReady), domain.InstancePending},
		{st(domain.StepInProgress, domain.StepPending), domain.InstanceInProgress},
		{st(domain.StepCompleted, domain.StepReady), domain.InstanceInProgress},
		{st(domain.StepBlocked), domain.InstanceInProgress},
		{st(domain.StepCompleted, domain.StepSkipped), domain.InstanceCompleted},
	}
	for i, tc := range cases {
		assert.Equal(t, tc.want, engine.DeriveStatus(tc.steps), "case %d", i)
	}
}

// TestRandomDAGRunsToCompletion drives random published graphs by completing
// whatever is ready, and checks every step only ever becomes ready after all
// of its dependencies completed.
func TestRandomDAGRunsToCompletion(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			env := newTestEnv(t)
			rng := rand.New(rand.NewSource(seed))
			n := 4 + rng.Intn(6)
			var steps []engine.StepInput
			for i := 0; i < n; i++ {
				var deps []string
				for j := 0; j < i; j++ {
					if rng.Intn(3) == 0 {
						deps = append(deps, fmt.Sprintf("s%d", j))
					}
				}
				steps = append(steps, task(fmt.Sprintf("s%d", i), deps...))
			}
			v := env.publish(t, steps...)
			inst := env.start(t, v, nil)

			completed := map[string]bool{}
			for len(completed) < n {
				all, err := env.Engine.ListSteps(env.Ctx, tenantID, inst.ID)
				require.NoError(t, err)
				var ready []domain.StepInstance
				for _, s := range all {
					if s.Status == domain.StepReady {
						for _, dep := range s.DependsOn {
							require.True(t, completed[dep], "%s ready before %s completed", s.StepKey, dep)
						}
						ready = append(ready, s)
					}
				}
				require.NotEmpty(t, ready, "no progress possible")
				pick := ready[rng.Intn(len(ready))]
				env.progress(t, pick.ID, domain.StepInProgress, domain.StepCompleted)
				completed[pick.StepKey] = true
			}
			got, err := env.Engine.GetInstance(env.Ctx, tenantID, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.InstanceCompleted, got.Status)
		})
	}
}
