package engine_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteflow/internal/config"
	"siteflow/internal/domain"
	"siteflow/internal/engine"
)

func approvalStep(key string, deps ...string) engine.StepInput {
	return engine.StepInput{Key: key, Name: key, Type: domain.StepTypeApproval, DependsOn: deps}
}

func TestApprovalGatesCompletion(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, approvalStep("signoff"), task("handover", "signoff"))
	inst := env.start(t, v, nil)
	st := env.stepByKey(t, inst.ID, "signoff")
	env.progress(t, st.ID, domain.StepInProgress)

	_, err := env.Engine.RecordProgress(env.Ctx, tenantID, st.ID, domain.StepCompleted, actor)
	require.ErrorIs(t, err, engine.ErrApprovalRequired)

	a, err := env.Engine.RequestApproval(env.Ctx, tenantID, st.ID, actor, "please check")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionPending, a.Decision)
	_, err = env.Engine.RequestApproval(env.Ctx, tenantID, st.ID, actor, "")
	require.ErrorIs(t, err, engine.ErrDuplicateRequest)

	_, err = env.Engine.RecordProgress(env.Ctx, tenantID, st.ID, domain.StepCompleted, actor)
	require.ErrorIs(t, err, engine.ErrApprovalRequired, "pending is not approved")

	a, err = env.Engine.Decide(env.Ctx, tenantID, a.ID, domain.DecisionApproved, "eng-1", "looks good")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApproved, a.Decision)
	require.NotNil(t, a.ApprovedBy)
	assert.Equal(t, "eng-1", *a.ApprovedBy)

	_, err = env.Engine.Decide(env.Ctx, tenantID, a.ID, domain.DecisionRejected, "eng-2", "")
	require.ErrorIs(t, err, engine.ErrAlreadyDecided)

	env.progress(t, st.ID, domain.StepCompleted)
	assert.Equal(t, domain.StepReady, env.stepByKey(t, inst.ID, "handover").Status)
}

func TestRejectionBlocksUnderBlockPolicy(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, approvalStep("signoff"))
	inst := env.start(t, v, nil)
	st := env.stepByKey(t, inst.ID, "signoff")
	env.progress(t, st.ID, domain.StepInProgress)

	a, err := env.Engine.RequestApproval(env.Ctx, tenantID, st.ID, actor, "")
	require.NoError(t, err)
	_, err = env.Engine.Decide(env.Ctx, tenantID, a.ID, domain.DecisionRejected, "eng-1", "cracks")
	require.NoError(t, err)
	assert.Equal(t, domain.StepBlocked, env.stepByKey(t, inst.ID, "signoff").Status)
	assert.Len(t, env.events(t, "step.blocked", st.ID), 1)

	// a fresh request after rejection, then approval, lets the step finish
	env.progress(t, st.ID, domain.StepInProgress)
	a2, err := env.Engine.RequestApproval(env.Ctx, tenantID, st.ID, actor, "fixed")
	require.NoError(t, err)
	_, err = env.Engine.RecordProgress(env.Ctx, tenantID, st.ID, domain.StepCompleted, actor)
	require.ErrorIs(t, err, engine.ErrApprovalRequired, "latest request is still pending")
	_, err = env.Engine.Decide(env.Ctx, tenantID, a2.ID, domain.DecisionApproved, "eng-1", "")
	require.NoError(t, err)
	env.progress(t, st.ID, domain.StepCompleted)

	history, err := env.Engine.ListApprovals(env.Ctx, tenantID, st.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.DecisionRejected, history[0].Decision)
	assert.Equal(t, domain.DecisionApproved, history[1].Decision)
}

func TestRejectionManualPolicyLeavesStep(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default(tenantID)
	cfg.Approvals.OnReject = config.OnRejectManual
	require.NoError(t, env.Engine.UpdateConfig(env.Ctx, tenantID, cfg, actor))

	v := env.publish(t, approvalStep("signoff"))
	inst := env.start(t, v, nil)
	st := env.stepByKey(t, inst.ID, "signoff")
	env.progress(t, st.ID, domain.StepInProgress)
	a, err := env.Engine.RequestApproval(env.Ctx, tenantID, st.ID, actor, "")
	require.NoError(t, err)
	_, err = env.Engine.Decide(env.Ctx, tenantID, a.ID, domain.DecisionRejected, "eng-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StepInProgress, env.stepByKey(t, inst.ID, "signoff").Status)
	_, err = env.Engine.RecordProgress(env.Ctx, tenantID, st.ID, domain.StepCompleted, actor)
	require.ErrorIs(t, err, engine.ErrApprovalRequired)
}

func TestRequestApprovalChecks(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, task("work"), approvalStep("signoff"))
	inst := env.start(t, v, nil)

	_, err := env.Engine.RequestApproval(env.Ctx, tenantID, env.stepByKey(t, inst.ID, "work").ID, actor, "")
	require.ErrorIs(t, err, engine.ErrNotApprovalStep)

	st := env.stepByKey(t, inst.ID, "signoff")
	_, err = env.Engine.Decide(env.Ctx, tenantID, "missing", domain.DecisionApproved, "eng-1", "")
	require.ErrorIs(t, err, engine.ErrNotFound)
	a, err := env.Engine.RequestApproval(env.Ctx, tenantID, st.ID, actor, "")
	require.NoError(t, err)
	_, err = env.Engine.Decide(env.Ctx, tenantID, a.ID, "maybe", "eng-1", "")
	require.ErrorIs(t, err, engine.ErrInvalidDecision)
}

func TestConcurrentDecideOneWinner(t *testing.T) {
	env := newTestEnv(t)
	v := env.publish(t, approvalStep("signoff"))
	inst := env.start(t, v, nil)
	st := env.stepByKey(t, inst.ID, "signoff")
	a, err := env.Engine.RequestApproval(env.Ctx, tenantID, st.ID, actor, "")
	require.NoError(t, err)

	decisions := []string{domain.DecisionApproved, domain.DecisionRejected, domain.DecisionApproved, domain.DecisionRejected}
	errs := make([]error, len(decisions))
	var wg sync.WaitGroup
	for i, d := range decisions {
		wg.Add(1)
		go func(i int, d string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Decide(env.Ctx, tenantID, a.ID, d, "eng", "")
		}(i, d)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, engine.ErrAlreadyDecided)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, env.events(t, "approval.decided", a.ID), 1)
}
