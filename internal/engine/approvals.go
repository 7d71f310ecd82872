package engine

import (
	"context"
	"errors"
	"fmt"

	"siteflow/internal/config"
	"siteflow/internal/domain"
	"siteflow/internal/events"
	"siteflow/internal/repo"
)

// RequestApproval opens a pending approval on an approval-typed step. At most
// one request per step is pending at a time.
func (e Engine) RequestApproval(ctx context.Context, tenantID, stepID, requestedBy, comment string) (domain.Approval, error) {
	if requestedBy == "" {
		return domain.Approval{}, invalidInput("requester is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()

	st, err := e.Repo.GetStep(ctx, tx, tenantID, stepID)
	if err != nil {
		return domain.Approval{}, err
	}
	if st.Type != domain.StepTypeApproval {
		return domain.Approval{}, fmt.Errorf("%w: %s is %s", ErrNotApprovalStep, st.StepKey, st.Type)
	}
	if _, err := e.openInstance(ctx, tx, tenantID, st.InstanceID); err != nil {
		return domain.Approval{}, err
	}
	if st.Terminal() {
		return domain.Approval{}, fmt.Errorf("%w: step %s is %s", ErrInvalidTransition, st.StepKey, st.Status)
	}
	if pending, err := e.Repo.PendingApproval(ctx, tx, tenantID, st.ID); err == nil {
		return pending, fmt.Errorf("%w: %s", ErrDuplicateRequest, pending.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Approval{}, err
	}
	a := domain.Approval{
		ID:             newID(),
		TenantID:       tenantID,
		StepInstanceID: st.ID,
		Decision:       domain.DecisionPending,
		Comment:        comment,
		RequestedBy:    requestedBy,
		RequestedAt:    e.nowString(),
	}
	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return domain.Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.ApprovalRequested, tenantID, "approval", a.ID, requestedBy, events.EventPayload{
		"instance_id": st.InstanceID,
		"step_id":     st.ID,
		"step_key":    st.StepKey,
	}); err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}

// Decide settles a pending approval. The first decision wins; later ones get
// ErrAlreadyDecided. Under the block policy a rejection parks an in-progress
// step as blocked.
func (e Engine) Decide(ctx context.Context, tenantID, approvalID, decision, approvedBy, comment string) (domain.Approval, error) {
	if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
		return domain.Approval{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	if approvedBy == "" {
		return domain.Approval{}, invalidInput("approver is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetApproval(ctx, tx, tenantID, approvalID)
	if err != nil {
		return a, err
	}
	if a.Terminal() {
		return a, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, a.ID, a.Decision)
	}
	st, err := e.Repo.GetStep(ctx, tx, tenantID, a.StepInstanceID)
	if err != nil {
		return a, err
	}
	inst, err := e.openInstance(ctx, tx, tenantID, st.InstanceID)
	if err != nil {
		return a, err
	}
	now := e.nowString()
	won, err := e.Repo.DecideApproval(ctx, tx, tenantID, a.ID, decision, approvedBy, comment, now)
	if err != nil {
		return a, err
	}
	if !won {
		return a, fmt.Errorf("%w: %s", ErrAlreadyDecided, a.ID)
	}
	a.Decision = decision
	a.ApprovedBy = &approvedBy
	a.ApprovedAt = &now
	if comment != "" {
		a.Comment = comment
	}
	if err := e.appendEvent(ctx, tx, events.ApprovalDecided, tenantID, "approval", a.ID, approvedBy, events.EventPayload{
		"instance_id": st.InstanceID,
		"step_id":     st.ID,
		"step_key":    st.StepKey,
		"decision":    decision,
	}); err != nil {
		return a, err
	}
	blocked := false
	if decision == domain.DecisionRejected && st.Status == domain.StepInProgress &&
		e.TenantConfig(ctx, tx, tenantID).Approvals.OnReject != config.OnRejectManual {
		blocked, err = e.Repo.TransitionStep(ctx, tx, repo.StepTransition{
			TenantID: tenantID, StepID: st.ID, From: domain.StepInProgress, To: domain.StepBlocked, UpdatedAt: now,
		})
		if err != nil {
			return a, err
		}
		if blocked {
			st.Status = domain.StepBlocked
			payload := stepPayload(st)
			payload["from"] = domain.StepInProgress
			payload["approval_id"] = a.ID
			if err := e.appendEvent(ctx, tx, events.StepBlocked, tenantID, "step", st.ID, approvedBy, payload); err != nil {
				return a, err
			}
			if _, _, err := e.refreshInstanceStatus(ctx, tx, inst, approvedBy); err != nil {
				return a, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	approvalsDecided.WithLabelValues(decision).Inc()
	if blocked {
		stepTransitions.WithLabelValues(domain.StepBlocked).Inc()
	}
	e.log(ctx).Debug("approval decided", "tenant_id", tenantID, "approval_id", a.ID, "step_key", st.StepKey, "decision", decision, "blocked", blocked)
	return a, nil
}

func (e Engine) GetApproval(ctx context.Context, tenantID, id string) (domain.Approval, error) {
	return e.Repo.GetApproval(ctx, nil, tenantID, id)
}

// ListApprovals returns a step's requests oldest first; the last one is the
// latest decision.
func (e Engine) ListApprovals(ctx context.Context, tenantID, stepID string) ([]domain.Approval, error) {
	if _, err := e.Repo.GetStep(ctx, nil, tenantID, stepID); err != nil {
		return nil, err
	}
	return e.Repo.ListApprovals(ctx, nil, tenantID, stepID)
}
