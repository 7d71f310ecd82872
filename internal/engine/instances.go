package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"siteflow/internal/domain"
	"siteflow/internal/events"
	"siteflow/internal/repo"
)

type InstantiateOptions struct {
	ProjectID  string
	VersionID  string
	Attributes map[string]any
	ActorID    string
}

// Instantiate copies a published version into a new instance. Steps without
// dependencies start ready; field defaults are written as initial values.
func (e Engine) Instantiate(ctx context.Context, tenantID string, opts InstantiateOptions) (domain.Instance, error) {
	if err := requireTenant(tenantID); err != nil {
		return domain.Instance{}, err
	}
	if opts.ProjectID == "" {
		return domain.Instance{}, invalidInput("project is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.LoadVersion(ctx, tx, tenantID, opts.VersionID)
	if err != nil {
		return domain.Instance{}, err
	}
	if !v.Published() {
		return domain.Instance{}, fmt.Errorf("%w: %s", ErrVersionNotPublished, v.Version)
	}
	t, err := e.Repo.GetTemplate(ctx, tx, tenantID, v.TemplateID)
	if err != nil {
		return domain.Instance{}, err
	}
	if t.Status == domain.TemplateArchived {
		return domain.Instance{}, fmt.Errorf("%w: %s", ErrTemplateArchived, t.Code)
	}
	created := e.now().UTC()
	now := created.Format(time.RFC3339)
	inst := domain.Instance{
		ID:         newID(),
		TenantID:   tenantID,
		ProjectID:  opts.ProjectID,
		TemplateID: v.TemplateID,
		VersionID:  v.ID,
		Status:     domain.InstancePending,
		Attributes: opts.Attributes,
		CreatedBy:  opts.ActorID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return inst, fmt.Errorf("insert instance: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.InstanceCreated, tenantID, "instance", inst.ID, opts.ActorID, events.EventPayload{
		"project_id": inst.ProjectID,
		"version_id": v.ID,
		"version":    v.Version,
	}); err != nil {
		return inst, err
	}
	ready := 0
	for _, def := range v.Steps {
		st := domain.StepInstance{
			ID:           newID(),
			TenantID:     tenantID,
			InstanceID:   inst.ID,
			StepDefID:    def.ID,
			StepKey:      def.StepKey,
			Name:         def.Name,
			Type:         def.Type,
			OrderIndex:   def.OrderIndex,
			DependsOn:    def.DependsOn,
			AssigneeRule: def.AssigneeRule,
			SLAHours:     def.SLAHours,
			Status:       domain.StepPending,
			Assignee:     ResolveAssignee(def.AssigneeRule, opts.Attributes),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if len(def.DependsOn) == 0 {
			st.Status = domain.StepReady
		}
		if def.SLAHours != nil {
			deadline := created.Add(time.Duration(*def.SLAHours) * time.Hour).Format(time.RFC3339)
			st.Deadline = &deadline
		}
		if err := e.Repo.InsertStep(ctx, tx, st); err != nil {
			return inst, fmt.Errorf("insert step %s: %w", st.StepKey, err)
		}
		for _, f := range def.Fields {
			if len(f.Default) == 0 {
				continue
			}
			fv, err := coerceValue(f, decodeDefault(f))
			assertf(err == nil, "default of %s.%s no longer matches its type: %v", def.StepKey, f.Key, err)
			fv.StepInstanceID = st.ID
			fv.TenantID = tenantID
			fv.UpdatedBy = opts.ActorID
			fv.UpdatedAt = now
			if err := e.Repo.UpsertValue(ctx, tx, fv); err != nil {
				return inst, fmt.Errorf("default %s.%s: %w", def.StepKey, f.Key, err)
			}
		}
		if st.Status == domain.StepReady {
			ready++
			if err := e.appendEvent(ctx, tx, events.StepReady, tenantID, "step", st.ID, opts.ActorID, stepPayload(st)); err != nil {
				return inst, err
			}
		}
		inst.Steps = append(inst.Steps, st)
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	stepTransitions.WithLabelValues(domain.StepReady).Add(float64(ready))
	e.log(ctx).Debug("instance created", "tenant_id", tenantID, "instance_id", inst.ID, "steps", len(inst.Steps), "ready", ready)
	return inst, nil
}

func stepPayload(st domain.StepInstance) events.EventPayload {
	p := events.EventPayload{
		"instance_id": st.InstanceID,
		"step_key":    st.StepKey,
		"status":      st.Status,
	}
	if st.Assignee != nil {
		p["assignee"] = *st.Assignee
	}
	return p
}

func ensureStepTransition(from, to string) error {
	switch from {
	case domain.StepReady:
		if to == domain.StepInProgress {
			return nil
		}
	case domain.StepInProgress:
		if to == domain.StepCompleted || to == domain.StepBlocked {
			return nil
		}
	case domain.StepBlocked:
		if to == domain.StepInProgress {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// openInstance loads an instance and refuses writes to cancelled ones.
func (e Engine) openInstance(ctx context.Context, q repo.Querier, tenantID, instanceID string) (domain.Instance, error) {
	inst, err := e.Repo.GetInstance(ctx, q, tenantID, instanceID)
	if err != nil {
		return inst, err
	}
	if inst.Status == domain.InstanceCancelled {
		return inst, fmt.Errorf("%w: %s is cancelled", ErrInstanceClosed, inst.ID)
	}
	return inst, nil
}

// RecordProgress moves a step to status. Repeating the current status is a
// no-op that returns the step unchanged.
func (e Engine) RecordProgress(ctx context.Context, tenantID, stepID, status, actorID string) (domain.StepInstance, error) {
	switch status {
	case domain.StepInProgress, domain.StepCompleted, domain.StepBlocked,
		domain.StepPending, domain.StepReady, domain.StepSkipped:
	default:
		return domain.StepInstance{}, invalidInput("unknown step status %q", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepInstance{}, err
	}
	defer tx.Rollback()

	st, err := e.Repo.GetStep(ctx, tx, tenantID, stepID)
	if err != nil {
		return st, err
	}
	inst, err := e.openInstance(ctx, tx, tenantID, st.InstanceID)
	if err != nil {
		return st, err
	}
	if st.Status == status {
		return st, nil
	}
	if err := ensureStepTransition(st.Status, status); err != nil {
		return st, err
	}
	if status == domain.StepCompleted {
		if err := e.completionGates(ctx, tx, inst, st); err != nil {
			e.log(ctx).Info("completion refused", "tenant_id", tenantID, "step_id", st.ID, "step_key", st.StepKey, "error", err)
			return st, err
		}
	}
	now := e.nowString()
	tr := repo.StepTransition{TenantID: tenantID, StepID: st.ID, From: st.Status, To: status, UpdatedAt: now}
	if status == domain.StepInProgress && st.StartedAt == nil {
		tr.StartedAt = &now
	}
	if status == domain.StepCompleted {
		tr.CompletedAt = &now
	}
	won, err := e.Repo.TransitionStep(ctx, tx, tr)
	if err != nil {
		return st, err
	}
	if !won {
		current, err := e.Repo.GetStep(ctx, tx, tenantID, stepID)
		if err != nil {
			return st, err
		}
		if current.Status == status {
			return current, nil
		}
		return current, &TransitionError{From: current.Status, To: status}
	}
	from := st.Status
	st.Status = status
	st.UpdatedAt = now
	if tr.StartedAt != nil {
		st.StartedAt = tr.StartedAt
	}
	if tr.CompletedAt != nil {
		st.CompletedAt = tr.CompletedAt
	}
	payload := stepPayload(st)
	payload["from"] = from
	if err := e.appendEvent(ctx, tx, progressEvent(from, status), tenantID, "step", st.ID, actorID, payload); err != nil {
		return st, err
	}
	promoted := 0
	if status == domain.StepCompleted {
		if promoted, err = e.promoteDependents(ctx, tx, inst, st, actorID); err != nil {
			return st, err
		}
	}
	_, completed, err := e.refreshInstanceStatus(ctx, tx, inst, actorID)
	if err != nil {
		return st, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StepInstance{}, err
	}
	stepTransitions.WithLabelValues(status).Inc()
	if promoted > 0 {
		stepTransitions.WithLabelValues(domain.StepReady).Add(float64(promoted))
	}
	if completed {
		instancesCompleted.Inc()
	}
	e.log(ctx).Debug("step progressed", "tenant_id", tenantID, "step_id", st.ID, "step_key", st.StepKey, "from", from, "to", status)
	return st, nil
}

func progressEvent(from, to string) string {
	switch to {
	case domain.StepCompleted:
		return events.StepCompleted
	case domain.StepBlocked:
		return events.StepBlocked
	}
	if from == domain.StepBlocked {
		return events.StepResumed
	}
	return events.StepStarted
}

// completionGates enforces the approval and required-field checks.
func (e Engine) completionGates(ctx context.Context, tx *sql.Tx, inst domain.Instance, st domain.StepInstance) error {
	if st.Type == domain.StepTypeApproval {
		a, err := e.Repo.LatestApproval(ctx, tx, st.TenantID, st.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: no approval requested for %s", ErrApprovalRequired, st.StepKey)
		}
		if err != nil {
			return err
		}
		if a.Decision != domain.DecisionApproved {
			return fmt.Errorf("%w: latest approval for %s is %s", ErrApprovalRequired, st.StepKey, a.Decision)
		}
	}
	defs, err := e.Repo.ListFieldDefs(ctx, tx, st.TenantID, st.StepDefID)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		return nil
	}
	values, err := e.Repo.ListValues(ctx, tx, st.TenantID, st.ID)
	if err != nil {
		return err
	}
	byKey := make(map[string]domain.FieldValue, len(values))
	for _, v := range values {
		byKey[v.FieldKey] = v
	}
	if missing := visibleRequired(defs, byKey, conditionVars(inst, values)); len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}
	return nil
}

// conditionVars is what visible_when sees: instance attributes overlaid by
// the step's current values.
func conditionVars(inst domain.Instance, values []domain.FieldValue) map[string]any {
	vars := make(map[string]any, len(inst.Attributes)+len(values))
	for k, v := range inst.Attributes {
		vars[k] = v
	}
	for _, v := range values {
		vars[v.FieldKey] = v.Value()
	}
	return vars
}

// promoteDependents readies pending steps whose dependencies are now all
// completed. Each promotion is a compare-and-set on pending, so of two
// writers racing to complete the last dependencies only one emits step.ready.
func (e Engine) promoteDependents(ctx context.Context, tx *sql.Tx, inst domain.Instance, done domain.StepInstance, actorID string) (int, error) {
	steps, err := e.Repo.ListSteps(ctx, tx, inst.TenantID, inst.ID)
	if err != nil {
		return 0, err
	}
	byKey := make(map[string]domain.StepInstance, len(steps))
	for _, s := range steps {
		byKey[s.StepKey] = s
	}
	now := e.nowString()
	promoted := 0
	for _, s := range steps {
		if s.Status != domain.StepPending || !containsKey(s.DependsOn, done.StepKey) {
			continue
		}
		satisfied := true
		for _, dep := range s.DependsOn {
			d, ok := byKey[dep]
			assertf(ok, "step %s of instance %s depends on missing key %s", s.StepKey, inst.ID, dep)
			if d.Status != domain.StepCompleted {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		won, err := e.Repo.TransitionStep(ctx, tx, repo.StepTransition{
			TenantID: inst.TenantID, StepID: s.ID, From: domain.StepPending, To: domain.StepReady, UpdatedAt: now,
		})
		if err != nil {
			return promoted, err
		}
		if !won {
			continue
		}
		s.Status = domain.StepReady
		payload := stepPayload(s)
		payload["after"] = done.StepKey
		if err := e.appendEvent(ctx, tx, events.StepReady, inst.TenantID, "step", s.ID, actorID, payload); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// DeriveStatus computes an instance status from its steps: completed when
// every step is completed or skipped, in_progress once any step moved past
// ready, pending otherwise. Ready steps count as not started, so a freshly
// instantiated run whose roots are ready still reports pending rather than
// in_progress.
func DeriveStatus(steps []domain.StepInstance) string {
	if len(steps) == 0 {
		return domain.InstancePending
	}
	allTerminal := true
	started := false
	for _, s := range steps {
		if !s.Terminal() {
			allTerminal = false
		}
		switch s.Status {
		case domain.StepInProgress, domain.StepBlocked, domain.StepCompleted, domain.StepSkipped:
			started = true
		}
	}
	switch {
	case allTerminal:
		return domain.InstanceCompleted
	case started:
		return domain.InstanceInProgress
	}
	return domain.InstancePending
}

// refreshInstanceStatus stores the derived status and reports whether the
// instance just completed.
func (e Engine) refreshInstanceStatus(ctx context.Context, tx *sql.Tx, inst domain.Instance, actorID string) (domain.Instance, bool, error) {
	steps, err := e.Repo.ListSteps(ctx, tx, inst.TenantID, inst.ID)
	if err != nil {
		return inst, false, err
	}
	status := DeriveStatus(steps)
	if status == inst.Status {
		return inst, false, nil
	}
	now := e.nowString()
	var completedAt *string
	if status == domain.InstanceCompleted {
		completedAt = &now
	}
	if err := e.Repo.UpdateInstanceStatus(ctx, tx, inst.TenantID, inst.ID, status, completedAt, now); err != nil {
		return inst, false, err
	}
	inst.Status = status
	inst.CompletedAt = completedAt
	inst.UpdatedAt = now
	if status != domain.InstanceCompleted {
		return inst, false, nil
	}
	if err := e.appendEvent(ctx, tx, events.InstanceCompleted, inst.TenantID, "instance", inst.ID, actorID, events.EventPayload{
		"project_id": inst.ProjectID,
		"steps":      len(steps),
	}); err != nil {
		return inst, false, err
	}
	return inst, true, nil
}

// SkipStep marks a step skipped along with every dependent that can no longer
// become ready.
func (e Engine) SkipStep(ctx context.Context, tenantID, stepID, actorID, reason string) ([]domain.StepInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	st, err := e.Repo.GetStep(ctx, tx, tenantID, stepID)
	if err != nil {
		return nil, err
	}
	inst, err := e.openInstance(ctx, tx, tenantID, st.InstanceID)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case domain.StepPending, domain.StepReady, domain.StepBlocked:
	default:
		return nil, &TransitionError{From: st.Status, To: domain.StepSkipped}
	}
	steps, err := e.Repo.ListSteps(ctx, tx, tenantID, inst.ID)
	if err != nil {
		return nil, err
	}
	now := e.nowString()
	var skipped []domain.StepInstance
	skip := func(s domain.StepInstance, why string) error {
		won, err := e.Repo.TransitionStep(ctx, tx, repo.StepTransition{
			TenantID: tenantID, StepID: s.ID, From: s.Status, To: domain.StepSkipped, UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		if !won {
			return &TransitionError{From: s.Status, To: domain.StepSkipped}
		}
		s.Status = domain.StepSkipped
		s.UpdatedAt = now
		payload := stepPayload(s)
		payload["reason"] = why
		if err := e.appendEvent(ctx, tx, events.StepSkipped, tenantID, "step", s.ID, actorID, payload); err != nil {
			return err
		}
		skipped = append(skipped, s)
		return nil
	}
	if err := skip(st, reason); err != nil {
		return nil, err
	}
	gone := map[string]bool{st.StepKey: true}
	for changed := true; changed; {
		changed = false
		for _, s := range steps {
			if gone[s.StepKey] || s.Terminal() {
				continue
			}
			for _, dep := range s.DependsOn {
				if gone[dep] {
					if err := skip(s, "dependency "+dep+" skipped"); err != nil {
						return nil, err
					}
					gone[s.StepKey] = true
					changed = true
					break
				}
			}
		}
	}
	_, completed, err := e.refreshInstanceStatus(ctx, tx, inst, actorID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	stepTransitions.WithLabelValues(domain.StepSkipped).Add(float64(len(skipped)))
	if completed {
		instancesCompleted.Inc()
	}
	return skipped, nil
}

// AssignStep overrides the rule-resolved assignee. An empty assignee clears it.
func (e Engine) AssignStep(ctx context.Context, tenantID, stepID, assignee, actorID string) (domain.StepInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepInstance{}, err
	}
	defer tx.Rollback()
	st, err := e.Repo.GetStep(ctx, tx, tenantID, stepID)
	if err != nil {
		return st, err
	}
	if _, err := e.openInstance(ctx, tx, tenantID, st.InstanceID); err != nil {
		return st, err
	}
	if st.Terminal() {
		return st, fmt.Errorf("%w: step %s is %s", ErrInvalidTransition, st.StepKey, st.Status)
	}
	now := e.nowString()
	st.Assignee = optionalString(assignee)
	st.UpdatedAt = now
	if err := e.Repo.UpdateStepAssignee(ctx, tx, tenantID, st.ID, st.Assignee, now); err != nil {
		return st, err
	}
	if err := e.appendEvent(ctx, tx, events.StepAssigned, tenantID, "step", st.ID, actorID, stepPayload(st)); err != nil {
		return st, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StepInstance{}, err
	}
	return st, nil
}

// CancelInstance freezes an unfinished instance. Cancelling twice is a no-op.
func (e Engine) CancelInstance(ctx context.Context, tenantID, instanceID, actorID, reason string) (domain.Instance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()
	inst, err := e.Repo.GetInstance(ctx, tx, tenantID, instanceID)
	if err != nil {
		return inst, err
	}
	switch inst.Status {
	case domain.InstanceCancelled:
		return inst, nil
	case domain.InstanceCompleted:
		return inst, &TransitionError{From: inst.Status, To: domain.InstanceCancelled}
	}
	now := e.nowString()
	if err := e.Repo.UpdateInstanceStatus(ctx, tx, tenantID, inst.ID, domain.InstanceCancelled, nil, now); err != nil {
		return inst, err
	}
	if err := e.appendEvent(ctx, tx, events.InstanceCancelled, tenantID, "instance", inst.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return inst, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	inst.Status = domain.InstanceCancelled
	inst.UpdatedAt = now
	return inst, nil
}

// GetInstance returns the instance with its steps.
func (e Engine) GetInstance(ctx context.Context, tenantID, id string) (domain.Instance, error) {
	inst, err := e.Repo.GetInstance(ctx, nil, tenantID, id)
	if err != nil {
		return inst, err
	}
	inst.Steps, err = e.Repo.ListSteps(ctx, nil, tenantID, id)
	return inst, err
}

func (e Engine) ListInstances(ctx context.Context, f repo.InstanceFilters) ([]domain.Instance, error) {
	if err := requireTenant(f.TenantID); err != nil {
		return nil, err
	}
	return e.Repo.ListInstances(ctx, f)
}

func (e Engine) ListSteps(ctx context.Context, tenantID, instanceID string) ([]domain.StepInstance, error) {
	if _, err := e.Repo.GetInstance(ctx, nil, tenantID, instanceID); err != nil {
		return nil, err
	}
	return e.Repo.ListSteps(ctx, nil, tenantID, instanceID)
}

func (e Engine) GetStep(ctx context.Context, tenantID, stepID string) (domain.StepInstance, error) {
	return e.Repo.GetStep(ctx, nil, tenantID, stepID)
}

// ListOverdue reports non-terminal steps past their deadline at now. It
// changes nothing.
func (e Engine) ListOverdue(ctx context.Context, tenantID string, now time.Time, limit int) ([]domain.StepInstance, error) {
	if now.IsZero() {
		now = e.now()
	}
	steps, err := e.Repo.ListOverdue(ctx, tenantID, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	res := steps[:0]
	for _, s := range steps {
		if s.Overdue(now) {
			res = append(res, s)
		}
	}
	return res, nil
}
