package engine

import (
	"context"
	"fmt"

	"siteflow/internal/domain"
	"siteflow/internal/events"
)

// SetValue type-checks value against the field definition, applies its rules
// and upserts it for the step. Completed or skipped steps reject writes.
func (e Engine) SetValue(ctx context.Context, tenantID, stepID, fieldKey string, value any, actorID string) (domain.FieldValue, error) {
	fv, err := e.setValue(ctx, tenantID, stepID, fieldKey, value, actorID)
	if err != nil {
		if reason := rejectReason(err); reason != "other" {
			valuesRejected.WithLabelValues(reason).Inc()
			e.log(ctx).Info("value rejected", "tenant_id", tenantID, "step_id", stepID, "field", fieldKey, "reason", reason, "error", err)
		}
		return fv, err
	}
	return fv, nil
}

func (e Engine) setValue(ctx context.Context, tenantID, stepID, fieldKey string, value any, actorID string) (domain.FieldValue, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FieldValue{}, err
	}
	defer tx.Rollback()

	st, err := e.Repo.GetStep(ctx, tx, tenantID, stepID)
	if err != nil {
		return domain.FieldValue{}, err
	}
	if _, err := e.openInstance(ctx, tx, tenantID, st.InstanceID); err != nil {
		return domain.FieldValue{}, err
	}
	if st.Terminal() {
		return domain.FieldValue{}, fmt.Errorf("%w: step %s is %s", ErrInvalidTransition, st.StepKey, st.Status)
	}
	defs, err := e.Repo.ListFieldDefs(ctx, tx, tenantID, st.StepDefID)
	if err != nil {
		return domain.FieldValue{}, err
	}
	var def *domain.FieldDef
	for i := range defs {
		if defs[i].Key == fieldKey {
			def = &defs[i]
			break
		}
	}
	if def == nil {
		return domain.FieldValue{}, &FieldError{Field: fieldKey, Reason: "not defined on step " + st.StepKey, Err: ErrUnknownField}
	}
	fv, err := coerceValue(*def, value)
	if err != nil {
		return fv, err
	}
	if err := validateValue(*def, fv); err != nil {
		return fv, err
	}
	fv.StepInstanceID = st.ID
	fv.TenantID = tenantID
	fv.UpdatedBy = actorID
	fv.UpdatedAt = e.nowString()
	if err := e.Repo.UpsertValue(ctx, tx, fv); err != nil {
		return fv, fmt.Errorf("upsert value %s: %w", fieldKey, err)
	}
	if err := e.appendEvent(ctx, tx, events.ValueSet, tenantID, "step", st.ID, actorID, events.EventPayload{
		"instance_id": st.InstanceID,
		"step_key":    st.StepKey,
		"field":       fieldKey,
		"type":        fv.Type,
		"value":       fv.Value(),
	}); err != nil {
		return fv, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FieldValue{}, err
	}
	e.log(ctx).Debug("value set", "tenant_id", tenantID, "step_id", st.ID, "field", fieldKey)
	return fv, nil
}

func (e Engine) ListValues(ctx context.Context, tenantID, stepID string) ([]domain.FieldValue, error) {
	if _, err := e.Repo.GetStep(ctx, nil, tenantID, stepID); err != nil {
		return nil, err
	}
	return e.Repo.ListValues(ctx, nil, tenantID, stepID)
}
