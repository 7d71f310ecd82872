package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"siteflow/internal/engine"
	"siteflow/internal/repo"
)

const (
	PermTemplateRead    = "template.read"
	PermTemplateWrite   = "template.write"
	PermTemplatePublish = "template.publish"
	PermInstanceRead    = "instance.read"
	PermInstanceWrite   = "instance.write"
	PermApprovalRequest = "approval.request"
	PermApprovalDecide  = "approval.decide"
	PermEventsRead      = "events.read"
	PermAPIKeyWrite     = "apikey.write"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ErrNotMember is returned for actors with no role in the tenant.
var ErrNotMember = errors.New("actor is not a member of the tenant")

// Service resolves permissions from tenant membership and the tenant's
// rbac.roles config.
type Service struct {
	Engine engine.Engine
}

func (s Service) ActorRole(ctx context.Context, tenantID, actorID string) (string, error) {
	if actorID == "" {
		return "", errors.New("actor_id required")
	}
	m, err := s.Engine.Repo.GetMember(ctx, nil, tenantID, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotMember, actorID)
	}
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

func (s Service) ActorPermissions(ctx context.Context, tenantID, actorID string) ([]string, error) {
	role, err := s.ActorRole(ctx, tenantID, actorID)
	if err != nil {
		return nil, err
	}
	return s.Engine.TenantConfig(ctx, nil, tenantID).RolePermissions(role), nil
}

func (s Service) ActorHasPermission(ctx context.Context, tenantID, actorID, perm string) (bool, error) {
	perms, err := s.ActorPermissions(ctx, tenantID, actorID)
	if err != nil {
		return false, err
	}
	return slices.Contains(perms, perm), nil
}

// Require returns ForbiddenError when actorID lacks perm in tenantID.
func (s Service) Require(ctx context.Context, tenantID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, tenantID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
