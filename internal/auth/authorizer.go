package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/org/apiguard/pkg/models"
)

// Resource is a protected resource class.
type Resource string

const (
	ResourceProfile        Resource = "profile"
	ResourceQuest          Resource = "quest"
	ResourceCrew           Resource = "crew"
	ResourceUser           Resource = "user"
	ResourceSecurityEvents Resource = "security-events"
	ResourceSystem         Resource = "system"
)

// Action is an operation on a resource.
type Action string

const (
	ActionRead      Action = "read"
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionDelete    Action = "delete"
	ActionUpdateOwn Action = "update-own"
	ActionDeleteOwn Action = "delete-own"
	ActionManage    Action = "manage"
)

// Resources and Actions enumerate the closed sets.
var (
	Resources = []Resource{ResourceProfile, ResourceQuest, ResourceCrew, ResourceUser, ResourceSecurityEvents, ResourceSystem}
	Actions   = []Action{ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionUpdateOwn, ActionDeleteOwn, ActionManage}
)

// Permission pairs a resource with an action.
type Permission struct {
	Resource Resource
	Action   Action
}

func (p Permission) String() string { return string(p.Resource) + ":" + string(p.Action) }

// IsOwnScoped reports whether p only applies to resources the caller owns.
func (p Permission) IsOwnScoped() bool {
	return p.Action == ActionUpdateOwn || p.Action == ActionDeleteOwn
}

// grants lists what each role adds on top of the role below it.
var grants = map[models.Role][]Permission{
	models.RoleUser: {
		{ResourceProfile, ActionRead}, {ResourceProfile, ActionUpdateOwn},
		{ResourceQuest, ActionRead}, {ResourceQuest, ActionCreate},
		{ResourceQuest, ActionUpdateOwn}, {ResourceQuest, ActionDeleteOwn},
		{ResourceCrew, ActionRead}, {ResourceCrew, ActionCreate},
		{ResourceCrew, ActionUpdateOwn}, {ResourceCrew, ActionDeleteOwn},
	},
	models.RoleModerator: {
		{ResourceQuest, ActionUpdate}, {ResourceQuest, ActionDelete},
		{ResourceCrew, ActionUpdate}, {ResourceCrew, ActionDelete},
		{ResourceUser, ActionRead},
	},
	models.RoleAdmin: {
		{ResourceUser, ActionUpdate}, {ResourceUser, ActionDelete}, {ResourceUser, ActionManage},
		{ResourceSecurityEvents, ActionRead},
		{ResourceProfile, ActionUpdate}, {ResourceProfile, ActionDelete},
		{ResourceQuest, ActionManage}, {ResourceCrew, ActionManage},
		{ResourceSystem, ActionRead},
	},
}

var roleOrder = []models.Role{models.RoleUser, models.RoleModerator, models.RoleAdmin}

// effective holds the inherited permission set of every role below system.
var effective = buildEffective()

func buildEffective() map[models.Role]map[Permission]bool {
	out := make(map[models.Role]map[Permission]bool, len(roleOrder))
	acc := map[Permission]bool{}
	for _, role := range roleOrder {
		for _, p := range grants[role] {
			acc[p] = true
		}
		set := make(map[Permission]bool, len(acc))
		for p := range acc {
			set[p] = true
		}
		out[role] = set
	}
	return out
}

// HasPermission reports whether role grants p. System always passes.
func HasPermission(role models.Role, p Permission) bool {
	if role == models.RoleSystem {
		return true
	}
	return effective[role][p]
}

// PermissionsFor lists the permissions role holds, as "resource:action"
// strings in table order.
func PermissionsFor(role models.Role) []string {
	if !role.Valid() {
		return nil
	}
	var out []string
	for _, res := range Resources {
		for _, act := range Actions {
			if p := (Permission{res, act}); HasPermission(role, p) {
				out = append(out, p.String())
			}
		}
	}
	return out
}

// MinRole returns the lowest role granting p.
func MinRole(p Permission) models.Role {
	for _, role := range roleOrder {
		if effective[role][p] {
			return role
		}
	}
	return models.RoleSystem
}

// IsOwner reports whether id owns a resource owned by ownerID.
func IsOwner(id *models.Identity, ownerID string) bool {
	return id != nil && ownerID != "" && id.ID == ownerID
}

// Authorization failures. Callers match them with errors.Is.
var (
	ErrAuthRequired     = errors.New("authentication required")
	ErrInsufficientRole = errors.New("insufficient role")
	ErrPermissionDenied = errors.New("permission denied")
)

// Requirement is what a route demands of its caller. Zero fields are not
// checked.
type Requirement struct {
	Role       models.Role
	Permission *Permission
	// OwnerID is the owner of the target resource, for own-scoped
	// permissions.
	OwnerID string
}

// Reporter receives authorization events. *monitor.Monitor satisfies it.
type Reporter interface {
	RecordContext(ctx context.Context, typ models.EventType, sev models.Severity, details map[string]any) models.SecurityEvent
}

// Authorizer makes role and permission decisions and reports denials.
type Authorizer struct {
	reporter Reporter
}

// NewAuthorizer returns an Authorizer. reporter may be nil.
func NewAuthorizer(reporter Reporter) *Authorizer {
	return &Authorizer{reporter: reporter}
}

// CheckRole enforces a minimum role. Any role above user also requires a
// verified identity.
func (a *Authorizer) CheckRole(ctx context.Context, id *models.Identity, required models.Role) error {
	if id == nil {
		return ErrAuthRequired
	}
	if required == "" {
		return nil
	}
	if !id.Role.AtLeast(required) {
		a.deny(ctx, id, required, map[string]any{"requiredRole": string(required)})
		return fmt.Errorf("%w: requires %s", ErrInsufficientRole, required)
	}
	if required.Level() > models.RoleUser.Level() && !id.IsVerified {
		a.deny(ctx, id, required, map[string]any{"requiredRole": string(required), "reason": "unverified"})
		return fmt.Errorf("%w: verification required", ErrInsufficientRole)
	}
	return nil
}

// CheckPermission enforces p, including ownership for own-scoped
// permissions. Admins and above bypass ownership.
func (a *Authorizer) CheckPermission(ctx context.Context, id *models.Identity, p Permission, ownerID string) error {
	if id == nil {
		return ErrAuthRequired
	}
	if !HasPermission(id.Role, p) {
		a.deny(ctx, id, MinRole(p), map[string]any{"permission": p.String()})
		return fmt.Errorf("%w: %s", ErrPermissionDenied, p)
	}
	if p.IsOwnScoped() && !id.Role.AtLeast(models.RoleAdmin) && !IsOwner(id, ownerID) {
		a.deny(ctx, id, "", map[string]any{"permission": p.String(), "reason": "not owner"})
		return fmt.Errorf("%w: not the owner", ErrPermissionDenied)
	}
	return nil
}

// Authorize applies every part of req in order: identity, role, permission.
func (a *Authorizer) Authorize(ctx context.Context, id *models.Identity, req Requirement) error {
	if id == nil {
		return ErrAuthRequired
	}
	if err := a.CheckRole(ctx, id, req.Role); err != nil {
		return err
	}
	if req.Permission != nil {
		return a.CheckPermission(ctx, id, *req.Permission, req.OwnerID)
	}
	return nil
}

// deny records the denial. A gap of two or more role levels between what
// was required and what the caller holds reads as an escalation attempt.
func (a *Authorizer) deny(ctx context.Context, id *models.Identity, required models.Role, details map[string]any) {
	if a.reporter == nil {
		return
	}
	details["role"] = string(id.Role)
	typ, sev := models.EventAuthorizationFailed, models.SeverityMedium
	if required != "" && required.Level()-id.Role.Level() >= 2 {
		typ, sev = models.EventPrivilegeEscalation, models.SeverityHigh
	}
	a.reporter.RecordContext(ctx, typ, sev, details)
}
