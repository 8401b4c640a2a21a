// Package auth decides what an authenticated principal may do. Roles and
// explicit permissions come from the credential (JWT claims or API key
// owner); the role table is static.
package auth

import (
	"fmt"
	"sort"
)

// Permissions.
const (
	MissionCreate = "mission.create"
	MissionRead   = "mission.read"
	MissionCancel = "mission.cancel"
	MissionReport = "mission.report"
	PoolManage    = "pool.manage"
	OpsRead       = "ops.read"
)

// Roles.
const (
	RoleOperator = "operator"
	RoleOwner    = "owner"
	RoleWorker   = "worker"
	RoleViewer   = "viewer"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Policy maps roles to the permissions they grant.
type Policy struct {
	Roles map[string][]string
}

func DefaultPolicy() Policy {
	return Policy{Roles: map[string][]string{
		RoleOperator: {MissionCreate, MissionRead, MissionCancel, MissionReport, PoolManage, OpsRead},
		RoleOwner:    {MissionCreate, MissionRead, MissionCancel},
		RoleWorker:   {MissionRead, MissionReport},
		RoleViewer:   {MissionRead, OpsRead},
	}}
}

// Permissions returns the union of explicit permissions and those granted by
// roles, sorted.
func (p Policy) Permissions(roles, explicit []string) []string {
	set := make(map[string]bool)
	for _, perm := range explicit {
		set[perm] = true
	}
	for _, role := range roles {
		for _, perm := range p.Roles[role] {
			set[perm] = true
		}
	}
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

func (p Policy) Allows(roles, explicit []string, perm string) bool {
	for _, granted := range explicit {
		if granted == perm || granted == "*" {
			return true
		}
	}
	for _, role := range roles {
		for _, granted := range p.Roles[role] {
			if granted == perm {
				return true
			}
		}
	}
	return false
}

// Require returns a ForbiddenError unless perm is granted.
func (p Policy) Require(roles, explicit []string, perm string) error {
	if p.Allows(roles, explicit, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
