package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRolesGrantPermissions(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.Allows([]string{RoleWorker}, nil, MissionReport))
	assert.False(t, p.Allows([]string{RoleWorker}, nil, MissionCancel))
	assert.True(t, p.Allows([]string{"unknown"}, []string{MissionCancel}, MissionCancel))
	assert.True(t, p.Allows(nil, []string{"*"}, PoolManage))
	assert.False(t, p.Allows(nil, nil, MissionRead))
}

func TestRequireReturnsForbidden(t *testing.T) {
	err := DefaultPolicy().Require([]string{RoleViewer}, nil, MissionCreate)
	var fe ForbiddenError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, MissionCreate, fe.Permission)
	assert.NoError(t, DefaultPolicy().Require([]string{RoleOwner}, nil, MissionCreate))
}

func TestPermissionsUnion(t *testing.T) {
	got := DefaultPolicy().Permissions([]string{RoleWorker}, []string{PoolManage, MissionRead})
	assert.Equal(t, []string{MissionRead, MissionReport, PoolManage}, got)
}
