package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"caseline/internal/domain"
)

func TestCasePermissions(t *testing.T) {
	emp := "emp-1"
	c := domain.Case{ID: "CL-1", UserID: "user-1", AssignedEmployeeID: &emp}

	owner := domain.Actor{UserID: "user-1", Role: domain.RoleUser}
	stranger := domain.Actor{UserID: "user-2", Role: domain.RoleUser}
	assigned := domain.Actor{UserID: "emp-1", Role: domain.RoleEmployee}
	other := domain.Actor{UserID: "emp-2", Role: domain.RoleEmployee}
	admin := domain.Actor{UserID: "root", Role: domain.RoleAdmin}

	assert.True(t, CanManage(assigned, c))
	assert.True(t, CanManage(admin, c))
	assert.True(t, CanManage(domain.SystemActor, c))
	assert.False(t, CanManage(other, c))
	assert.False(t, CanManage(owner, c))

	assert.True(t, CanView(owner, c))
	assert.False(t, CanView(stranger, c))
	assert.False(t, CanView(other, c))
	assert.True(t, CanUpload(owner, c))

	err := RequireManage(other, c, "update status")
	var fe ForbiddenError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, "update status", fe.Action)
}

func TestStaffAndAdmin(t *testing.T) {
	assert.NoError(t, RequireStaff(domain.Actor{UserID: "e", Role: domain.RoleEmployee}, "read"))
	assert.Error(t, RequireStaff(domain.Actor{UserID: "u", Role: domain.RoleUser}, "read"))
	assert.Error(t, RequireAdmin(domain.Actor{UserID: "e", Role: domain.RoleEmployee}, "create template"))
	assert.NoError(t, RequireAdmin(domain.SystemActor, "sweep"))
}
