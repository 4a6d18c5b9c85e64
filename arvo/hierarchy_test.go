package arvo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHierarchyGuard_SelfTarget(t *testing.T) {
	var guard HierarchyGuard

	violation := guard.Check(
		Actor{UserID: "u1", Owner: true},
		Actor{UserID: "u1"},
	)
	require.NotNil(t, violation)
	assert.Contains(t, violation.Reason, "yourself")
}

func TestHierarchyGuard_OwnerBypass(t *testing.T) {
	var guard HierarchyGuard

	// the owner outranks everyone, including administrators above them
	violation := guard.Check(
		Actor{UserID: "owner", Owner: true, TopRolePosition: 0},
		Actor{UserID: "admin", Administrator: true, TopRolePosition: 50},
	)
	assert.Nil(t, violation)
}

func TestHierarchyGuard_OwnerTarget(t *testing.T) {
	var guard HierarchyGuard

	violation := guard.Check(
		Actor{UserID: "admin", Administrator: true, TopRolePosition: 50},
		Actor{UserID: "owner", Owner: true},
	)
	require.NotNil(t, violation)
	assert.Contains(t, violation.Reason, "owner")
}

func TestHierarchyGuard_AdminTarget(t *testing.T) {
	var guard HierarchyGuard

	violation := guard.Check(
		Actor{UserID: "mod", TopRolePosition: 40},
		Actor{UserID: "admin", Administrator: true, TopRolePosition: 10},
	)
	require.NotNil(t, violation)
	assert.Contains(t, violation.Reason, "administrator")

	// admin-on-admin falls through to the rank comparison
	violation = guard.Check(
		Actor{UserID: "a1", Administrator: true, TopRolePosition: 40},
		Actor{UserID: "a2", Administrator: true, TopRolePosition: 10},
	)
	assert.Nil(t, violation)
}

func TestHierarchyGuard_RankComparison(t *testing.T) {
	var guard HierarchyGuard

	violation := guard.Check(
		Actor{UserID: "u1", TopRolePosition: 10},
		Actor{UserID: "u2", TopRolePosition: 10},
	)
	require.NotNil(t, violation)

	violation = guard.Check(
		Actor{UserID: "u1", TopRolePosition: 5},
		Actor{UserID: "u2", TopRolePosition: 10},
	)
	require.NotNil(t, violation)

	violation = guard.Check(
		Actor{UserID: "u1", TopRolePosition: 11},
		Actor{UserID: "u2", TopRolePosition: 10},
	)
	assert.Nil(t, violation)
}
