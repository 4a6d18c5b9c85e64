package arvo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuildConfig() *GuildConfig {
	return &GuildConfig{
		ModelStringID:  ModelStringID{ID: "guild-1"},
		StaffRoleIDs:   StringSlice{"staff-role"},
		HighRankRoleID: "high-rank-role",
	}
}

func TestPermissionEvaluator_UnknownCommand(t *testing.T) {
	evaluator := NewPermissionEvaluator(NewCommandRegistry())

	decision := evaluator.Evaluate(testGuildConfig(), Actor{UserID: "u1"}, "bogus")
	assert.False(t, decision.Allowed)
	require.NotNil(t, decision.Denial)
}

func TestPermissionEvaluator_NonGuildContextAllows(t *testing.T) {
	evaluator := NewPermissionEvaluator(NewCommandRegistry())

	decision := evaluator.Evaluate(nil, Actor{UserID: "u1"}, "infract_warn")
	assert.True(t, decision.Allowed)
	assert.Nil(t, decision.Denial)
}

func TestPermissionEvaluator_DisabledBeatsAdmin(t *testing.T) {
	evaluator := NewPermissionEvaluator(NewCommandRegistry())

	cfg := testGuildConfig()
	cfg.CommandStates = CommandStateMap{"infract_warn": false}

	admin := Actor{UserID: "u1", Administrator: true}
	decision := evaluator.Evaluate(cfg, admin, "infract_warn")
	assert.False(t, decision.Allowed)
	require.NotNil(t, decision.Denial)
	assert.Equal(t, DenialCommandDisabled, decision.Denial.Code)

	owner := Actor{UserID: "u2", Owner: true}
	decision = evaluator.Evaluate(cfg, owner, "infract_warn")
	assert.False(t, decision.Allowed)
	require.NotNil(t, decision.Denial)
	assert.Equal(t, DenialCommandDisabled, decision.Denial.Code)
}

func TestPermissionEvaluator_NoTierAllowsEveryone(t *testing.T) {
	evaluator := NewPermissionEvaluator(NewCommandRegistry())

	decision := evaluator.Evaluate(
		testGuildConfig(),
		Actor{UserID: "u1"},
		DiscordSlashCommandPing,
	)
	assert.True(t, decision.Allowed)
}

func TestPermissionEvaluator_GeneralStaff(t *testing.T) {
	evaluator := NewPermissionEvaluator(NewCommandRegistry())
	cfg := testGuildConfig()

	// member without any staff role
	decision := evaluator.Evaluate(
		cfg,
		Actor{UserID: "u1", RoleIDs: []string{"other"}},
		"infract_warn",
	)
	assert.False(t, decision.Allowed)
	require.NotNil(t, decision.Denial)
	assert.Equal(t, DenialMissingRole, decision.Denial.Code)

	// staff role holder
	decision = evaluator.Evaluate(
		cfg,
		Actor{UserID: "u2", RoleIDs: []string{"staff-role"}},
		"infract_warn",
	)
	assert.True(t, decision.Allowed)

	// high rank implies general staff access
	decision = evaluator.Evaluate(
		cfg,
		Actor{UserID: "u3", RoleIDs: []string{"high-rank-role"}},
		"infract_warn",
	)
	assert.True(t, decision.Allowed)

	// admin bypass
	decision = evaluator.Evaluate(
		cfg,
		Actor{UserID: "u4", Administrator: true},
		"infract_warn",
	)
	assert.True(t, decision.Allowed)
}

func TestPermissionEvaluator_GeneralStaffUnconfigured(t *testing.T) {
	evaluator := NewPermissionEvaluator(NewCommandRegistry())

	cfg := testGuildConfig()
	cfg.StaffRoleIDs = nil
	cfg.HighRankRoleID = ""

	decision := evaluator.Evaluate(
		cfg,
		Actor{UserID: "u1", RoleIDs: []string{"anything"}},
		"infract_warn",
	)
	assert.False(t, decision.Allowed)
	require.NotNil(t, decision.Denial)
	assert.Equal(t, DenialMissingRole, decision.Denial.Code)
}

func TestPermissionEvaluator_HighRank(t *testing.T) {
	evaluator := NewPermissionEvaluator(NewCommandRegistry())
	cfg := testGuildConfig()

	// general staff role is not enough
	decision := evaluator.Evaluate(
		cfg,
		Actor{UserID: "u1", RoleIDs: []string{"staff-role"}},
		"staffmanage_promote",
	)
	assert.False(t, decision.Allowed)
	require.NotNil(t, decision.Denial)
	assert.Equal(t, DenialMissingRole, decision.Denial.Code)

	decision = evaluator.Evaluate(
		cfg,
		Actor{UserID: "u2", RoleIDs: []string{"high-rank-role"}},
		"staffmanage_promote",
	)
	assert.True(t, decision.Allowed)

	// unconfigured high-rank role denies non-admins
	cfg.HighRankRoleID = ""
	decision = evaluator.Evaluate(
		cfg,
		Actor{UserID: "u3", RoleIDs: []string{"high-rank-role"}},
		"staffmanage_promote",
	)
	assert.False(t, decision.Allowed)

	// admins still pass
	decision = evaluator.Evaluate(
		cfg,
		Actor{UserID: "u4", Administrator: true},
		"staffmanage_promote",
	)
	assert.True(t, decision.Allowed)
}

func TestPermissionEvaluator_AdministratorTier(t *testing.T) {
	evaluator := NewPermissionEvaluator(NewCommandRegistry())
	cfg := testGuildConfig()

	decision := evaluator.Evaluate(
		cfg,
		Actor{UserID: "u1", RoleIDs: []string{"high-rank-role"}},
		DiscordSlashCommandSetup,
	)
	assert.False(t, decision.Allowed)

	decision = evaluator.Evaluate(
		cfg,
		Actor{UserID: "u2", Administrator: true},
		DiscordSlashCommandSetup,
	)
	assert.True(t, decision.Allowed)

	decision = evaluator.Evaluate(
		cfg,
		Actor{UserID: "u3", Owner: true},
		DiscordSlashCommandSetup,
	)
	assert.True(t, decision.Allowed)
}
