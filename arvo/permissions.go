package arvo

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

const (
	// DenialCommandDisabled means an administrator turned the command off
	// in this guild.
	DenialCommandDisabled = "command_disabled"

	// DenialMissingRole means the actor lacks the role standing the
	// command's tier requires.
	DenialMissingRole = "missing_role"
)

// Actor is the flattened view of an invoking or targeted guild member,
// carrying everything permission and hierarchy checks need.
type Actor struct {
	UserID          string `json:"user_id"`
	RoleIDs         []string `json:"role_ids"`
	Administrator   bool   `json:"administrator"`
	Owner           bool   `json:"owner"`
	TopRolePosition int    `json:"top_role_position"`
}

func (a Actor) LogValue() slog.Value {
	return structToSlogValue(a)
}

// hasRole reports whether the actor carries the given role ID.
func (a Actor) hasRole(roleID string) bool {
	for _, id := range a.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// hasAnyRole reports whether the actor carries any of the given role IDs.
func (a Actor) hasAnyRole(roleIDs []string) bool {
	for _, id := range roleIDs {
		if a.hasRole(id) {
			return true
		}
	}
	return false
}

// Denial explains why a command invocation was refused. Denials are
// ordinary values, not errors: a refused invocation is a correct outcome.
type Denial struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Decision is the outcome of a permission evaluation.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Denial  *Denial `json:"denial,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(code string, detail string) Decision {
	return Decision{Denial: &Denial{Code: code, Detail: detail}}
}

// PermissionEvaluator decides whether an actor may invoke a command in a
// guild. It is pure: all inputs arrive as arguments, and it performs no
// I/O, so a decision is always against one consistent config snapshot.
type PermissionEvaluator struct {
	registry *CommandRegistry
}

func NewPermissionEvaluator(registry *CommandRegistry) *PermissionEvaluator {
	return &PermissionEvaluator{registry: registry}
}

// Evaluate applies the check sequence for one invocation. Order matters:
// disablement is checked before any role shortcut, so administrators
// cannot use a disabled command either.
func (e *PermissionEvaluator) Evaluate(
	cfg *GuildConfig,
	actor Actor,
	key string,
) Decision {
	desc, err := e.registry.Describe(key)
	if err != nil {
		return deny(DenialCommandDisabled, "unknown command")
	}

	// Outside a guild there is no config to consult and nothing to
	// protect; only globally-registered commands can arrive here.
	if cfg == nil {
		return allow()
	}

	if desc.Manageable && !cfg.CommandEnabled(key) {
		return deny(
			DenialCommandDisabled,
			"this command is disabled in this server",
		)
	}

	switch desc.Tier {
	case TierNone:
		return allow()
	case TierAdministrator:
		if actor.Administrator || actor.Owner {
			return allow()
		}
		return deny(
			DenialMissingRole,
			"you must be a server administrator to use this command",
		)
	}

	// Administrator bypass applies to staff tiers, but only after the
	// disablement check above.
	if actor.Administrator || actor.Owner {
		return allow()
	}

	switch desc.Tier {
	case TierGeneralStaff:
		if len(cfg.StaffRoleIDs) == 0 {
			return deny(
				DenialMissingRole,
				"no staff roles are configured in this server",
			)
		}
		if actor.hasAnyRole(cfg.StaffRoleIDs) || e.highRank(cfg, actor) {
			return allow()
		}
		return deny(
			DenialMissingRole,
			"you need a staff role to use this command",
		)
	case TierHighRank:
		if cfg.HighRankRoleID == "" {
			return deny(
				DenialMissingRole,
				"no high rank role is configured in this server",
			)
		}
		if e.highRank(cfg, actor) {
			return allow()
		}
		return deny(
			DenialMissingRole,
			"you need the high rank role to use this command",
		)
	}

	return deny(DenialMissingRole, "insufficient standing")
}

func (*PermissionEvaluator) highRank(cfg *GuildConfig, actor Actor) bool {
	return cfg.HighRankRoleID != "" && actor.hasRole(cfg.HighRankRoleID)
}

// actorFromMember flattens a discordgo member plus guild state into an
// Actor. Role positions come from the guild's role list; the member's top
// role position is the max across their roles.
func actorFromMember(
	member *discordgo.Member,
	guild *discordgo.Guild,
) Actor {
	if member == nil || member.User == nil {
		return Actor{}
	}
	actor := Actor{
		UserID:  member.User.ID,
		RoleIDs: member.Roles,
	}
	if guild != nil {
		actor.Owner = guild.OwnerID == member.User.ID

		roles := make(map[string]*discordgo.Role, len(guild.Roles))
		var permissions int64
		for _, role := range guild.Roles {
			roles[role.ID] = role
			if role.ID == guild.ID {
				// @everyone permissions apply to all members
				permissions |= role.Permissions
			}
		}
		for _, roleID := range member.Roles {
			role, ok := roles[roleID]
			if !ok {
				continue
			}
			permissions |= role.Permissions
			if role.Position > actor.TopRolePosition {
				actor.TopRolePosition = role.Position
			}
		}
		if permissions&discordgo.PermissionAdministrator != 0 {
			actor.Administrator = true
		}
	}
	if member.Permissions&discordgo.PermissionAdministrator != 0 {
		actor.Administrator = true
	}
	return actor
}
