package arvo

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	DiscordSlashCommandInfract       = "infract"
	DiscordSlashCommandStaffManage   = "staffmanage"
	DiscordSlashCommandSetup         = "setup"
	DiscordSlashCommandToggleCommand = "togglecommand"
	DiscordSlashCommandPing          = "ping"
	DiscordSlashCommandHelp          = "help"

	commandOptionUser     = "user"
	commandOptionReason   = "reason"
	commandOptionDuration = "duration"
	commandOptionRole     = "role"
	commandOptionCommand  = "command"
	commandOptionEnabled  = "enabled"

	commandKeySeparator = "_"
)

// CommandTier is the minimum staff standing required to invoke a command.
type CommandTier string

const (
	// TierNone marks commands any guild member may use.
	TierNone CommandTier = ""

	// TierGeneralStaff requires at least one configured staff role.
	TierGeneralStaff CommandTier = "general_staff"

	// TierHighRank requires the configured high-rank role.
	TierHighRank CommandTier = "high_rank"

	// TierAdministrator requires the Discord administrator permission.
	TierAdministrator CommandTier = "administrator"
)

// CommandDescriptor describes a single invocable command. Key is
// `group_name` for subcommands and the bare name otherwise, and is the
// identifier used for enablement state, permission checks and sync.
type CommandDescriptor struct {
	Key         string      `json:"key"`
	Group       string      `json:"group,omitempty"`
	Name        string      `json:"name"`
	Tier        CommandTier `json:"tier,omitempty"`
	Manageable  bool        `json:"manageable"`
	Description string      `json:"description"`

	options []*discordgo.ApplicationCommandOption
}

// CommandRegistry is the immutable catalog of commands the bot ships with.
// Built once at startup; all lookups afterward are read-only.
type CommandRegistry struct {
	descriptors map[string]CommandDescriptor
	keys        []string
}

// commandKey derives the registry key for a (group, name) pair.
func commandKey(group string, name string) string {
	if group == "" {
		return name
	}
	return strings.Join([]string{group, name}, commandKeySeparator)
}

func userOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        commandOptionUser,
		Description: description,
		Required:    true,
	}
}

func reasonOption(required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        commandOptionReason,
		Description: "Reason for this action",
		Required:    required,
	}
}

func roleOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionRole,
		Name:        commandOptionRole,
		Description: description,
		Required:    true,
	}
}

// NewCommandRegistry builds the static command catalog.
func NewCommandRegistry() *CommandRegistry {
	durationOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        commandOptionDuration,
		Description: "Mute duration (ex: 30m, 2h)",
	}

	table := []CommandDescriptor{
		{
			Group:       DiscordSlashCommandInfract,
			Name:        "warn",
			Tier:        TierGeneralStaff,
			Manageable:  true,
			Description: "Warn a member",
			options: []*discordgo.ApplicationCommandOption{
				userOption("Member to warn"),
				reasonOption(true),
			},
		},
		{
			Group:       DiscordSlashCommandInfract,
			Name:        "mute",
			Tier:        TierGeneralStaff,
			Manageable:  true,
			Description: "Temporarily mute a member",
			options: []*discordgo.ApplicationCommandOption{
				userOption("Member to mute"),
				durationOption,
				reasonOption(false),
			},
		},
		{
			Group:       DiscordSlashCommandInfract,
			Name:        "kick",
			Tier:        TierGeneralStaff,
			Manageable:  true,
			Description: "Kick a member from the server",
			options: []*discordgo.ApplicationCommandOption{
				userOption("Member to kick"),
				reasonOption(false),
			},
		},
		{
			Group:       DiscordSlashCommandInfract,
			Name:        "ban",
			Tier:        TierGeneralStaff,
			Manageable:  true,
			Description: "Ban a member from the server",
			options: []*discordgo.ApplicationCommandOption{
				userOption("Member to ban"),
				reasonOption(false),
			},
		},
		{
			Group:       DiscordSlashCommandInfract,
			Name:        "history",
			Tier:        TierGeneralStaff,
			Manageable:  true,
			Description: "Show a member's infraction history",
			options: []*discordgo.ApplicationCommandOption{
				userOption("Member to look up"),
			},
		},
		{
			Group:       DiscordSlashCommandStaffManage,
			Name:        "promote",
			Tier:        TierHighRank,
			Manageable:  true,
			Description: "Promote a staff member to a role",
			options: []*discordgo.ApplicationCommandOption{
				userOption("Staff member to promote"),
				roleOption("Role to grant"),
			},
		},
		{
			Group:       DiscordSlashCommandStaffManage,
			Name:        "demote",
			Tier:        TierHighRank,
			Manageable:  true,
			Description: "Demote a staff member from a role",
			options: []*discordgo.ApplicationCommandOption{
				userOption("Staff member to demote"),
				roleOption("Role to remove"),
			},
		},
		{
			Group:       DiscordSlashCommandStaffManage,
			Name:        "terminate",
			Tier:        TierHighRank,
			Manageable:  true,
			Description: "Remove a member from staff entirely",
			options: []*discordgo.ApplicationCommandOption{
				userOption("Staff member to terminate"),
				reasonOption(true),
			},
		},
		{
			Group:       DiscordSlashCommandStaffManage,
			Name:        "warn",
			Tier:        TierHighRank,
			Manageable:  true,
			Description: "Issue a staff warning",
			options: []*discordgo.ApplicationCommandOption{
				userOption("Staff member to warn"),
				reasonOption(true),
			},
		},
		{
			Group:       DiscordSlashCommandStaffManage,
			Name:        "strike",
			Tier:        TierHighRank,
			Manageable:  true,
			Description: "Issue a staff strike",
			options: []*discordgo.ApplicationCommandOption{
				userOption("Staff member to strike"),
				reasonOption(true),
			},
		},
		{
			Name:        DiscordSlashCommandSetup,
			Tier:        TierAdministrator,
			Manageable:  false,
			Description: "Configure role and channel bindings for this server",
			options:     setupCommandOptions(),
		},
		{
			Name:        DiscordSlashCommandToggleCommand,
			Tier:        TierAdministrator,
			Manageable:  false,
			Description: "Enable or disable a command in this server",
			options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionCommand,
					Description: "Command to toggle",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        commandOptionEnabled,
					Description: "Whether the command should be enabled",
					Required:    true,
				},
			},
		},
		{
			Name:        DiscordSlashCommandPing,
			Manageable:  false,
			Description: "Check whether the bot is responsive",
		},
		{
			Name:        DiscordSlashCommandHelp,
			Manageable:  false,
			Description: "Show available commands",
		},
	}

	descriptors := make(map[string]CommandDescriptor, len(table))
	keys := make([]string, 0, len(table))
	for _, d := range table {
		d.Key = commandKey(d.Group, d.Name)
		descriptors[d.Key] = d
		keys = append(keys, d.Key)
	}
	sort.Strings(keys)

	return &CommandRegistry{descriptors: descriptors, keys: keys}
}

func setupCommandOptions() []*discordgo.ApplicationCommandOption {
	channelTypes := []discordgo.ChannelType{discordgo.ChannelTypeGuildText}
	return []*discordgo.ApplicationCommandOption{
		{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         "log_channel",
			Description:  "Channel for moderation audit logs",
			ChannelTypes: channelTypes,
		},
		{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         "promotion_log_channel",
			Description:  "Channel for promotion and demotion logs",
			ChannelTypes: channelTypes,
		},
		{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         "staff_infraction_log_channel",
			Description:  "Channel for staff warning and strike logs",
			ChannelTypes: channelTypes,
		},
		{
			Type:        discordgo.ApplicationCommandOptionRole,
			Name:        "staff_role",
			Description: "Role granting general staff command access",
		},
		{
			Type:        discordgo.ApplicationCommandOptionRole,
			Name:        "high_rank_role",
			Description: "Role granting high-rank command access",
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "secret",
			Description: "Server secret for sensitive operations",
		},
	}
}

// Describe returns the descriptor for the given key, or ErrUnknownCommand.
func (r *CommandRegistry) Describe(key string) (CommandDescriptor, error) {
	d, ok := r.descriptors[key]
	if !ok {
		return CommandDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownCommand, key)
	}
	return d, nil
}

// AllKeys returns all registry keys in sorted order. When manageableOnly
// is set, keys for non-manageable commands are omitted.
func (r *CommandRegistry) AllKeys(manageableOnly bool) []string {
	keys := make([]string, 0, len(r.keys))
	for _, k := range r.keys {
		if manageableOnly && !r.descriptors[k].Manageable {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// Groups returns the distinct top-level command names, sorted.
func (r *CommandRegistry) Groups() []string {
	seen := map[string]bool{}
	var names []string
	for _, k := range r.keys {
		d := r.descriptors[k]
		name := d.Group
		if name == "" {
			name = d.Name
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Definitions builds the discordgo application command definitions for a
// guild. The enabled func decides per-key inclusion; grouped commands list
// only enabled subcommands and are omitted entirely if none remain.
// Non-manageable commands are always included.
func (r *CommandRegistry) Definitions(
	enabled func(key string) bool,
) []*discordgo.ApplicationCommand {
	dmPerm := false
	adminPerm := int64(discordgo.PermissionAdministrator)

	byGroup := map[string][]*discordgo.ApplicationCommandOption{}
	var commands []*discordgo.ApplicationCommand

	for _, k := range r.keys {
		d := r.descriptors[k]
		if d.Manageable && enabled != nil && !enabled(d.Key) {
			continue
		}
		if d.Group == "" {
			cmd := &discordgo.ApplicationCommand{
				Name:         d.Name,
				Description:  d.Description,
				Type:         discordgo.ChatApplicationCommand,
				DMPermission: &dmPerm,
				Options:      d.options,
			}
			if d.Tier == TierAdministrator {
				cmd.DefaultMemberPermissions = &adminPerm
			}
			commands = append(commands, cmd)
			continue
		}
		byGroup[d.Group] = append(
			byGroup[d.Group],
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        d.Name,
				Description: d.Description,
				Options:     d.options,
			},
		)
	}

	groupNames := make([]string, 0, len(byGroup))
	for name := range byGroup {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)

	for _, name := range groupNames {
		commands = append(
			commands, &discordgo.ApplicationCommand{
				Name:         name,
				Description:  groupDescription(name),
				Type:         discordgo.ChatApplicationCommand,
				DMPermission: &dmPerm,
				Options:      byGroup[name],
			},
		)
	}

	sort.Slice(
		commands, func(i, j int) bool {
			return commands[i].Name < commands[j].Name
		},
	)
	return commands
}

func groupDescription(name string) string {
	switch name {
	case DiscordSlashCommandInfract:
		return "Member moderation actions"
	case DiscordSlashCommandStaffManage:
		return "Staff management actions"
	default:
		return name
	}
}
