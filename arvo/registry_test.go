package arvo

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRegistry_Describe(t *testing.T) {
	registry := NewCommandRegistry()

	desc, err := registry.Describe("infract_warn")
	require.NoError(t, err)
	assert.Equal(t, DiscordSlashCommandInfract, desc.Group)
	assert.Equal(t, "warn", desc.Name)
	assert.Equal(t, TierGeneralStaff, desc.Tier)
	assert.True(t, desc.Manageable)

	desc, err = registry.Describe("togglecommand")
	require.NoError(t, err)
	assert.Equal(t, TierAdministrator, desc.Tier)
	assert.False(t, desc.Manageable)

	_, err = registry.Describe("no_such_command")
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestCommandRegistry_AllKeys(t *testing.T) {
	registry := NewCommandRegistry()

	all := registry.AllKeys(false)
	assert.Contains(t, all, "infract_warn")
	assert.Contains(t, all, "staffmanage_promote")
	assert.Contains(t, all, DiscordSlashCommandPing)
	assert.Contains(t, all, DiscordSlashCommandSetup)

	manageable := registry.AllKeys(true)
	assert.Contains(t, manageable, "infract_mute")
	assert.Contains(t, manageable, "staffmanage_terminate")
	assert.NotContains(t, manageable, DiscordSlashCommandPing)
	assert.NotContains(t, manageable, DiscordSlashCommandHelp)
	assert.NotContains(t, manageable, DiscordSlashCommandSetup)
	assert.NotContains(t, manageable, DiscordSlashCommandToggleCommand)

	// sorted output
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1], all[i])
	}
}

func TestCommandRegistry_DefinitionsAllEnabled(t *testing.T) {
	registry := NewCommandRegistry()

	commands := registry.Definitions(func(string) bool { return true })

	byName := map[string]*discordgo.ApplicationCommand{}
	for _, cmd := range commands {
		byName[cmd.Name] = cmd
	}

	infract, ok := byName[DiscordSlashCommandInfract]
	require.True(t, ok)
	assert.Len(t, infract.Options, 5)
	for _, opt := range infract.Options {
		assert.Equal(
			t,
			discordgo.ApplicationCommandOptionSubCommand,
			opt.Type,
		)
	}

	staffManage, ok := byName[DiscordSlashCommandStaffManage]
	require.True(t, ok)
	assert.Len(t, staffManage.Options, 5)

	setup, ok := byName[DiscordSlashCommandSetup]
	require.True(t, ok)
	require.NotNil(t, setup.DefaultMemberPermissions)
	assert.Equal(
		t,
		int64(discordgo.PermissionAdministrator),
		*setup.DefaultMemberPermissions,
	)

	assert.Contains(t, byName, DiscordSlashCommandPing)
	assert.Contains(t, byName, DiscordSlashCommandHelp)
	assert.Contains(t, byName, DiscordSlashCommandToggleCommand)
}

func TestCommandRegistry_DefinitionsGroupOmittedWhenDisabled(t *testing.T) {
	registry := NewCommandRegistry()

	commands := registry.Definitions(
		func(key string) bool {
			desc, err := registry.Describe(key)
			if err != nil {
				return false
			}
			return desc.Group != DiscordSlashCommandInfract
		},
	)

	for _, cmd := range commands {
		assert.NotEqual(t, DiscordSlashCommandInfract, cmd.Name)
	}

	// non-manageable commands are always present
	names := make([]string, 0, len(commands))
	for _, cmd := range commands {
		names = append(names, cmd.Name)
	}
	assert.Contains(t, names, DiscordSlashCommandPing)
	assert.Contains(t, names, DiscordSlashCommandSetup)
}

func TestCommandRegistry_DefinitionsPartialGroup(t *testing.T) {
	registry := NewCommandRegistry()

	commands := registry.Definitions(
		func(key string) bool { return key != "infract_ban" },
	)

	var infract *discordgo.ApplicationCommand
	for _, cmd := range commands {
		if cmd.Name == DiscordSlashCommandInfract {
			infract = cmd
		}
	}
	require.NotNil(t, infract)
	assert.Len(t, infract.Options, 4)
	for _, opt := range infract.Options {
		assert.NotEqual(t, "ban", opt.Name)
	}
}

func TestCommandKey(t *testing.T) {
	assert.Equal(t, "infract_warn", commandKey("infract", "warn"))
	assert.Equal(t, "ping", commandKey("", "ping"))
}
