package arvo

import (
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, s, 16)

	// odd lengths round up to the next even
	s, err = generateRandomHexString(7)
	require.NoError(t, err)
	assert.Len(t, s, 8)

	other, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestHashPassword(t *testing.T) {
	hash, err := hashPassword("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, hash, "hunter2")
	assert.Contains(t, hash, "$argon2id$")

	ok, err := verifyPassword(hash, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword(hash, "hunter3")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = verifyPassword("not-a-hash", "hunter2")
	require.Error(t, err)

	// each call salts independently
	again, err := hashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again)

	exported, err := HashPassword("hunter2")
	require.NoError(t, err)
	ok, err = verifyPassword(exported, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDerive64ByteKey(t *testing.T) {
	key := derive64ByteKey("some-secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("some-secret"))
	assert.NotEqual(t, key, derive64ByteKey("other-secret"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "héllö", truncate("héllö", 5))
	assert.Equal(t, "hé", truncate("héllö", 2))
}

func TestStructToSlogValue_Redaction(t *testing.T) {
	type creds struct {
		Username string `json:"username"`
		Password string `json:"password" log:"[redacted]"`
		Empty    string `json:"empty"`
	}

	value := structToSlogValue(
		creds{Username: "admin", Password: "hunter2", Empty: ""},
	)
	require.Equal(t, slog.KindGroup, value.Kind())

	attrs := map[string]string{}
	for _, attr := range value.Group() {
		attrs[attr.Key] = attr.Value.String()
	}
	assert.Equal(t, "admin", attrs["username"])
	assert.Equal(t, "[redacted]", attrs["password"])
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs["password"], "hunter2")
}

func TestSubCommandOptions(t *testing.T) {
	data := discordgo.ApplicationCommandInteractionData{
		Name: DiscordSlashCommandInfract,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name: "warn",
				Type: discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "user", Type: discordgo.ApplicationCommandOptionUser},
					{Name: "reason", Type: discordgo.ApplicationCommandOptionString},
				},
			},
		},
	}

	subName, options := subCommandOptions(data)
	assert.Equal(t, "warn", subName)
	assert.Contains(t, options, "user")
	assert.Contains(t, options, "reason")

	bare := discordgo.ApplicationCommandInteractionData{
		Name: DiscordSlashCommandPing,
	}
	subName, options = subCommandOptions(bare)
	assert.Empty(t, subName)
	assert.Empty(t, options)
}

func TestGetDiscordUser(t *testing.T) {
	direct := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			User: &discordgo.User{ID: "u1"},
		},
	}
	user := getDiscordUser(direct)
	require.NotNil(t, user)
	assert.Equal(t, "u1", user.ID)

	viaMember := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: &discordgo.User{ID: "u2"}},
		},
	}
	user = getDiscordUser(viaMember)
	require.NotNil(t, user)
	assert.Equal(t, "u2", user.ID)
}
