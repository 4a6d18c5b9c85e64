package arvo

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBLogLevelParse(t *testing.T) {
	var level DBLogLevel
	require.NoError(t, level.Set("debug"))
	assert.Equal(t, DBLogLevelDebug, level)
	assert.Equal(t, slog.LevelDebug, level.Level())

	require.NoError(t, level.Scan([]byte("ERROR")))
	assert.Equal(t, slog.LevelError, level.Level())

	assert.Error(t, level.Set("verbose"))
}

func TestDBLogLevelJSON(t *testing.T) {
	var level DBLogLevel
	require.NoError(t, json.Unmarshal([]byte(`"warn"`), &level))
	assert.Equal(t, DBLogLevelWarn, level)

	data, err := json.Marshal(level)
	require.NoError(t, err)
	assert.Equal(t, `"WARN"`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`"loud"`), &level))
}

func TestApplyLogLevelsFromSettings(t *testing.T) {
	cfg := DefaultConfig()
	b := &Arvo{config: cfg}

	b.applyLogLevels(
		&BotSettings{
			LogLevel:         DBLogLevelDebug,
			DatabaseLogLevel: DBLogLevelError,
		},
	)

	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.DatabaseLogLevel.Level())

	// unset columns leave the configured levels alone
	assert.Equal(t, DefaultDiscordLogLevel, cfg.Discord.LogLevel.Level())
	assert.Equal(t, DefaultAPILogLevel, cfg.API.LogLevel.Level())
}

func TestDBLogLevelFromLevelVar(t *testing.T) {
	assert.Equal(t, DBLogLevel(""), dbLogLevelFrom(nil))

	v := &slog.LevelVar{}
	v.Set(slog.LevelWarn)
	assert.Equal(t, DBLogLevelWarn, dbLogLevelFrom(v))
}
