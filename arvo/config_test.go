package arvo

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig returns a runnable sqlite config with a self-signed
// cert, scoped to the test's temp dir.
func DefaultTestConfig(t testing.TB) *Config {
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.API.CORS.AllowOrigins = []string{"*"}
	cfg.API.Development = true

	cfg.Discord.Token = "test-discord-token"
	cfg.Discord.ApplicationID = "test-application-id"

	certfile := filepath.Join(tmpdir, "cert.pem")
	keyfile := filepath.Join(tmpdir, "key.pem")
	_, err := generateSelfSignedCert(certfile, keyfile)
	require.NoError(t, err)

	cfg.API.SSL.Cert = certfile
	cfg.API.SSL.Key = keyfile
	cfg.API.Secret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func TestValidateDefaultTestConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	require.NoError(t, structValidator.Struct(cfg))
}

func TestValidateConfig_MissingDiscordToken(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	require.Error(t, structValidator.Struct(cfg))
}

func TestValidateConfig_ConfirmationTimeoutFloor(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Moderation.ConfirmationTimeout = time.Second
	require.Error(t, structValidator.Struct(cfg))

	cfg.Moderation.ConfirmationTimeout = 30 * time.Second
	require.NoError(t, structValidator.Struct(cfg))
}

func TestGenerateSelfSignedCert(t *testing.T) {
	tmpdir := t.TempDir()
	certfile := filepath.Join(tmpdir, "cert.pem")
	keyfile := filepath.Join(tmpdir, "key.pem")

	cert, err := generateSelfSignedCert(certfile, keyfile)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	// the written files load back as a usable keypair
	tlsCfg, err := tlsConfig(certfile, keyfile, tls.VersionTLS12)
	require.NoError(t, err)
	require.Len(t, tlsCfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, DefaultAPISessionMaxAge, cfg.API.SessionMaxAge)
	assert.Equal(t, DefaultConfirmationTimeout, cfg.Moderation.ConfirmationTimeout)
	assert.Equal(t, DefaultMuteDuration, cfg.Moderation.MuteDuration)
	assert.Equal(t, DefaultSyncMaxAttempts, cfg.Moderation.SyncMaxAttempts)
	assert.Equal(t, DefaultCORSConfig(), cfg.API.CORS)
}
