package arvo

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnGuildConfigLogChannel           = "log_channel_id"
	columnGuildConfigPromotionLogChannel  = "promotion_log_channel_id"
	columnGuildConfigStaffInfractionLog   = "staff_infraction_log_channel_id"
	columnGuildConfigStaffRoleIDs         = "staff_role_ids"
	columnGuildConfigHighRankRole         = "high_rank_role_id"
	columnGuildConfigSecretHash           = "secret_hash"
	columnGuildConfigCommandStates        = "command_states"
	columnGuildConfigMuteDuration         = "mute_duration"
)

// StringSlice is a string slice persisted as a JSON column.
type StringSlice []string

// Scan implements the sql.Scanner interface.
func (s *StringSlice) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = nil
		return nil
	default:
		return fmt.Errorf("unexpected type for StringSlice: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		s = StringSlice{}
	}
	data, err := json.Marshal(s)
	return string(data), err
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (StringSlice) GormDataType() string {
	return "string"
}

// CommandStateMap maps registry command keys to their enabled state,
// persisted as a JSON column. Keys absent from the map are enabled.
type CommandStateMap map[string]bool

// Scan implements the sql.Scanner interface.
func (m *CommandStateMap) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = nil
		return nil
	default:
		return fmt.Errorf("unexpected type for CommandStateMap: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (m CommandStateMap) Value() (driver.Value, error) {
	if m == nil {
		m = CommandStateMap{}
	}
	data, err := json.Marshal(m)
	return string(data), err
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (CommandStateMap) GormDataType() string {
	return "string"
}

// GuildConfig holds per-guild settings. The row is created lazily the
// first time a guild is seen, with every field at its zero value, which
// yields fully default behavior (all commands enabled, nothing bound).
type GuildConfig struct {
	ModelStringID
	ModelUnixTime

	// LogChannelID receives member moderation audit embeds
	LogChannelID string `json:"log_channel_id" gorm:"column:log_channel_id"`

	// PromotionLogChannelID receives promotion/demotion/termination embeds
	PromotionLogChannelID string `json:"promotion_log_channel_id" gorm:"column:promotion_log_channel_id"`

	// StaffInfractionLogChannelID receives staff warning/strike embeds
	StaffInfractionLogChannelID string `json:"staff_infraction_log_channel_id" gorm:"column:staff_infraction_log_channel_id"`

	// StaffRoleIDs are the roles granting general staff command access
	StaffRoleIDs StringSlice `json:"staff_role_ids" gorm:"column:staff_role_ids"`

	// HighRankRoleID is the role granting high-rank command access
	HighRankRoleID string `json:"high_rank_role_id" gorm:"column:high_rank_role_id"`

	// SecretHash is the argon2 hash of the guild secret. Write-only.
	SecretHash string `json:"-" log:"[redacted]" gorm:"column:secret_hash"`

	// CommandStates tracks explicit enable/disable decisions per command
	// key. Absent keys default to enabled.
	CommandStates CommandStateMap `json:"command_states" gorm:"column:command_states"`

	// MuteDuration overrides the default timeout applied by mute actions
	MuteDuration Duration `json:"mute_duration" gorm:"column:mute_duration"`
}

func (GuildConfig) TableName() string {
	return "guild_configs"
}

func (g GuildConfig) LogValue() slog.Value {
	return structToSlogValue(g)
}

// CommandEnabled reports whether the given command key is enabled in this
// guild. Keys with no explicit state recorded are enabled.
func (g *GuildConfig) CommandEnabled(key string) bool {
	if g == nil || g.CommandStates == nil {
		return true
	}
	enabled, ok := g.CommandStates[key]
	if !ok {
		return true
	}
	return enabled
}

// clone returns a deep copy, so cached snapshots handed to callers are
// never mutated underneath them.
func (g *GuildConfig) clone() *GuildConfig {
	if g == nil {
		return nil
	}
	cp := *g
	if g.StaffRoleIDs != nil {
		cp.StaffRoleIDs = make(StringSlice, len(g.StaffRoleIDs))
		copy(cp.StaffRoleIDs, g.StaffRoleIDs)
	}
	if g.CommandStates != nil {
		cp.CommandStates = make(CommandStateMap, len(g.CommandStates))
		for k, v := range g.CommandStates {
			cp.CommandStates[k] = v
		}
	}
	return &cp
}

// GuildConfigStore loads, caches and mutates GuildConfig rows. Reads are
// served from an in-memory snapshot cache; every mutation goes to the
// database first and only touches the cache after the write succeeds.
type GuildConfigStore struct {
	db     DBI
	logger *slog.Logger

	cacheMu sync.RWMutex
	cache   map[string]*GuildConfig

	// guildMu serializes create-if-absent and setters per guild
	guildLockMu sync.Mutex
	guildLocks  map[string]*sync.Mutex
}

// NewGuildConfigStore creates a GuildConfigStore on the given database.
func NewGuildConfigStore(db DBI, logger *slog.Logger) *GuildConfigStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildConfigStore{
		db:         db,
		logger:     logger.With(loggerNameKey, "guild_config"),
		cache:      map[string]*GuildConfig{},
		guildLocks: map[string]*sync.Mutex{},
	}
}

func (s *GuildConfigStore) guildLock(guildID string) *sync.Mutex {
	s.guildLockMu.Lock()
	defer s.guildLockMu.Unlock()
	mu, ok := s.guildLocks[guildID]
	if !ok {
		mu = &sync.Mutex{}
		s.guildLocks[guildID] = mu
	}
	return mu
}

func (s *GuildConfigStore) cached(guildID string) *GuildConfig {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache[guildID]
}

func (s *GuildConfigStore) setCached(cfg *GuildConfig) {
	s.cacheMu.Lock()
	s.cache[cfg.ID] = cfg
	s.cacheMu.Unlock()
}

// Get returns a snapshot of the guild's config, creating the row if this
// is the first time the guild has been seen.
func (s *GuildConfigStore) Get(
	ctx context.Context,
	guildID string,
) (*GuildConfig, error) {
	if guildID == "" {
		return nil, &ValidationError{Field: "guild_id", Detail: "must not be empty"}
	}
	if cfg := s.cached(guildID); cfg != nil {
		return cfg.clone(), nil
	}

	mu := s.guildLock(guildID)
	mu.Lock()
	defer mu.Unlock()

	if cfg := s.cached(guildID); cfg != nil {
		return cfg.clone(), nil
	}

	cfg := &GuildConfig{ModelStringID: ModelStringID{ID: guildID}}
	s.db.Lock()
	err := s.db.DB().WithContext(ctx).Clauses(
		clause.OnConflict{DoNothing: true},
	).Create(cfg).Error
	s.db.Unlock()
	if err != nil {
		return nil, &PersistenceError{Op: "guild_config.create", Err: err}
	}

	loaded, err := s.load(ctx, guildID)
	if err != nil {
		return nil, err
	}
	s.setCached(loaded)
	return loaded.clone(), nil
}

func (s *GuildConfigStore) load(
	ctx context.Context,
	guildID string,
) (*GuildConfig, error) {
	var cfg GuildConfig
	err := s.db.DB().WithContext(ctx).First(&cfg, "id = ?", guildID).Error
	if err != nil {
		return nil, &PersistenceError{Op: "guild_config.load", Err: err}
	}
	return &cfg, nil
}

// Refresh reloads a guild's config from the database into the cache. Used
// when another instance reports the row changed.
func (s *GuildConfigStore) Refresh(
	ctx context.Context,
	guildID string,
) (*GuildConfig, error) {
	mu := s.guildLock(guildID)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := s.load(ctx, guildID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, err
	}
	s.setCached(cfg)
	return cfg.clone(), nil
}

// set persists a single column and refreshes the cached snapshot. The
// cache is only updated after the write succeeds.
func (s *GuildConfigStore) set(
	ctx context.Context,
	guildID string,
	column string,
	value any,
) error {
	if _, err := s.Get(ctx, guildID); err != nil {
		return err
	}

	mu := s.guildLock(guildID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.Update(
		ctx,
		&GuildConfig{ModelStringID: ModelStringID{ID: guildID}},
		column,
		value,
	)
	if err != nil {
		return &PersistenceError{
			Op:  fmt.Sprintf("guild_config.set %s", column),
			Err: err,
		}
	}

	cfg, err := s.load(ctx, guildID)
	if err != nil {
		return err
	}
	s.setCached(cfg)
	return nil
}

// SetLogChannel binds the moderation audit log channel.
func (s *GuildConfigStore) SetLogChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) error {
	return s.set(ctx, guildID, columnGuildConfigLogChannel, channelID)
}

// SetPromotionLogChannel binds the promotion log channel.
func (s *GuildConfigStore) SetPromotionLogChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) error {
	return s.set(ctx, guildID, columnGuildConfigPromotionLogChannel, channelID)
}

// SetStaffInfractionLogChannel binds the staff infraction log channel.
func (s *GuildConfigStore) SetStaffInfractionLogChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) error {
	return s.set(ctx, guildID, columnGuildConfigStaffInfractionLog, channelID)
}

// SetStaffRoles replaces the set of general staff roles.
func (s *GuildConfigStore) SetStaffRoles(
	ctx context.Context,
	guildID string,
	roleIDs []string,
) error {
	return s.set(
		ctx,
		guildID,
		columnGuildConfigStaffRoleIDs,
		StringSlice(roleIDs),
	)
}

// SetHighRankRole binds the high-rank role.
func (s *GuildConfigStore) SetHighRankRole(
	ctx context.Context,
	guildID string,
	roleID string,
) error {
	return s.set(ctx, guildID, columnGuildConfigHighRankRole, roleID)
}

// SetMuteDuration overrides the default mute timeout for the guild.
func (s *GuildConfigStore) SetMuteDuration(
	ctx context.Context,
	guildID string,
	d Duration,
) error {
	return s.set(ctx, guildID, columnGuildConfigMuteDuration, d)
}

// SetSecret hashes and stores the guild secret. The plaintext is never
// persisted or logged.
func (s *GuildConfigStore) SetSecret(
	ctx context.Context,
	guildID string,
	secret string,
) error {
	if secret == "" {
		return &ValidationError{Field: "secret", Detail: "must not be empty"}
	}
	hashed, err := hashPassword(secret)
	if err != nil {
		return fmt.Errorf("error hashing secret: %w", err)
	}
	return s.set(ctx, guildID, columnGuildConfigSecretHash, hashed)
}

// VerifySecret checks a candidate secret against the stored hash. Returns
// false when no secret has been set.
func (s *GuildConfigStore) VerifySecret(
	ctx context.Context,
	guildID string,
	candidate string,
) (bool, error) {
	cfg, err := s.Get(ctx, guildID)
	if err != nil {
		return false, err
	}
	if cfg.SecretHash == "" {
		return false, nil
	}
	return verifyPassword(cfg.SecretHash, candidate)
}

// SetCommandEnabled records an explicit enable/disable decision for a
// command key. The returned bool reports whether the stored state
// actually changed, so callers can skip reconciling when it didn't.
func (s *GuildConfigStore) SetCommandEnabled(
	ctx context.Context,
	guildID string,
	key string,
	enabled bool,
) (bool, error) {
	if _, err := s.Get(ctx, guildID); err != nil {
		return false, err
	}

	mu := s.guildLock(guildID)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.load(ctx, guildID)
	if err != nil {
		return false, err
	}
	if current.CommandEnabled(key) == enabled {
		return false, nil
	}

	states := make(CommandStateMap, len(current.CommandStates)+1)
	for k, v := range current.CommandStates {
		states[k] = v
	}
	states[key] = enabled

	_, err = s.db.Update(
		ctx,
		&GuildConfig{ModelStringID: ModelStringID{ID: guildID}},
		columnGuildConfigCommandStates,
		states,
	)
	if err != nil {
		return false, &PersistenceError{Op: "guild_config.set command_states", Err: err}
	}

	current.CommandStates = states
	s.setCached(current)
	return true, nil
}

// IsCommandEnabled reports the effective enablement of a command key for
// a guild, defaulting to enabled for unknown guilds and unrecorded keys.
func (s *GuildConfigStore) IsCommandEnabled(
	ctx context.Context,
	guildID string,
	key string,
) (bool, error) {
	cfg, err := s.Get(ctx, guildID)
	if err != nil {
		return false, err
	}
	return cfg.CommandEnabled(key), nil
}

// KnownGuildIDs returns the IDs of every guild with a config row.
func (s *GuildConfigStore) KnownGuildIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.DB().WithContext(ctx).Model(&GuildConfig{}).Pluck(
		"id",
		&ids,
	).Error
	if err != nil {
		return nil, &PersistenceError{Op: "guild_config.list", Err: err}
	}
	return ids, nil
}
