package arvo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// discordInteractionTokenLifespan defines the lifespan of a Discord
// interaction token. Discord interaction tokens currently expire after
// 15 minutes.
const discordInteractionTokenLifespan = 15 * time.Minute

// Discord manages the gateway session and provides the moderation,
// notification and command-registration surfaces over it.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	b                           *Arvo
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, errors.New("nil discord config")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	session.session.LogLevel = discordgo.LogDebug
	if err != nil {
		return session, err
	}

	return session, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("error setting custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	*discordgo.Session,
	*discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected to discord gateway")
	}
}

func (d *Discord) handlerDisconnect() func(
	*discordgo.Session,
	*discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.metricDisconnects.Add(1)
		d.connected.Store(false)
		d.logger.Warn("disconnected from discord gateway")
	}
}

// handlerGuildCreate fires for every guild on connect and on every new
// guild join. It ensures a config row exists and enqueues a reconcile so
// the guild's registered commands match its config.
func (d *Discord) handlerGuildCreate(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		logger := d.logger.With("guild_id", g.ID)
		if _, err := d.b.guildConfigs.Get(ctx, g.ID); err != nil {
			logger.Error("error ensuring guild config", tint.Err(err))
			return
		}
		logger.Info("guild available, enqueueing command sync", "name", g.Name)
		d.b.syncEngine.Enqueue(g.ID)
	}
}

// guildActor builds an Actor for a guild member, preferring gateway
// state and falling back to the REST API.
func (d *Discord) guildActor(
	ctx context.Context,
	guildID string,
	member *discordgo.Member,
	userID string,
) (Actor, *discordgo.Member, error) {
	if member == nil {
		m, err := d.session.GuildMember(
			guildID,
			userID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return Actor{}, nil, fmt.Errorf("error fetching member: %w", err)
		}
		member = m
	}
	guild, err := d.session.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return Actor{}, member, fmt.Errorf("error fetching guild: %w", err)
	}
	return actorFromMember(member, guild), member, nil
}

// restStatusCode extracts the HTTP status from a discordgo REST error.
func restStatusCode(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode
	}
	return 0
}

func isDiscordForbidden(err error) bool {
	return restStatusCode(err) == http.StatusForbidden
}

func isDiscordRateLimited(err error) bool {
	if restStatusCode(err) == http.StatusTooManyRequests {
		return true
	}
	var rateErr *discordgo.RateLimitError
	return errors.As(err, &rateErr)
}

func isDiscordTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classifySideEffectError maps Discord REST failures onto the pipeline's
// error taxonomy.
func classifySideEffectError(err error) error {
	if err == nil {
		return nil
	}
	if isDiscordForbidden(err) {
		return fmt.Errorf("%w: %w", ErrSideEffectForbidden, err)
	}
	return err
}

// discordModerationActions implements ModerationActions over the session.
type discordModerationActions struct {
	session DiscordSessionHandler
	logger  *slog.Logger
}

func newDiscordModerationActions(
	session DiscordSessionHandler,
	logger *slog.Logger,
) *discordModerationActions {
	if logger == nil {
		logger = slog.Default()
	}
	return &discordModerationActions{
		session: session,
		logger:  logger.With(loggerNameKey, "moderation_actions"),
	}
}

func (a *discordModerationActions) Timeout(
	ctx context.Context,
	guildID string,
	userID string,
	until time.Time,
	_ string,
) error {
	err := a.session.GuildMemberTimeout(
		guildID,
		userID,
		&until,
		discordgo.WithContext(ctx),
	)
	return classifySideEffectError(err)
}

func (a *discordModerationActions) Kick(
	ctx context.Context,
	guildID string,
	userID string,
	reason string,
) error {
	err := a.session.GuildMemberDeleteWithReason(
		guildID,
		userID,
		reason,
		discordgo.WithContext(ctx),
	)
	return classifySideEffectError(err)
}

func (a *discordModerationActions) Ban(
	ctx context.Context,
	guildID string,
	userID string,
	reason string,
	deleteDays int,
) error {
	err := a.session.GuildBanCreateWithReason(
		guildID,
		userID,
		reason,
		deleteDays,
		discordgo.WithContext(ctx),
	)
	return classifySideEffectError(err)
}

func (a *discordModerationActions) AddRole(
	ctx context.Context,
	guildID string,
	userID string,
	roleID string,
	_ string,
) error {
	err := a.session.GuildMemberRoleAdd(
		guildID,
		userID,
		roleID,
		discordgo.WithContext(ctx),
	)
	return classifySideEffectError(err)
}

func (a *discordModerationActions) RemoveRole(
	ctx context.Context,
	guildID string,
	userID string,
	roleID string,
	_ string,
) error {
	err := a.session.GuildMemberRoleRemove(
		guildID,
		userID,
		roleID,
		discordgo.WithContext(ctx),
	)
	return classifySideEffectError(err)
}

// discordNotifier implements NotificationSurface over the session.
type discordNotifier struct {
	session DiscordSessionHandler
	logger  *slog.Logger
}

func newDiscordNotifier(
	session DiscordSessionHandler,
	logger *slog.Logger,
) *discordNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &discordNotifier{
		session: session,
		logger:  logger.With(loggerNameKey, "notifier"),
	}
}

func (n *discordNotifier) SendEmbed(
	ctx context.Context,
	channelID string,
	embed *discordgo.MessageEmbed,
) error {
	_, err := n.session.ChannelMessageSendEmbed(
		channelID,
		embed,
		discordgo.WithContext(ctx),
	)
	return err
}

func (n *discordNotifier) SendDM(
	ctx context.Context,
	userID string,
	embed *discordgo.MessageEmbed,
) error {
	channel, err := n.session.UserChannelCreate(
		userID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	_, err = n.session.ChannelMessageSendEmbed(
		channel.ID,
		embed,
		discordgo.WithContext(ctx),
	)
	return err
}

// discordCommandRegistrar implements CommandRegistrar over guild-scoped
// application command endpoints. It remembers the last key set it saw or
// wrote per guild, so a Commit can translate a key diff into the bulk
// overwrite Discord actually accepts.
type discordCommandRegistrar struct {
	session  DiscordSessionHandler
	registry *CommandRegistry
	appID    string
	logger   *slog.Logger

	mu        sync.Mutex
	lastKnown map[string]map[string]bool
}

func newDiscordCommandRegistrar(
	session DiscordSessionHandler,
	registry *CommandRegistry,
	appID string,
	logger *slog.Logger,
) *discordCommandRegistrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &discordCommandRegistrar{
		session:   session,
		registry:  registry,
		appID:     appID,
		logger:    logger.With(loggerNameKey, "registrar"),
		lastKnown: map[string]map[string]bool{},
	}
}

// keysFromCommands flattens registered application commands into registry
// keys: one key per subcommand for grouped commands, the bare name
// otherwise.
func keysFromCommands(commands []*discordgo.ApplicationCommand) []string {
	var keys []string
	for _, cmd := range commands {
		grouped := false
		for _, opt := range cmd.Options {
			if opt.Type == discordgo.ApplicationCommandOptionSubCommand {
				grouped = true
				keys = append(keys, commandKey(cmd.Name, opt.Name))
			}
		}
		if !grouped {
			keys = append(keys, cmd.Name)
		}
	}
	return keys
}

func (r *discordCommandRegistrar) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isDiscordForbidden(err):
		return fmt.Errorf("%w: %w", ErrRemoteForbidden, err)
	case isDiscordRateLimited(err):
		return fmt.Errorf("%w: %w", ErrRemoteRateLimited, err)
	case isDiscordTimeout(err):
		return fmt.Errorf("%w: %w", ErrRemoteTimeout, err)
	default:
		return err
	}
}

func (r *discordCommandRegistrar) ListRegistered(
	ctx context.Context,
	guildID string,
) ([]string, error) {
	commands, err := r.session.ApplicationCommands(
		r.appID,
		guildID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, r.classify(err)
	}
	keys := keysFromCommands(commands)

	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k] = true
	}
	r.mu.Lock()
	r.lastKnown[guildID] = known
	r.mu.Unlock()

	return keys, nil
}

func (r *discordCommandRegistrar) Commit(
	ctx context.Context,
	guildID string,
	add []string,
	remove []string,
) error {
	r.mu.Lock()
	known := r.lastKnown[guildID]
	r.mu.Unlock()
	if known == nil {
		if _, err := r.ListRegistered(ctx, guildID); err != nil {
			return err
		}
		r.mu.Lock()
		known = r.lastKnown[guildID]
		r.mu.Unlock()
	}

	next := make(map[string]bool, len(known)+len(add))
	for k := range known {
		next[k] = true
	}
	for _, k := range remove {
		delete(next, k)
	}
	for _, k := range add {
		next[k] = true
	}

	definitions := r.registry.Definitions(
		func(key string) bool {
			return next[key]
		},
	)

	r.logger.InfoContext(
		ctx,
		"overwriting guild commands",
		"guild_id", guildID,
		"add", add,
		"remove", remove,
		"command_count", len(definitions),
	)
	_, err := r.session.ApplicationCommandBulkOverwrite(
		r.appID,
		guildID,
		definitions,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		r.mu.Lock()
		delete(r.lastKnown, guildID)
		r.mu.Unlock()
		return r.classify(err)
	}

	r.mu.Lock()
	r.lastKnown[guildID] = next
	r.mu.Unlock()
	return nil
}

// DiscordSessionHandler abstracts the discordgo session methods the bot
// uses, so tests can substitute a mock without a gateway connection.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetLogLevel sets the discordgo logger's level
	SetLogLevel(level slog.Level) error

	// HeartbeatLatency returns the round-trip time to the gateway
	HeartbeatLatency() time.Duration

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	UserChannelCreate(
		recipientID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	ApplicationCommands(
		appID string,
		guildID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	Guild(
		guildID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Guild, error)

	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GuildMemberTimeout(
		guildID string,
		userID string,
		until *time.Time,
		options ...discordgo.RequestOption,
	) error

	GuildMemberDeleteWithReason(
		guildID string,
		userID string,
		reason string,
		options ...discordgo.RequestOption,
	) error

	GuildBanCreateWithReason(
		guildID string,
		userID string,
		reason string,
		days int,
		options ...discordgo.RequestOption,
	) error

	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	GuildMemberRoleRemove(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error
}

// DiscordSession implements DiscordSessionHandler over a real discordgo
// session, logging failures as they pass through.
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

// SetLogLevel sets the discordgo session's log level
func (d DiscordSession) SetLogLevel(level slog.Level) error {
	switch level {
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("unknown log level: %s", level)
	}
	return nil
}

func (d DiscordSession) HeartbeatLatency() time.Duration {
	return d.session.HeartbeatLatency()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
	if err != nil {
		d.logger.Error(
			"error sending embed",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	channel, err := d.session.UserChannelCreate(recipientID, opts...)
	if err != nil {
		d.logger.Error(
			"error creating user channel",
			tint.Err(err),
			"recipient_id", recipientID,
		)
	}
	return channel, err
}

func (d DiscordSession) ApplicationCommands(
	appID string,
	guildID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommands(appID, guildID, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error(
			"error overwriting application commands",
			tint.Err(err),
			"guild_id", guildID,
		)
	}
	return created, err
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	err := d.session.InteractionRespond(interaction, resp, options...)
	if err != nil {
		d.logger.Error(
			"error responding to interaction",
			tint.Err(err),
			"interaction_id", interaction.ID,
		)
	}
	return err
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.InteractionResponseEdit(interaction, newresp, options...)
	if err != nil {
		d.logger.Error(
			"error editing interaction response",
			tint.Err(err),
			"interaction_id", interaction.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	if d.session.State != nil {
		if guild, err := d.session.State.Guild(guildID); err == nil {
			return guild, nil
		}
	}
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberTimeout(guildID, userID, until, options...)
}

func (d DiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberDeleteWithReason(
		guildID,
		userID,
		reason,
		options...,
	)
}

func (d DiscordSession) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	days int,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildBanCreateWithReason(
		guildID,
		userID,
		reason,
		days,
		options...,
	)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleRemove(guildID, userID, roleID, options...)
}
