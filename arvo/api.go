package arvo

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"

	apiPathLogin       = "/login"
	apiPathLogout      = "/logout"
	apiHealthCheck     = "/healthz"
	apiAdminSetup      = "/setup"
	apiPathSetupStatus = "/setup/status"
	apiPathLoggedIn    = "/logged_in"

	apiPathSettings         = "/settings"
	apiPathGuilds           = "/guilds"
	apiPathGuildConfig      = "/guild/:id/config"
	apiPathGuildSync        = "/guild/:id/sync"
	apiPathGuildInfractions = "/guild/:id/user/:user_id/infractions"
	apiPathGuildActions     = "/guild/:id/actions"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

const (
	columnBotSettingsAdminUsername = "admin_username"
	columnBotSettingsAdminPassword = "admin_password"
)

// API is the dashboard HTTP server. It serves guild configuration,
// infraction history and moderation action records to an authenticated
// admin, and exposes the first-run setup endpoints.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(b *Arvo, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(b)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.POST(apiAdminSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	r.NoRoute(
		func(c *gin.Context) {
			if strings.HasPrefix(c.Request.URL.Path, apiPrefix+"/") {
				c.AbortWithStatus(http.StatusNotFound)
				return
			}
			c.JSON(http.StatusNotFound, httpError{Error: "not found"})
		},
	)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(b))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathSettings, apiHandlers.getSettings)
	protected.PATCH(apiPathSettings, apiHandlers.updateSettings)
	protected.GET(apiPathGuilds, apiHandlers.getGuilds)
	protected.GET(apiPathGuildConfig, apiHandlers.getGuildConfig)
	protected.PATCH(apiPathGuildConfig, apiHandlers.updateGuildConfig)
	protected.POST(apiPathGuildSync, apiHandlers.syncGuildCommands)
	protected.GET(apiPathGuildInfractions, apiHandlers.getGuildInfractions)
	protected.GET(apiPathGuildActions, apiHandlers.getGuildActions)

	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)
	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)

	if e != nil {
		panic(e)
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers bundles the request handlers with the session store.
type APIHandlers struct {
	b      *Arvo
	logger *slog.Logger
	store  CookieStore
}

func NewAPIHandlers(b *Arvo) *APIHandlers {
	logger := b.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := b.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if b.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(b.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{b: b, logger: logger, store: store}
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.b.pendingSetup.Load()})
}

// adminSetup handles the first-run admin credential creation. Only
// available while no credentials exist.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	if !h.b.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var adminSetup adminSetupPayload

	if e := c.ShouldBindJSON(&adminSetup); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Error()})
		return
	}

	password, err := hashPassword(adminSetup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error setting admin credentials"},
		)
		return
	}

	var settings BotSettings
	if err = h.b.db.Last(&settings).Error; err != nil {
		logger.Error("error getting bot settings", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}

	if _, err = h.b.writeDB.Updates(
		c.Request.Context(), &settings, map[string]any{
			columnBotSettingsAdminUsername: adminSetup.Username,
			columnBotSettingsAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}
	h.b.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.b.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.b.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var settings BotSettings
	if err := h.b.db.Last(&settings).Error; err != nil {
		logger.Error("error getting bot settings", tint.Err(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if settings.AdminUsername == "" || settings.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != settings.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := verifyPassword(settings.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.b.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.b.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.b.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			PendingSetup:            h.b.pendingSetup.Load(),
			DiscordGatewayConnected: h.b.discord.connected.Load(),
		},
	)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.b.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) getSettings(c *gin.Context) {
	var settings BotSettings
	if err := h.b.db.WithContext(c.Request.Context()).Last(&settings).Error; err != nil {
		ginContextLogger(c).Error("error getting bot settings", tint.Err(err))
		ginReplyError(c, "error getting bot settings")
		return
	}
	c.JSON(http.StatusOK, settings)
}

// updateSettings applies a partial bot settings update. Only the log
// level fields are writable here; credentials go through /setup and
// the init command. Level changes take effect without a restart.
func (h *APIHandlers) updateSettings(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx := c.Request.Context()

	var payload botSettingsUpdate
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var settings BotSettings
	if err := h.b.db.WithContext(ctx).Last(&settings).Error; err != nil {
		logger.Error("error getting bot settings", tint.Err(err))
		ginReplyError(c, "error getting bot settings")
		return
	}

	if payload.LogLevel != nil {
		settings.LogLevel = *payload.LogLevel
	}
	if payload.DiscordLogLevel != nil {
		settings.DiscordLogLevel = *payload.DiscordLogLevel
	}
	if payload.DatabaseLogLevel != nil {
		settings.DatabaseLogLevel = *payload.DatabaseLogLevel
	}
	if payload.APILogLevel != nil {
		settings.APILogLevel = *payload.APILogLevel
	}

	if _, err := h.b.writeDB.Save(
		ctx,
		&settings,
		columnBotSettingsAdminUsername,
		columnBotSettingsAdminPassword,
	); err != nil {
		logger.Error("error updating bot settings", tint.Err(err))
		ginReplyError(c, "error updating bot settings")
		return
	}

	h.b.applyLogLevels(&settings)
	c.JSON(http.StatusOK, settings)
}

// getGuilds lists the guild IDs with a stored configuration.
func (h *APIHandlers) getGuilds(c *gin.Context) {
	guildIDs, err := h.b.guildConfigs.KnownGuildIDs(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error listing guilds", tint.Err(err))
		ginReplyError(c, "error listing guilds")
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild_ids": guildIDs})
}

func (h *APIHandlers) getGuildConfig(c *gin.Context) {
	guildID := c.Param("id")
	cfg, err := h.b.guildConfigs.Get(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error("error getting guild config", tint.Err(err))
		ginReplyError(c, "error getting guild config")
		return
	}
	c.JSON(
		http.StatusOK, guildConfigResponse{
			GuildConfig:     *cfg,
			ManagedCommands: h.b.registry.AllKeys(true),
		},
	)
}

// updateGuildConfig applies a partial guild config update. Only the
// fields present in the payload change. Command state changes trigger a
// command sync, and every change is broadcast to other replicas.
func (h *APIHandlers) updateGuildConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx := c.Request.Context()
	guildID := c.Param("id")

	var payload guildConfigUpdate
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.b.guildConfigs.Get(ctx, guildID); err != nil {
		logger.Error("error getting guild config", tint.Err(err))
		ginReplyError(c, "error getting guild config")
		return
	}

	store := h.b.guildConfigs
	syncNeeded := false

	apply := func(err error) bool {
		if err == nil {
			return true
		}
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
		} else {
			logger.Error("error updating guild config", tint.Err(err))
			ginReplyError(c, "error updating guild config")
		}
		return false
	}

	if payload.LogChannelID != nil {
		if !apply(store.SetLogChannel(ctx, guildID, *payload.LogChannelID)) {
			return
		}
	}
	if payload.PromotionLogChannelID != nil {
		if !apply(
			store.SetPromotionLogChannel(ctx, guildID, *payload.PromotionLogChannelID),
		) {
			return
		}
	}
	if payload.StaffInfractionLogChannelID != nil {
		if !apply(
			store.SetStaffInfractionLogChannel(
				ctx,
				guildID,
				*payload.StaffInfractionLogChannelID,
			),
		) {
			return
		}
	}
	if payload.StaffRoleIDs != nil {
		if !apply(store.SetStaffRoles(ctx, guildID, *payload.StaffRoleIDs)) {
			return
		}
	}
	if payload.HighRankRoleID != nil {
		if !apply(store.SetHighRankRole(ctx, guildID, *payload.HighRankRoleID)) {
			return
		}
	}
	if payload.MuteDuration != nil {
		if !apply(store.SetMuteDuration(ctx, guildID, Duration{*payload.MuteDuration})) {
			return
		}
	}
	if payload.Secret != nil {
		if !apply(store.SetSecret(ctx, guildID, *payload.Secret)) {
			return
		}
	}

	for key, enabled := range payload.CommandStates {
		desc, err := h.b.registry.Describe(key)
		if err != nil || !desc.Manageable {
			c.JSON(
				http.StatusBadRequest,
				gin.H{"error": fmt.Sprintf("unknown or unmanageable command: %s", key)},
			)
			return
		}
		changed, err := store.SetCommandEnabled(ctx, guildID, key, enabled)
		if !apply(err) {
			return
		}
		if changed {
			syncNeeded = true
		}
	}

	if syncNeeded && h.b.syncEngine != nil {
		h.b.syncEngine.Enqueue(guildID)
	}
	if h.b.dbNotifier != nil {
		h.b.dbNotifier.GuildConfigUpdated(ctx, guildID)
	}

	cfg, err := store.Get(ctx, guildID)
	if err != nil {
		logger.Error("error reloading guild config", tint.Err(err))
		ginReplyError(c, "error reloading guild config")
		return
	}
	c.JSON(
		http.StatusOK, guildConfigResponse{
			GuildConfig:     *cfg,
			ManagedCommands: h.b.registry.AllKeys(true),
		},
	)
}

// syncGuildCommands enqueues an asynchronous command reconcile pass.
func (h *APIHandlers) syncGuildCommands(c *gin.Context) {
	guildID := c.Param("id")
	if h.b.syncEngine == nil {
		ginReplyError(c, "sync engine not running")
		return
	}
	h.b.syncEngine.Enqueue(guildID)
	c.JSON(http.StatusAccepted, httpReply{Message: "sync enqueued"})
}

func (h *APIHandlers) getGuildInfractions(c *gin.Context) {
	ctx := c.Request.Context()
	guildID := c.Param("id")
	userID := c.Param("user_id")

	var (
		infractions []Infraction
		points      int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			var err error
			infractions, err = h.b.ledger.List(gctx, guildID, userID)
			return err
		},
	)
	g.Go(
		func() error {
			var err error
			points, err = h.b.ledger.TotalPoints(gctx, guildID, userID)
			return err
		},
	)
	if err := g.Wait(); err != nil {
		ginContextLogger(c).Error("error listing infractions", tint.Err(err))
		ginReplyError(c, "error listing infractions")
		return
	}
	c.JSON(
		http.StatusOK, infractionHistoryResponse{
			GuildID:     guildID,
			UserID:      userID,
			TotalPoints: points,
			Infractions: infractions,
		},
	)
}

// getGuildActions returns the most recent moderation action records for
// a guild, newest first.
func (h *APIHandlers) getGuildActions(c *gin.Context) {
	guildID := c.Param("id")

	limit := 100
	var actions []ModerationAction
	err := h.b.db.WithContext(c.Request.Context()).Where(
		"guild_id = ?", guildID,
	).Order("created_at desc, id desc").Limit(limit).Find(&actions).Error
	if err != nil {
		ginContextLogger(c).Error("error listing actions", tint.Err(err))
		ginReplyError(c, "error listing actions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	PendingSetup            bool `json:"pending_setup"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response struct for the 'setup status' endpoint.
// If admin credentials haven't been set yet, Required will be true,
// indicating setup is needed.
type setupResponse struct {
	Required bool `json:"required"`
}

type guildConfigResponse struct {
	GuildConfig
	ManagedCommands []string `json:"managed_commands"`
}

// guildConfigUpdate is the PATCH payload for a guild config. Nil fields
// are left unchanged.
type guildConfigUpdate struct {
	LogChannelID                *string         `json:"log_channel_id"`
	PromotionLogChannelID       *string         `json:"promotion_log_channel_id"`
	StaffInfractionLogChannelID *string         `json:"staff_infraction_log_channel_id"`
	StaffRoleIDs                *[]string       `json:"staff_role_ids"`
	HighRankRoleID              *string         `json:"high_rank_role_id"`
	MuteDuration                *time.Duration  `json:"mute_duration"`
	Secret                      *string         `json:"secret"`
	CommandStates               map[string]bool `json:"command_states"`
}

// botSettingsUpdate is the PATCH payload for bot settings. Nil fields
// are left unchanged; level strings are validated during unmarshal.
type botSettingsUpdate struct {
	LogLevel         *DBLogLevel `json:"log_level"`
	DiscordLogLevel  *DBLogLevel `json:"discord_log_level"`
	DatabaseLogLevel *DBLogLevel `json:"database_log_level"`
	APILogLevel      *DBLogLevel `json:"api_log_level"`
}

type infractionHistoryResponse struct {
	GuildID     string       `json:"guild_id"`
	UserID      string       `json:"user_id"`
	TotalPoints int          `json:"total_points"`
	Infractions []Infraction `json:"infractions"`
}

// authMiddleware rejects requests without an authenticated session, and
// everything while initial setup is pending.
func authMiddleware(b *Arvo) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := b.api.store
		logger := b.logger
		if logger == nil {
			logger = slog.Default()
		}
		if b.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, set in the gin context and echoed in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details
// included, and sets it in the context for subsequent calls.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Arvo"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()

	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	return cert, nil
}

func init() {
	structValidator.SetTagName("binding")
}
