package arvo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	columnModerationActionState        = "state"
	columnModerationActionError        = "error"
	columnModerationActionInfractionID = "infraction_id"

	confirmationCustomIDLength = 16

	customIDPrefixConfirm = "confirm"
	customIDPrefixCancel  = "cancel"
)

// ModerationActionState tracks a moderation invocation through the
// confirm-then-commit workflow.
type ModerationActionState string

const (
	ModerationActionStateRequested            ModerationActionState = "requested"
	ModerationActionStateAwaitingConfirmation ModerationActionState = "awaiting_confirmation"
	ModerationActionStateConfirmed            ModerationActionState = "confirmed"
	ModerationActionStateExecuting            ModerationActionState = "executing"
	ModerationActionStateRecorded             ModerationActionState = "recorded"
	ModerationActionStateNotified             ModerationActionState = "notified"
	ModerationActionStateCancelled            ModerationActionState = "cancelled"
	ModerationActionStateTimedOut             ModerationActionState = "timed_out"
	ModerationActionStateFailed               ModerationActionState = "failed"
)

// IsFinal reports whether the state is terminal.
func (s ModerationActionState) IsFinal() bool {
	switch s {
	case ModerationActionStateNotified,
		ModerationActionStateCancelled,
		ModerationActionStateTimedOut,
		ModerationActionStateFailed:
		return true
	}
	return false
}

// IsProcessing reports whether a side effect may still occur.
func (s ModerationActionState) IsProcessing() bool {
	switch s {
	case ModerationActionStateConfirmed, ModerationActionStateExecuting,
		ModerationActionStateRecorded:
		return true
	}
	return false
}

// ModerationAction is the persisted record of one moderation invocation,
// updated at every state transition so the audit trail survives restarts.
type ModerationAction struct {
	ModelUintID
	ModelUnixTime

	GuildID      string                `json:"guild_id" gorm:"column:guild_id;index"`
	CommandKey   string                `json:"command_key" gorm:"column:command_key"`
	ActorID      string                `json:"actor_id" gorm:"column:actor_id"`
	TargetID     string                `json:"target_id" gorm:"column:target_id;index"`
	Reason       string                `json:"reason" gorm:"column:reason"`
	RoleID       string                `json:"role_id,omitempty" gorm:"column:role_id"`
	Duration     Duration              `json:"duration,omitempty" gorm:"column:duration"`
	State        ModerationActionState `json:"state" gorm:"column:state"`
	CustomID     string                `json:"custom_id" gorm:"column:custom_id"`
	InfractionID uint                  `json:"infraction_id,omitempty" gorm:"column:infraction_id"`
	Error        string                `json:"error,omitempty" gorm:"column:error"`
}

func (ModerationAction) TableName() string {
	return "moderation_actions"
}

func (m ModerationAction) LogValue() slog.Value {
	return structToSlogValue(m)
}

// ConfirmationResult is the resolution of a ConfirmationSession.
type ConfirmationResult string

const (
	ConfirmationPending   ConfirmationResult = "pending"
	ConfirmationConfirmed ConfirmationResult = "confirmed"
	ConfirmationCancelled ConfirmationResult = "cancelled"
	ConfirmationTimedOut  ConfirmationResult = "timed_out"
)

// ConfirmationSession is the ephemeral wait-for-confirmation handle for
// one pending action. Resolution is single-assignment: the first
// confirm, cancel or timeout wins and every later attempt is a no-op.
// Only the invoking actor may resolve it.
type ConfirmationSession struct {
	CustomID  string
	ActorID   string
	StartedAt time.Time

	mu     sync.Mutex
	result ConfirmationResult
	done   chan struct{}
	timer  *time.Timer
}

// NewConfirmationSession creates a session scoped to actorID that
// resolves to TimedOut after the given timeout.
func NewConfirmationSession(
	actorID string,
	timeout time.Duration,
) (*ConfirmationSession, error) {
	customID, err := generateRandomHexString(confirmationCustomIDLength)
	if err != nil {
		return nil, err
	}
	s := &ConfirmationSession{
		CustomID:  customID,
		ActorID:   actorID,
		StartedAt: time.Now(),
		result:    ConfirmationPending,
		done:      make(chan struct{}),
	}
	s.timer = time.AfterFunc(
		timeout, func() {
			_ = s.resolve(ConfirmationTimedOut)
		},
	)
	return s, nil
}

func (s *ConfirmationSession) resolve(result ConfirmationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != ConfirmationPending {
		return ErrConfirmationResolved
	}
	s.result = result
	s.timer.Stop()
	close(s.done)
	return nil
}

// Confirm resolves the session as confirmed. Non-actor callers are
// rejected without touching the session.
func (s *ConfirmationSession) Confirm(actorID string) error {
	if actorID != s.ActorID {
		return fmt.Errorf("confirmation is not yours to give")
	}
	return s.resolve(ConfirmationConfirmed)
}

// Cancel resolves the session as cancelled. Non-actor callers are
// rejected without touching the session.
func (s *ConfirmationSession) Cancel(actorID string) error {
	if actorID != s.ActorID {
		return fmt.Errorf("confirmation is not yours to cancel")
	}
	return s.resolve(ConfirmationCancelled)
}

// Result returns the current resolution.
func (s *ConfirmationSession) Result() ConfirmationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Wait blocks until the session resolves or ctx is done. Context
// cancellation reads as a timeout: the action will not execute.
func (s *ConfirmationSession) Wait(ctx context.Context) ConfirmationResult {
	select {
	case <-s.done:
		return s.Result()
	case <-ctx.Done():
		_ = s.resolve(ConfirmationTimedOut)
		return s.Result()
	}
}

// ModerationActions is the side-effect surface for confirmed actions.
// Implementations report missing bot capability as ErrSideEffectForbidden.
type ModerationActions interface {
	Timeout(ctx context.Context, guildID, userID string, until time.Time, reason string) error
	Kick(ctx context.Context, guildID, userID, reason string) error
	Ban(ctx context.Context, guildID, userID, reason string, deleteDays int) error
	AddRole(ctx context.Context, guildID, userID, roleID string, reason string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string, reason string) error
}

// NotificationSurface delivers audit embeds and target notices.
// Delivery failures are logged and swallowed; nothing depends on them.
type NotificationSurface interface {
	SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error
	SendDM(ctx context.Context, userID string, embed *discordgo.MessageEmbed) error
}

// ModerationRequest carries one validated moderation invocation into the
// pipeline.
type ModerationRequest struct {
	GuildID    string
	CommandKey string
	Actor      Actor
	Target     Actor
	TargetUser *discordgo.User
	Reason     string
	RoleID     string
	Duration   time.Duration
}

// ModerationOutcome is the result of admitting a request: either a
// pending action with its confirmation session, or the denial or
// hierarchy violation that stopped it.
type ModerationOutcome struct {
	Action    *ModerationAction
	Session   *ConfirmationSession
	Denial    *Denial
	Violation *HierarchyViolation
}

// ModerationActionPipeline runs the Requested to Notified state machine:
// permission and hierarchy gates, actor-scoped confirmation, the side
// effect, the ledger append, and best-effort notification.
type ModerationActionPipeline struct {
	db        DBI
	store     *GuildConfigStore
	registry  *CommandRegistry
	evaluator *PermissionEvaluator
	guard     HierarchyGuard
	actions   ModerationActions
	ledger    *InfractionLedger
	notifier  NotificationSurface
	logger    *slog.Logger

	confirmationTimeout time.Duration
	muteDuration        time.Duration

	sessionMu sync.Mutex
	sessions  map[string]*ConfirmationSession
}

func NewModerationActionPipeline(
	db DBI,
	store *GuildConfigStore,
	registry *CommandRegistry,
	actions ModerationActions,
	ledger *InfractionLedger,
	notifier NotificationSurface,
	cfg *ModerationConfig,
	logger *slog.Logger,
) *ModerationActionPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	confirmationTimeout := DefaultConfirmationTimeout
	muteDuration := DefaultMuteDuration
	if cfg != nil {
		if cfg.ConfirmationTimeout > 0 {
			confirmationTimeout = cfg.ConfirmationTimeout
		}
		if cfg.MuteDuration > 0 {
			muteDuration = cfg.MuteDuration
		}
	}
	return &ModerationActionPipeline{
		db:                  db,
		store:               store,
		registry:            registry,
		evaluator:           NewPermissionEvaluator(registry),
		actions:             actions,
		ledger:              ledger,
		notifier:            notifier,
		logger:              logger.With(loggerNameKey, "moderation"),
		confirmationTimeout: confirmationTimeout,
		muteDuration:        muteDuration,
		sessions:            map[string]*ConfirmationSession{},
	}
}

// infractionTypeFor maps command keys to the infraction they record.
// Promotion and demotion record no infraction, only an audit entry.
func infractionTypeFor(key string) (InfractionType, bool) {
	switch key {
	case "infract_warn":
		return InfractionWarn, true
	case "infract_mute":
		return InfractionMute, true
	case "infract_kick":
		return InfractionKick, true
	case "infract_ban":
		return InfractionBan, true
	case "staffmanage_warn":
		return InfractionStaffWarning, true
	case "staffmanage_strike":
		return InfractionStaffStrike, true
	case "staffmanage_terminate":
		return InfractionStaffTermination, true
	}
	return "", false
}

// Request admits a moderation invocation. Permission and hierarchy must
// both pass before any session is created or state persisted; a denial
// or violation outcome means nothing happened.
func (p *ModerationActionPipeline) Request(
	ctx context.Context,
	req ModerationRequest,
) (*ModerationOutcome, error) {
	if req.GuildID == "" {
		return nil, &ValidationError{Field: "guild_id", Detail: "must not be empty"}
	}
	if req.Target.UserID == "" {
		return nil, &ValidationError{Field: "user", Detail: "target is required"}
	}

	cfg, err := p.store.Get(ctx, req.GuildID)
	if err != nil {
		return nil, err
	}

	decision := p.evaluator.Evaluate(cfg, req.Actor, req.CommandKey)
	if !decision.Allowed {
		return &ModerationOutcome{Denial: decision.Denial}, nil
	}

	if violation := p.guard.Check(req.Actor, req.Target); violation != nil {
		return &ModerationOutcome{Violation: violation}, nil
	}

	session, err := NewConfirmationSession(
		req.Actor.UserID,
		p.confirmationTimeout,
	)
	if err != nil {
		return nil, err
	}

	action := &ModerationAction{
		GuildID:    req.GuildID,
		CommandKey: req.CommandKey,
		ActorID:    req.Actor.UserID,
		TargetID:   req.Target.UserID,
		Reason:     req.Reason,
		RoleID:     req.RoleID,
		Duration:   Duration{req.Duration},
		State:      ModerationActionStateAwaitingConfirmation,
		CustomID:   session.CustomID,
	}
	if _, err = p.db.Create(ctx, action); err != nil {
		session.timer.Stop()
		return nil, &PersistenceError{Op: "moderation_action.create", Err: err}
	}

	p.sessionMu.Lock()
	p.sessions[session.CustomID] = session
	p.sessionMu.Unlock()

	return &ModerationOutcome{Action: action, Session: session}, nil
}

// ResolveComponent routes a confirm or cancel component click to its
// session. Unknown custom IDs and non-actor clicks are rejected without
// affecting any pending session.
func (p *ModerationActionPipeline) ResolveComponent(
	customID string,
	actorID string,
	confirm bool,
) error {
	p.sessionMu.Lock()
	session, ok := p.sessions[customID]
	p.sessionMu.Unlock()
	if !ok {
		return fmt.Errorf("no pending confirmation for this message")
	}
	if confirm {
		return session.Confirm(actorID)
	}
	return session.Cancel(actorID)
}

func (p *ModerationActionPipeline) dropSession(customID string) {
	p.sessionMu.Lock()
	delete(p.sessions, customID)
	p.sessionMu.Unlock()
}

func (p *ModerationActionPipeline) setState(
	ctx context.Context,
	action *ModerationAction,
	state ModerationActionState,
) {
	action.State = state
	if _, err := p.db.ModerationActionUpdates(
		ctx,
		action,
		map[string]any{columnModerationActionState: state},
	); err != nil {
		p.logger.ErrorContext(
			ctx,
			"error persisting action state",
			tint.Err(err),
			"state", state,
			"action", action,
		)
	}
}

// Run waits for the confirmation outcome and drives the action to a
// terminal state. It blocks up to the confirmation timeout and returns
// the final state plus an error for failed executions.
func (p *ModerationActionPipeline) Run(
	ctx context.Context,
	req ModerationRequest,
	outcome *ModerationOutcome,
) (ModerationActionState, error) {
	action := outcome.Action
	session := outcome.Session
	defer p.dropSession(session.CustomID)

	logger := p.logger.With(
		"guild_id", req.GuildID,
		"command_key", req.CommandKey,
		"actor_id", req.Actor.UserID,
		"target_id", req.Target.UserID,
	)

	switch session.Wait(ctx) {
	case ConfirmationCancelled:
		p.setState(ctx, action, ModerationActionStateCancelled)
		return ModerationActionStateCancelled, nil
	case ConfirmationTimedOut:
		p.setState(ctx, action, ModerationActionStateTimedOut)
		return ModerationActionStateTimedOut, nil
	case ConfirmationConfirmed:
		// proceed
	default:
		p.setState(ctx, action, ModerationActionStateTimedOut)
		return ModerationActionStateTimedOut, nil
	}

	p.setState(ctx, action, ModerationActionStateConfirmed)
	p.setState(ctx, action, ModerationActionStateExecuting)

	if err := p.execute(ctx, req); err != nil {
		action.Error = err.Error()
		action.State = ModerationActionStateFailed
		if _, updateErr := p.db.ModerationActionUpdates(
			ctx, action, map[string]any{
				columnModerationActionState: ModerationActionStateFailed,
				columnModerationActionError: action.Error,
			},
		); updateErr != nil {
			logger.ErrorContext(
				ctx,
				"error persisting failed state",
				tint.Err(updateErr),
			)
		}
		logger.ErrorContext(ctx, "side effect failed", tint.Err(err))
		return ModerationActionStateFailed, err
	}

	// Ledger append is the durability point: exactly once per successful
	// execution. Promotion and demotion record no infraction.
	if infractionType, ok := infractionTypeFor(req.CommandKey); ok {
		infraction := &Infraction{
			GuildID:     req.GuildID,
			UserID:      req.Target.UserID,
			Type:        infractionType,
			Reason:      req.Reason,
			ModeratorID: req.Actor.UserID,
			Duration:    Duration{req.Duration},
		}
		// the infraction row and the recorded state land in one
		// transaction, so a failed append never leaves the action
		// half-recorded
		txErr := p.db.Transaction(
			ctx, func(tx *gorm.DB) error {
				if _, appendErr := p.ledger.appendIn(tx, infraction); appendErr != nil {
					return appendErr
				}
				return tx.Model(action).Updates(
					map[string]any{
						columnModerationActionState:        ModerationActionStateRecorded,
						columnModerationActionInfractionID: infraction.ID,
					},
				).Error
			},
		)
		if txErr != nil {
			logger.ErrorContext(ctx, "ledger append failed", tint.Err(txErr))
			action.Error = txErr.Error()
			p.setState(ctx, action, ModerationActionStateFailed)
			return ModerationActionStateFailed, txErr
		}
		action.InfractionID = infraction.ID
		action.State = ModerationActionStateRecorded
	} else {
		p.setState(ctx, action, ModerationActionStateRecorded)
	}

	p.notify(ctx, req)
	p.setState(ctx, action, ModerationActionStateNotified)
	return ModerationActionStateNotified, nil
}

// ExpireInterrupted finalizes actions a previous process left
// mid-flight. Confirmation sessions live in memory, so these can never
// resolve on their own. Awaiting actions become timed out; confirmed
// and executing actions are failed, since whether the side effect
// landed is unknown. Recorded actions are left alone: the durability
// point was reached.
func (p *ModerationActionPipeline) ExpireInterrupted(
	ctx context.Context,
) (int64, error) {
	timedOut, err := p.db.UpdatesWhere(
		ctx,
		&ModerationAction{},
		map[string]any{columnModerationActionState: ModerationActionStateTimedOut},
		"state IN ?",
		[]ModerationActionState{
			ModerationActionStateRequested,
			ModerationActionStateAwaitingConfirmation,
		},
	)
	if err != nil {
		return 0, &PersistenceError{Op: "moderation_action.expire", Err: err}
	}
	failed, err := p.db.UpdatesWhere(
		ctx,
		&ModerationAction{},
		map[string]any{
			columnModerationActionState: ModerationActionStateFailed,
			columnModerationActionError: "interrupted before completion",
		},
		"state IN ?",
		[]ModerationActionState{
			ModerationActionStateConfirmed,
			ModerationActionStateExecuting,
		},
	)
	if err != nil {
		return 0, &PersistenceError{Op: "moderation_action.expire", Err: err}
	}
	return timedOut + failed, nil
}

// execute performs the side effect for a confirmed action. Warnings and
// strikes have no side effect beyond the ledger entry.
func (p *ModerationActionPipeline) execute(
	ctx context.Context,
	req ModerationRequest,
) error {
	switch req.CommandKey {
	case "infract_warn", "staffmanage_warn", "staffmanage_strike":
		return nil
	case "infract_mute":
		duration := req.Duration
		if duration <= 0 {
			duration = p.muteDuration
			if cfg, err := p.store.Get(ctx, req.GuildID); err == nil &&
				cfg.MuteDuration.Duration > 0 {
				duration = cfg.MuteDuration.Duration
			}
		}
		return p.actions.Timeout(
			ctx,
			req.GuildID,
			req.Target.UserID,
			time.Now().Add(duration),
			req.Reason,
		)
	case "infract_kick":
		return p.actions.Kick(ctx, req.GuildID, req.Target.UserID, req.Reason)
	case "infract_ban":
		return p.actions.Ban(ctx, req.GuildID, req.Target.UserID, req.Reason, 0)
	case "staffmanage_promote":
		return p.actions.AddRole(
			ctx,
			req.GuildID,
			req.Target.UserID,
			req.RoleID,
			req.Reason,
		)
	case "staffmanage_demote":
		return p.actions.RemoveRole(
			ctx,
			req.GuildID,
			req.Target.UserID,
			req.RoleID,
			req.Reason,
		)
	case "staffmanage_terminate":
		return p.terminate(ctx, req)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, req.CommandKey)
	}
}

// terminate strips every configured staff role the target holds.
func (p *ModerationActionPipeline) terminate(
	ctx context.Context,
	req ModerationRequest,
) error {
	cfg, err := p.store.Get(ctx, req.GuildID)
	if err != nil {
		return err
	}
	staffRoles := append(StringSlice{}, cfg.StaffRoleIDs...)
	if cfg.HighRankRoleID != "" {
		staffRoles = append(staffRoles, cfg.HighRankRoleID)
	}
	var errs []error
	for _, roleID := range staffRoles {
		if !req.Target.hasRole(roleID) {
			continue
		}
		if err := p.actions.RemoveRole(
			ctx,
			req.GuildID,
			req.Target.UserID,
			roleID,
			req.Reason,
		); err != nil {
			errs = append(errs, err)
			if errors.Is(err, ErrSideEffectForbidden) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// auditChannelFor picks the audit channel for a command's action class.
func auditChannelFor(cfg *GuildConfig, key string) string {
	switch key {
	case "staffmanage_promote", "staffmanage_demote":
		return cfg.PromotionLogChannelID
	case "staffmanage_warn", "staffmanage_strike", "staffmanage_terminate":
		return cfg.StaffInfractionLogChannelID
	default:
		return cfg.LogChannelID
	}
}

// notify delivers the audit embed and a direct notice to the target.
// Best-effort on both: failures are logged, never propagated.
func (p *ModerationActionPipeline) notify(
	ctx context.Context,
	req ModerationRequest,
) {
	logger := p.logger.With(
		"guild_id", req.GuildID,
		"command_key", req.CommandKey,
	)

	cfg, err := p.store.Get(ctx, req.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading config for notify", tint.Err(err))
		return
	}

	embed := moderationAuditEmbed(req)
	if channelID := auditChannelFor(cfg, req.CommandKey); channelID != "" {
		if err = p.notifier.SendEmbed(ctx, channelID, embed); err != nil {
			logger.WarnContext(
				ctx,
				"audit embed delivery failed",
				tint.Err(err),
				"channel_id", channelID,
			)
		}
	}

	// Kicked/banned users can't receive guild messages afterward, but a
	// DM attempt is still worthwhile for every action class.
	if err = p.notifier.SendDM(ctx, req.Target.UserID, embed); err != nil {
		logger.DebugContext(ctx, "target DM failed", tint.Err(err))
	}
}

func moderationAuditEmbed(req ModerationRequest) *discordgo.MessageEmbed {
	targetName := req.Target.UserID
	if req.TargetUser != nil && req.TargetUser.Username != "" {
		targetName = req.TargetUser.Username
	}
	fields := []*discordgo.MessageEmbedField{
		{
			Name:   "Member",
			Value:  fmt.Sprintf("%s (<@%s>)", targetName, req.Target.UserID),
			Inline: true,
		},
		{
			Name:   "Moderator",
			Value:  fmt.Sprintf("<@%s>", req.Actor.UserID),
			Inline: true,
		},
	}
	if req.Reason != "" {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  "Reason",
				Value: truncate(req.Reason, 1024),
			},
		)
	}
	if req.RoleID != "" {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:   "Role",
				Value:  fmt.Sprintf("<@&%s>", req.RoleID),
				Inline: true,
			},
		)
	}
	if req.Duration > 0 {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:   "Duration",
				Value:  req.Duration.String(),
				Inline: true,
			},
		)
	}
	return &discordgo.MessageEmbed{
		Title:     moderationEmbedTitle(req.CommandKey),
		Fields:    fields,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

func moderationEmbedTitle(key string) string {
	switch key {
	case "infract_warn":
		return "Member warned"
	case "infract_mute":
		return "Member muted"
	case "infract_kick":
		return "Member kicked"
	case "infract_ban":
		return "Member banned"
	case "staffmanage_promote":
		return "Staff member promoted"
	case "staffmanage_demote":
		return "Staff member demoted"
	case "staffmanage_terminate":
		return "Staff member terminated"
	case "staffmanage_warn":
		return "Staff warning issued"
	case "staffmanage_strike":
		return "Staff strike issued"
	default:
		return "Moderation action"
	}
}
