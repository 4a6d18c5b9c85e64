package arvo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// InteractionLog records every interaction received from the gateway,
// payload included, for audit and debugging.
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}
	rv := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	if u != nil {
		rv.UserID = u.ID
		rv.Username = u.Username
	}
	return rv, nil
}

// handleInteraction is the gateway dispatch point for all interactions.
func (b *Arvo) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := b.logger.With(loggerNameKey, "interactions")
	ctx = WithLogger(ctx, logger)

	user := getDiscordUser(i)
	if user == nil {
		logger.Warn(
			"no user found for interaction",
			interactionLogAttrs(*i)...,
		)
		return
	}
	if user.Bot {
		return
	}

	interactionLog, err := newInteractionLog(i, user)
	if err != nil {
		logger.Error("error creating interaction log", tint.Err(err))
	} else if _, err = b.writeDB.Create(ctx, interactionLog); err != nil {
		logger.Error("error saving interaction log", tint.Err(err))
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		b.handleApplicationCommand(ctx, i, user)
	case discordgo.InteractionMessageComponent:
		b.handleMessageComponent(ctx, i, user)
	default:
		logger.Warn(
			"unhandled interaction type",
			interactionLogAttrs(*i)...,
		)
	}
}

func (b *Arvo) handleApplicationCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	data := i.ApplicationCommandData()
	logger := b.logger.With(
		loggerNameKey, "interactions",
		"command", data.Name,
		"user_id", user.ID,
		"guild_id", i.GuildID,
	)
	ctx = WithLogger(ctx, logger)

	switch data.Name {
	case DiscordSlashCommandPing:
		b.handlePing(ctx, i)
	case DiscordSlashCommandHelp:
		b.handleHelp(ctx, i)
	case DiscordSlashCommandSetup:
		b.handleSetup(ctx, i, user)
	case DiscordSlashCommandToggleCommand:
		b.handleToggleCommand(ctx, i, user)
	case DiscordSlashCommandInfract, DiscordSlashCommandStaffManage:
		b.handleModerationCommand(ctx, i, user)
	default:
		logger.Warn("unknown command")
		b.respondEphemeral(ctx, i, "I don't know that command.")
	}
}

// handleMessageComponent routes confirm/cancel button clicks to their
// pending confirmation session.
func (b *Arvo) handleMessageComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	customID := i.MessageComponentData().CustomID
	prefix, token, found := strings.Cut(customID, ":")
	if !found {
		b.logger.Warn("malformed component custom id", "custom_id", customID)
		return
	}

	err := b.pipeline.ResolveComponent(
		token,
		user.ID,
		prefix == customIDPrefixConfirm,
	)
	if err != nil {
		b.respondEphemeral(ctx, i, err.Error())
		return
	}

	// The requesting goroutine owns the visible response; just ack the
	// component event.
	ackErr := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		},
		discordgo.WithContext(ctx),
	)
	if ackErr != nil {
		b.logger.Warn("error acking component", tint.Err(ackErr))
	}
}

func (b *Arvo) respondEphemeral(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: truncate(content, discordMaxMessageLength),
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		b.logger.ErrorContext(ctx, "error sending response", tint.Err(err))
	}
}

func (b *Arvo) handlePing(ctx context.Context, i *discordgo.InteractionCreate) {
	latency := b.discord.session.HeartbeatLatency()
	b.respondEphemeral(
		ctx,
		i,
		fmt.Sprintf("Pong! Gateway latency: %s", latency.Round(time.Millisecond)),
	)
}

func (b *Arvo) handleHelp(ctx context.Context, i *discordgo.InteractionCreate) {
	var lines []string
	for _, key := range b.registry.AllKeys(false) {
		desc, err := b.registry.Describe(key)
		if err != nil {
			continue
		}
		name := desc.Name
		if desc.Group != "" {
			name = fmt.Sprintf("%s %s", desc.Group, desc.Name)
		}
		lines = append(
			lines,
			fmt.Sprintf("`/%s` - %s", name, desc.Description),
		)
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Arvo",
		Description: strings.Join(lines, "\n"),
	}
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
				Flags:  discordgo.MessageFlagsEphemeral,
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		b.logger.ErrorContext(ctx, "error sending help", tint.Err(err))
	}
}

// requireGuildAdmin resolves the invoking member's Actor and verifies the
// administrator gate for config commands.
func (b *Arvo) requireGuildAdmin(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (Actor, bool) {
	if i.GuildID == "" {
		b.respondEphemeral(ctx, i, "This command only works in a server.")
		return Actor{}, false
	}
	actor, _, err := b.discord.guildActor(ctx, i.GuildID, i.Member, user.ID)
	if err != nil {
		b.logger.ErrorContext(ctx, "error resolving actor", tint.Err(err))
		b.respondEphemeral(ctx, i, DefaultDiscordErrorMessage)
		return Actor{}, false
	}
	if !actor.Administrator && !actor.Owner {
		b.respondEphemeral(
			ctx,
			i,
			"You must be a server administrator to use this command.",
		)
		return Actor{}, false
	}
	return actor, true
}

func (b *Arvo) handleSetup(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	if _, ok := b.requireGuildAdmin(ctx, i, user); !ok {
		return
	}

	_, options := subCommandOptions(i.ApplicationCommandData())

	var applied []string
	fail := func(err error) {
		b.logger.ErrorContext(ctx, "setup failed", tint.Err(err))
		b.respondEphemeral(ctx, i, DefaultDiscordErrorMessage)
	}

	if opt, ok := options["log_channel"]; ok {
		channel := opt.ChannelValue(nil)
		if err := b.guildConfigs.SetLogChannel(ctx, i.GuildID, channel.ID); err != nil {
			fail(err)
			return
		}
		applied = append(applied, fmt.Sprintf("log channel set to <#%s>", channel.ID))
	}
	if opt, ok := options["promotion_log_channel"]; ok {
		channel := opt.ChannelValue(nil)
		err := b.guildConfigs.SetPromotionLogChannel(ctx, i.GuildID, channel.ID)
		if err != nil {
			fail(err)
			return
		}
		applied = append(
			applied,
			fmt.Sprintf("promotion log channel set to <#%s>", channel.ID),
		)
	}
	if opt, ok := options["staff_infraction_log_channel"]; ok {
		channel := opt.ChannelValue(nil)
		err := b.guildConfigs.SetStaffInfractionLogChannel(
			ctx,
			i.GuildID,
			channel.ID,
		)
		if err != nil {
			fail(err)
			return
		}
		applied = append(
			applied,
			fmt.Sprintf("staff infraction log channel set to <#%s>", channel.ID),
		)
	}
	if opt, ok := options["staff_role"]; ok {
		role := opt.RoleValue(nil, i.GuildID)
		cfg, err := b.guildConfigs.Get(ctx, i.GuildID)
		if err != nil {
			fail(err)
			return
		}
		roles := append(StringSlice{}, cfg.StaffRoleIDs...)
		present := false
		for _, id := range roles {
			if id == role.ID {
				present = true
				break
			}
		}
		if !present {
			roles = append(roles, role.ID)
			if err = b.guildConfigs.SetStaffRoles(ctx, i.GuildID, roles); err != nil {
				fail(err)
				return
			}
		}
		applied = append(applied, fmt.Sprintf("staff role added: <@&%s>", role.ID))
	}
	if opt, ok := options["high_rank_role"]; ok {
		role := opt.RoleValue(nil, i.GuildID)
		if err := b.guildConfigs.SetHighRankRole(ctx, i.GuildID, role.ID); err != nil {
			fail(err)
			return
		}
		applied = append(applied, fmt.Sprintf("high rank role set to <@&%s>", role.ID))
	}
	if opt, ok := options["secret"]; ok {
		if err := b.guildConfigs.SetSecret(ctx, i.GuildID, opt.StringValue()); err != nil {
			fail(err)
			return
		}
		applied = append(applied, "secret updated")
	}

	if len(applied) == 0 {
		b.respondEphemeral(ctx, i, "Nothing to change. Pass at least one option.")
		return
	}
	b.respondEphemeral(
		ctx,
		i,
		fmt.Sprintf("Settings updated:\n%s", strings.Join(applied, "\n")),
	)
}

func (b *Arvo) handleToggleCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	if _, ok := b.requireGuildAdmin(ctx, i, user); !ok {
		return
	}

	_, options := subCommandOptions(i.ApplicationCommandData())
	keyOpt, ok := options[commandOptionCommand]
	enabledOpt, enabledOK := options[commandOptionEnabled]
	if !ok || !enabledOK {
		b.respondEphemeral(ctx, i, "Both `command` and `enabled` are required.")
		return
	}
	key := keyOpt.StringValue()
	enabled := enabledOpt.BoolValue()

	desc, err := b.registry.Describe(key)
	if err != nil {
		b.respondEphemeral(
			ctx,
			i,
			fmt.Sprintf(
				"Unknown command `%s`. Manageable commands: %s",
				key,
				strings.Join(b.registry.AllKeys(true), ", "),
			),
		)
		return
	}
	if !desc.Manageable {
		b.respondEphemeral(
			ctx,
			i,
			fmt.Sprintf("`%s` cannot be toggled.", key),
		)
		return
	}

	changed, err := b.guildConfigs.SetCommandEnabled(ctx, i.GuildID, key, enabled)
	if err != nil {
		b.logger.ErrorContext(ctx, "error toggling command", tint.Err(err))
		b.respondEphemeral(ctx, i, DefaultDiscordErrorMessage)
		return
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	if !changed {
		b.respondEphemeral(
			ctx,
			i,
			fmt.Sprintf("`%s` was already %s.", key, state),
		)
		return
	}

	b.syncEngine.Enqueue(i.GuildID)
	b.respondEphemeral(
		ctx,
		i,
		fmt.Sprintf("`%s` is now %s. Updating server commands.", key, state),
	)
}

// handleModerationCommand covers every /infract and /staffmanage
// subcommand. History is a read; everything else enters the pipeline.
func (b *Arvo) handleModerationCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	data := i.ApplicationCommandData()
	subName, options := subCommandOptions(data)
	key := commandKey(data.Name, subName)
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
	}

	if i.GuildID == "" {
		b.respondEphemeral(ctx, i, "This command only works in a server.")
		return
	}

	actor, _, err := b.discord.guildActor(ctx, i.GuildID, i.Member, user.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error resolving actor", tint.Err(err))
		b.respondEphemeral(ctx, i, DefaultDiscordErrorMessage)
		return
	}

	targetOpt, ok := options[commandOptionUser]
	if !ok {
		b.respondEphemeral(ctx, i, "A target user is required.")
		return
	}
	targetUser := targetOpt.UserValue(nil)
	if targetUser == nil || targetUser.ID == "" {
		b.respondEphemeral(ctx, i, "A target user is required.")
		return
	}

	if key == "infract_history" {
		b.handleInfractionHistory(ctx, i, actor, targetUser)
		return
	}

	target, _, err := b.discord.guildActor(ctx, i.GuildID, nil, targetUser.ID)
	if err != nil {
		// Banning someone who already left is legitimate; treat an
		// unknown member as rank zero.
		target = Actor{UserID: targetUser.ID}
	}

	req := ModerationRequest{
		GuildID:    i.GuildID,
		CommandKey: key,
		Actor:      actor,
		Target:     target,
		TargetUser: targetUser,
	}
	if opt, ok := options[commandOptionReason]; ok {
		req.Reason = opt.StringValue()
	}
	if opt, ok := options[commandOptionRole]; ok {
		req.RoleID = opt.RoleValue(nil, i.GuildID).ID
	}
	if opt, ok := options[commandOptionDuration]; ok {
		duration, parseErr := time.ParseDuration(opt.StringValue())
		if parseErr != nil || duration <= 0 {
			b.respondEphemeral(
				ctx,
				i,
				"Invalid duration. Use something like `30m` or `2h`.",
			)
			return
		}
		req.Duration = duration
	}

	outcome, err := b.pipeline.Request(ctx, req)
	if err != nil {
		logger.ErrorContext(ctx, "error admitting action", tint.Err(err))
		b.respondEphemeral(ctx, i, DefaultDiscordErrorMessage)
		return
	}
	if outcome.Denial != nil {
		b.respondEphemeral(ctx, i, outcome.Denial.Detail)
		return
	}
	if outcome.Violation != nil {
		b.respondEphemeral(ctx, i, outcome.Violation.Reason)
		return
	}

	b.promptConfirmation(ctx, i, req, outcome)
}

// promptConfirmation renders the confirm/cancel buttons, waits for the
// pipeline outcome and edits the prompt with the result.
func (b *Arvo) promptConfirmation(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	req ModerationRequest,
	outcome *ModerationOutcome,
) {
	session := outcome.Session
	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label: "Confirm",
					Style: discordgo.DangerButton,
					CustomID: fmt.Sprintf(
						customIDFormat,
						customIDPrefixConfirm,
						session.CustomID,
					),
				},
				discordgo.Button{
					Label: "Cancel",
					Style: discordgo.SecondaryButton,
					CustomID: fmt.Sprintf(
						customIDFormat,
						customIDPrefixCancel,
						session.CustomID,
					),
				},
			},
		},
	}

	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: fmt.Sprintf(
					"%s <@%s>?",
					moderationEmbedTitle(req.CommandKey),
					req.Target.UserID,
				),
				Flags:      discordgo.MessageFlagsEphemeral,
				Components: components,
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		b.logger.ErrorContext(ctx, "error sending confirmation", tint.Err(err))
		_ = session.Cancel(session.ActorID)
		return
	}

	// The prompt edit below needs a live interaction token, so the wait
	// is capped to the token lifespan regardless of the configured
	// confirmation timeout.
	runCtx, cancelRun := context.WithTimeout(ctx, discordInteractionTokenLifespan)
	defer cancelRun()
	finalState, runErr := b.pipeline.Run(runCtx, req, outcome)

	content := b.moderationResultMessage(req, finalState, runErr)
	emptyComponents := []discordgo.MessageComponent{}
	_, err = b.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{
			Content:    &content,
			Components: &emptyComponents,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		b.logger.ErrorContext(ctx, "error editing confirmation", tint.Err(err))
	}
}

func (b *Arvo) moderationResultMessage(
	req ModerationRequest,
	state ModerationActionState,
	err error,
) string {
	switch state {
	case ModerationActionStateNotified:
		return fmt.Sprintf(
			"Done. %s <@%s>.",
			moderationEmbedTitle(req.CommandKey),
			req.Target.UserID,
		)
	case ModerationActionStateCancelled:
		return "Cancelled. No action was taken."
	case ModerationActionStateTimedOut:
		return "Confirmation timed out. No action was taken."
	default:
		if errors.Is(err, ErrSideEffectForbidden) {
			return "I don't have permission to do that to this member."
		}
		return DefaultDiscordErrorMessage
	}
}

func (b *Arvo) handleInfractionHistory(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	actor Actor,
	targetUser *discordgo.User,
) {
	cfg, err := b.guildConfigs.Get(ctx, i.GuildID)
	if err != nil {
		b.logger.ErrorContext(ctx, "error loading config", tint.Err(err))
		b.respondEphemeral(ctx, i, DefaultDiscordErrorMessage)
		return
	}
	decision := b.evaluator.Evaluate(cfg, actor, "infract_history")
	if !decision.Allowed {
		b.respondEphemeral(ctx, i, decision.Denial.Detail)
		return
	}

	infractions, err := b.ledger.List(ctx, i.GuildID, targetUser.ID)
	if err != nil {
		b.logger.ErrorContext(ctx, "error listing infractions", tint.Err(err))
		b.respondEphemeral(ctx, i, DefaultDiscordErrorMessage)
		return
	}
	points, err := b.ledger.TotalPoints(ctx, i.GuildID, targetUser.ID)
	if err != nil {
		b.logger.ErrorContext(ctx, "error totaling points", tint.Err(err))
	}

	embed := infractionHistoryEmbed(targetUser, infractions, points)
	respondErr := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
				Flags:  discordgo.MessageFlagsEphemeral,
			},
		},
		discordgo.WithContext(ctx),
	)
	if respondErr != nil {
		b.logger.ErrorContext(ctx, "error sending history", tint.Err(respondErr))
	}
}

const infractionHistoryDisplayLimit = 15

func infractionHistoryEmbed(
	user *discordgo.User,
	infractions []Infraction,
	points int,
) *discordgo.MessageEmbed {
	if len(infractions) == 0 {
		return &discordgo.MessageEmbed{
			Title:       fmt.Sprintf("Infractions for %s", user.Username),
			Description: "No infractions on record.",
		}
	}

	var lines []string
	for idx, inf := range infractions {
		if idx >= infractionHistoryDisplayLimit {
			lines = append(
				lines,
				fmt.Sprintf("…and %d more", len(infractions)-idx),
			)
			break
		}
		ts := time.UnixMilli(inf.CreatedAt).UTC().Format("2006-01-02")
		line := fmt.Sprintf(
			"`%s` **%s** (%dpt) by <@%s> on %s",
			inf.DisplayID,
			inf.Type,
			inf.Points,
			inf.ModeratorID,
			ts,
		)
		if inf.Reason != "" {
			line = fmt.Sprintf("%s - %s", line, truncate(inf.Reason, 80))
		}
		lines = append(lines, line)
	}

	return &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Infractions for %s", user.Username),
		Description: truncate(
			strings.Join(lines, "\n"),
			4096,
		),
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(
				"%d infractions, %d points total",
				len(infractions),
				points,
			),
		},
	}
}
