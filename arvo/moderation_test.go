package arvo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeActions records side effects and returns scripted errors per
// method name.
type fakeActions struct {
	mu           sync.Mutex
	calls        []string
	timeoutUntil []time.Time
	errs         map[string]error
}

func newFakeActions() *fakeActions {
	return &fakeActions{errs: map[string]error{}}
}

func (f *fakeActions) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.errs[call]
}

func (f *fakeActions) Timeout(
	_ context.Context, guildID, userID string, until time.Time, _ string,
) error {
	f.mu.Lock()
	f.timeoutUntil = append(f.timeoutUntil, until)
	f.mu.Unlock()
	return f.record(fmt.Sprintf("timeout:%s:%s", guildID, userID))
}

func (f *fakeActions) Kick(_ context.Context, guildID, userID, _ string) error {
	return f.record(fmt.Sprintf("kick:%s:%s", guildID, userID))
}

func (f *fakeActions) Ban(
	_ context.Context, guildID, userID, _ string, _ int,
) error {
	return f.record(fmt.Sprintf("ban:%s:%s", guildID, userID))
}

func (f *fakeActions) AddRole(
	_ context.Context, guildID, userID, roleID string, _ string,
) error {
	return f.record(fmt.Sprintf("add_role:%s:%s:%s", guildID, userID, roleID))
}

func (f *fakeActions) RemoveRole(
	_ context.Context, guildID, userID, roleID string, _ string,
) error {
	return f.record(fmt.Sprintf("remove_role:%s:%s:%s", guildID, userID, roleID))
}

func (f *fakeActions) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	embeds []string
	dms    []string
	err    error
}

func (f *fakeNotifier) SendEmbed(
	_ context.Context, channelID string, _ *discordgo.MessageEmbed,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeds = append(f.embeds, channelID)
	return f.err
}

func (f *fakeNotifier) SendDM(
	_ context.Context, userID string, _ *discordgo.MessageEmbed,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms = append(f.dms, userID)
	return f.err
}

type pipelineFixture struct {
	pipeline *ModerationActionPipeline
	store    *GuildConfigStore
	ledger   *InfractionLedger
	actions  *fakeActions
	notifier *fakeNotifier
	db       DBI
}

func newPipelineFixture(t testing.TB, timeout time.Duration) *pipelineFixture {
	t.Helper()
	db := newTestWriteDB(t)
	logger := testLogger(t)
	store := NewGuildConfigStore(db, logger)
	ledger := NewInfractionLedger(db, logger)
	actions := newFakeActions()
	notifier := &fakeNotifier{}

	cfg := &ModerationConfig{
		ConfirmationTimeout: timeout,
		MuteDuration:        10 * time.Minute,
	}
	pipeline := NewModerationActionPipeline(
		db,
		store,
		NewCommandRegistry(),
		actions,
		ledger,
		notifier,
		cfg,
		logger,
	)

	require.NoError(
		t,
		store.SetStaffRoles(context.Background(), "guild-1", []string{"staff"}),
	)
	require.NoError(
		t,
		store.SetHighRankRole(context.Background(), "guild-1", "high-rank"),
	)
	require.NoError(
		t,
		store.SetLogChannel(context.Background(), "guild-1", "chan-log"),
	)
	require.NoError(
		t,
		store.SetPromotionLogChannel(context.Background(), "guild-1", "chan-promo"),
	)
	require.NoError(
		t,
		store.SetStaffInfractionLogChannel(
			context.Background(),
			"guild-1",
			"chan-staff",
		),
	)

	return &pipelineFixture{
		pipeline: pipeline,
		store:    store,
		ledger:   ledger,
		actions:  actions,
		notifier: notifier,
		db:       db,
	}
}

func staffActor() Actor {
	return Actor{
		UserID:          "mod-1",
		RoleIDs:         []string{"staff"},
		TopRolePosition: 10,
	}
}

func highRankActor() Actor {
	return Actor{
		UserID:          "lead-1",
		RoleIDs:         []string{"high-rank"},
		TopRolePosition: 20,
	}
}

func memberTarget() Actor {
	return Actor{UserID: "member-1", TopRolePosition: 1}
}

func warnRequest() ModerationRequest {
	return ModerationRequest{
		GuildID:    "guild-1",
		CommandKey: "infract_warn",
		Actor:      staffActor(),
		Target:     memberTarget(),
		Reason:     "spamming",
	}
}

func TestConfirmationSession_SingleAssignment(t *testing.T) {
	session, err := NewConfirmationSession("mod-1", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, ConfirmationPending, session.Result())

	require.NoError(t, session.Confirm("mod-1"))
	assert.Equal(t, ConfirmationConfirmed, session.Result())

	// later resolutions are rejected and change nothing
	require.ErrorIs(t, session.Cancel("mod-1"), ErrConfirmationResolved)
	require.ErrorIs(t, session.Confirm("mod-1"), ErrConfirmationResolved)
	assert.Equal(t, ConfirmationConfirmed, session.Result())
}

func TestConfirmationSession_ActorScoped(t *testing.T) {
	session, err := NewConfirmationSession("mod-1", time.Minute)
	require.NoError(t, err)

	require.Error(t, session.Confirm("someone-else"))
	require.Error(t, session.Cancel("someone-else"))
	assert.Equal(t, ConfirmationPending, session.Result())

	require.NoError(t, session.Cancel("mod-1"))
	assert.Equal(t, ConfirmationCancelled, session.Result())
}

func TestConfirmationSession_Timeout(t *testing.T) {
	session, err := NewConfirmationSession("mod-1", 20*time.Millisecond)
	require.NoError(t, err)

	result := session.Wait(context.Background())
	assert.Equal(t, ConfirmationTimedOut, result)

	// late confirm is a no-op
	require.ErrorIs(t, session.Confirm("mod-1"), ErrConfirmationResolved)
	assert.Equal(t, ConfirmationTimedOut, session.Result())
}

func TestPipeline_DenialCreatesNothing(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	req := warnRequest()
	req.Actor = Actor{UserID: "rando", TopRolePosition: 5}

	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, outcome.Denial)
	assert.Equal(t, DenialMissingRole, outcome.Denial.Code)
	assert.Nil(t, outcome.Action)
	assert.Nil(t, outcome.Session)

	var count int64
	require.NoError(
		t,
		f.db.DB().Model(&ModerationAction{}).Count(&count).Error,
	)
	assert.Zero(t, count)
}

func TestPipeline_HierarchyViolationCreatesNothing(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	req := warnRequest()
	req.Target = Actor{UserID: "peer", TopRolePosition: 10}

	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, outcome.Violation)
	assert.Nil(t, outcome.Action)

	var count int64
	require.NoError(
		t,
		f.db.DB().Model(&ModerationAction{}).Count(&count).Error,
	)
	assert.Zero(t, count)
}

func TestPipeline_DisabledCommandDeniesAdmin(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	_, err := f.store.SetCommandEnabled(ctx, "guild-1", "infract_warn", false)
	require.NoError(t, err)

	req := warnRequest()
	req.Actor = Actor{UserID: "admin", Administrator: true, TopRolePosition: 99}

	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, outcome.Denial)
	assert.Equal(t, DenialCommandDisabled, outcome.Denial.Code)
}

func TestPipeline_WarnConfirmedRecordsInfraction(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	req := warnRequest()
	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, outcome.Session)
	require.Equal(
		t,
		ModerationActionStateAwaitingConfirmation,
		outcome.Action.State,
	)

	require.NoError(
		t,
		f.pipeline.ResolveComponent(
			outcome.Session.CustomID,
			req.Actor.UserID,
			true,
		),
	)

	state, err := f.pipeline.Run(ctx, req, outcome)
	require.NoError(t, err)
	assert.Equal(t, ModerationActionStateNotified, state)

	// warn has no remote side effect
	assert.Empty(t, f.actions.callList())

	infractions, err := f.ledger.List(ctx, "guild-1", "member-1")
	require.NoError(t, err)
	require.Len(t, infractions, 1)
	assert.Equal(t, InfractionWarn, infractions[0].Type)
	assert.Equal(t, "spamming", infractions[0].Reason)
	assert.Equal(t, "mod-1", infractions[0].ModeratorID)

	// action row links the recorded infraction
	var action ModerationAction
	require.NoError(
		t,
		f.db.DB().Where(
			"custom_id = ?",
			outcome.Session.CustomID,
		).First(&action).Error,
	)
	assert.Equal(t, ModerationActionStateNotified, action.State)
	assert.Equal(t, infractions[0].ID, action.InfractionID)

	// audit embed went to the moderation log channel, DM to the target
	assert.Equal(t, []string{"chan-log"}, f.notifier.embeds)
	assert.Equal(t, []string{"member-1"}, f.notifier.dms)
}

func TestPipeline_CancelledNeverExecutes(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	req := ModerationRequest{
		GuildID:    "guild-1",
		CommandKey: "infract_ban",
		Actor:      staffActor(),
		Target:     memberTarget(),
		Reason:     "test",
	}
	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)

	require.NoError(
		t,
		f.pipeline.ResolveComponent(
			outcome.Session.CustomID,
			req.Actor.UserID,
			false,
		),
	)

	state, err := f.pipeline.Run(ctx, req, outcome)
	require.NoError(t, err)
	assert.Equal(t, ModerationActionStateCancelled, state)

	assert.Empty(t, f.actions.callList())

	infractions, err := f.ledger.List(ctx, "guild-1", "member-1")
	require.NoError(t, err)
	assert.Empty(t, infractions)
}

func TestPipeline_TimeoutNeverExecutes(t *testing.T) {
	f := newPipelineFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	req := ModerationRequest{
		GuildID:    "guild-1",
		CommandKey: "infract_kick",
		Actor:      staffActor(),
		Target:     memberTarget(),
	}
	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)

	state, err := f.pipeline.Run(ctx, req, outcome)
	require.NoError(t, err)
	assert.Equal(t, ModerationActionStateTimedOut, state)
	assert.Empty(t, f.actions.callList())

	// the session is gone; a late click cannot revive it
	err = f.pipeline.ResolveComponent(
		outcome.Session.CustomID,
		req.Actor.UserID,
		true,
	)
	require.Error(t, err)
}

func TestPipeline_NonActorClickLeavesSessionPending(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	req := warnRequest()
	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)

	err = f.pipeline.ResolveComponent(
		outcome.Session.CustomID,
		"impostor",
		true,
	)
	require.Error(t, err)
	assert.Equal(t, ConfirmationPending, outcome.Session.Result())

	require.NoError(
		t,
		f.pipeline.ResolveComponent(
			outcome.Session.CustomID,
			req.Actor.UserID,
			false,
		),
	)
}

func TestPipeline_MuteUsesGuildDefaultDuration(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	req := ModerationRequest{
		GuildID:    "guild-1",
		CommandKey: "infract_mute",
		Actor:      staffActor(),
		Target:     memberTarget(),
		Reason:     "flooding",
	}
	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)
	require.NoError(
		t,
		f.pipeline.ResolveComponent(
			outcome.Session.CustomID,
			req.Actor.UserID,
			true,
		),
	)

	state, err := f.pipeline.Run(ctx, req, outcome)
	require.NoError(t, err)
	assert.Equal(t, ModerationActionStateNotified, state)
	assert.Equal(
		t,
		[]string{"timeout:guild-1:member-1"},
		f.actions.callList(),
	)

	infractions, err := f.ledger.List(ctx, "guild-1", "member-1")
	require.NoError(t, err)
	require.Len(t, infractions, 1)
	assert.Equal(t, InfractionMute, infractions[0].Type)
}

func TestPipeline_MutePrefersGuildOverride(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	require.NoError(
		t,
		f.store.SetMuteDuration(ctx, "guild-1", Duration{time.Hour}),
	)

	req := ModerationRequest{
		GuildID:    "guild-1",
		CommandKey: "infract_mute",
		Actor:      staffActor(),
		Target:     memberTarget(),
	}
	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)
	require.NoError(
		t,
		f.pipeline.ResolveComponent(
			outcome.Session.CustomID,
			req.Actor.UserID,
			true,
		),
	)

	before := time.Now()
	_, err = f.pipeline.Run(ctx, req, outcome)
	require.NoError(t, err)

	require.Len(t, f.actions.timeoutUntil, 1)
	until := f.actions.timeoutUntil[0]
	assert.True(t, until.After(before.Add(59*time.Minute)))
	assert.True(t, until.Before(before.Add(61*time.Minute)))
}

func TestPipeline_PromoteRecordsNoInfraction(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	req := ModerationRequest{
		GuildID:    "guild-1",
		CommandKey: "staffmanage_promote",
		Actor:      highRankActor(),
		Target:     memberTarget(),
		RoleID:     "staff",
	}
	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)
	require.NoError(
		t,
		f.pipeline.ResolveComponent(
			outcome.Session.CustomID,
			req.Actor.UserID,
			true,
		),
	)

	state, err := f.pipeline.Run(ctx, req, outcome)
	require.NoError(t, err)
	assert.Equal(t, ModerationActionStateNotified, state)

	assert.Equal(
		t,
		[]string{"add_role:guild-1:member-1:staff"},
		f.actions.callList(),
	)

	// no ledger entry for promotions, only the audit embed
	infractions, err := f.ledger.List(ctx, "guild-1", "member-1")
	require.NoError(t, err)
	assert.Empty(t, infractions)

	assert.Equal(t, []string{"chan-promo"}, f.notifier.embeds)
}

func TestPipeline_StaffStrikeAuditsToStaffChannel(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	req := ModerationRequest{
		GuildID:    "guild-1",
		CommandKey: "staffmanage_strike",
		Actor:      highRankActor(),
		Target:     Actor{UserID: "staffer-1", TopRolePosition: 10},
		Reason:     "missed shifts",
	}
	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)
	require.NoError(
		t,
		f.pipeline.ResolveComponent(
			outcome.Session.CustomID,
			req.Actor.UserID,
			true,
		),
	)

	state, err := f.pipeline.Run(ctx, req, outcome)
	require.NoError(t, err)
	assert.Equal(t, ModerationActionStateNotified, state)

	infractions, err := f.ledger.List(ctx, "guild-1", "staffer-1")
	require.NoError(t, err)
	require.Len(t, infractions, 1)
	assert.Equal(t, InfractionStaffStrike, infractions[0].Type)

	assert.Equal(t, []string{"chan-staff"}, f.notifier.embeds)
}

func TestPipeline_SideEffectFailureAbortsBeforeLedger(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	f.actions.errs["ban:guild-1:member-1"] = fmt.Errorf(
		"missing permission: %w",
		ErrSideEffectForbidden,
	)

	req := ModerationRequest{
		GuildID:    "guild-1",
		CommandKey: "infract_ban",
		Actor:      staffActor(),
		Target:     memberTarget(),
	}
	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)
	require.NoError(
		t,
		f.pipeline.ResolveComponent(
			outcome.Session.CustomID,
			req.Actor.UserID,
			true,
		),
	)

	state, err := f.pipeline.Run(ctx, req, outcome)
	require.Error(t, err)
	assert.Equal(t, ModerationActionStateFailed, state)
	require.ErrorIs(t, err, ErrSideEffectForbidden)

	// failed executions never reach the ledger or notifications
	infractions, listErr := f.ledger.List(ctx, "guild-1", "member-1")
	require.NoError(t, listErr)
	assert.Empty(t, infractions)
	assert.Empty(t, f.notifier.embeds)

	var action ModerationAction
	require.NoError(
		t,
		f.db.DB().Where(
			"custom_id = ?",
			outcome.Session.CustomID,
		).First(&action).Error,
	)
	assert.Equal(t, ModerationActionStateFailed, action.State)
	assert.NotEmpty(t, action.Error)
}

func TestPipeline_NotificationFailureDoesNotRollBack(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	f.notifier.err = fmt.Errorf("channel deleted")

	req := warnRequest()
	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)
	require.NoError(
		t,
		f.pipeline.ResolveComponent(
			outcome.Session.CustomID,
			req.Actor.UserID,
			true,
		),
	)

	state, err := f.pipeline.Run(ctx, req, outcome)
	require.NoError(t, err)
	assert.Equal(t, ModerationActionStateNotified, state)

	// the ledger entry survives the delivery failure
	infractions, err := f.ledger.List(ctx, "guild-1", "member-1")
	require.NoError(t, err)
	assert.Len(t, infractions, 1)
}

func TestPipeline_TerminateStripsStaffRoles(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	req := ModerationRequest{
		GuildID:    "guild-1",
		CommandKey: "staffmanage_terminate",
		Actor:      highRankActor(),
		Target: Actor{
			UserID:          "staffer-1",
			RoleIDs:         []string{"staff", "unrelated"},
			TopRolePosition: 10,
		},
		Reason: "gross misconduct",
	}
	outcome, err := f.pipeline.Request(ctx, req)
	require.NoError(t, err)
	require.NoError(
		t,
		f.pipeline.ResolveComponent(
			outcome.Session.CustomID,
			req.Actor.UserID,
			true,
		),
	)

	state, err := f.pipeline.Run(ctx, req, outcome)
	require.NoError(t, err)
	assert.Equal(t, ModerationActionStateNotified, state)

	// only the configured staff roles the target holds are removed
	assert.Equal(
		t,
		[]string{"remove_role:guild-1:staffer-1:staff"},
		f.actions.callList(),
	)

	infractions, err := f.ledger.List(ctx, "guild-1", "staffer-1")
	require.NoError(t, err)
	require.Len(t, infractions, 1)
	assert.Equal(t, InfractionStaffTermination, infractions[0].Type)
}

func TestModerationPipeline_ExpireInterruptedFinalizesStaleActions(t *testing.T) {
	f := newPipelineFixture(t, time.Minute)
	ctx := context.Background()

	seed := func(state ModerationActionState) *ModerationAction {
		action := &ModerationAction{
			GuildID:    "guild-1",
			CommandKey: "infract_warn",
			ActorID:    "mod-1",
			TargetID:   "member-1",
			State:      state,
		}
		_, err := f.db.Create(ctx, action)
		require.NoError(t, err)
		return action
	}

	awaiting := seed(ModerationActionStateAwaitingConfirmation)
	executing := seed(ModerationActionStateExecuting)
	recorded := seed(ModerationActionStateRecorded)
	notified := seed(ModerationActionStateNotified)

	expired, err := f.pipeline.ExpireInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), expired)

	byID := func(id uint) ModerationAction {
		var action ModerationAction
		require.NoError(t, f.db.DB().First(&action, id).Error)
		return action
	}

	assert.Equal(t, ModerationActionStateTimedOut, byID(awaiting.ID).State)

	failed := byID(executing.ID)
	assert.Equal(t, ModerationActionStateFailed, failed.State)
	assert.Equal(t, "interrupted before completion", failed.Error)

	// these reached the durability point; they stay put
	assert.Equal(t, ModerationActionStateRecorded, byID(recorded.ID).State)
	assert.Equal(t, ModerationActionStateNotified, byID(notified.ID).State)
}
