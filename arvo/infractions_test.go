package arvo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t testing.TB) *InfractionLedger {
	t.Helper()
	return NewInfractionLedger(newTestWriteDB(t), testLogger(t))
}

func TestInfractionLedger_AppendDefaultsPointsByType(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		infractionType InfractionType
		points         int
	}{
		{InfractionWarn, 1},
		{InfractionMute, 2},
		{InfractionKick, 3},
		{InfractionBan, 5},
		{InfractionStaffWarning, 1},
		{InfractionStaffStrike, 2},
		{InfractionStaffTermination, 5},
	}
	for _, tc := range cases {
		t.Run(
			string(tc.infractionType), func(t *testing.T) {
				infraction := &Infraction{
					GuildID:     "guild-1",
					UserID:      "user-1",
					Type:        tc.infractionType,
					ModeratorID: "mod-1",
				}
				_, err := ledger.Append(ctx, infraction)
				require.NoError(t, err)
				assert.Equal(t, tc.points, infraction.Points)
			},
		)
	}
}

func TestInfractionLedger_AppendKeepsExplicitPoints(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	infraction := &Infraction{
		GuildID: "guild-1",
		UserID:  "user-1",
		Type:    InfractionWarn,
		Points:  4,
	}
	_, err := ledger.Append(ctx, infraction)
	require.NoError(t, err)
	assert.Equal(t, 4, infraction.Points)
}

func TestInfractionLedger_AppendAssignsDisplayID(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	infraction := &Infraction{
		GuildID: "guild-1",
		UserID:  "user-1",
		Type:    InfractionWarn,
	}
	displayID, err := ledger.Append(ctx, infraction)
	require.NoError(t, err)
	assert.Len(t, displayID, infractionDisplayIDLength)
	assert.Equal(t, displayID, infraction.DisplayID)
	assert.NotZero(t, infraction.ID)
}

func TestInfractionLedger_AppendValidation(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	var validationErr *ValidationError

	_, err := ledger.Append(ctx, &Infraction{UserID: "user-1"})
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "guild_id", validationErr.Field)

	_, err = ledger.Append(ctx, &Infraction{GuildID: "guild-1"})
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "user_id", validationErr.Field)
}

func TestInfractionLedger_ListNewestFirst(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	reasons := []string{"first", "second", "third"}
	for _, reason := range reasons {
		_, err := ledger.Append(
			ctx, &Infraction{
				GuildID: "guild-1",
				UserID:  "user-1",
				Type:    InfractionWarn,
				Reason:  reason,
			},
		)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	infractions, err := ledger.List(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	require.Len(t, infractions, 3)
	assert.Equal(t, "third", infractions[0].Reason)
	assert.Equal(t, "first", infractions[2].Reason)
}

func TestInfractionLedger_ListScopedToBucket(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Append(
		ctx,
		&Infraction{GuildID: "guild-1", UserID: "user-1", Type: InfractionWarn},
	)
	require.NoError(t, err)
	_, err = ledger.Append(
		ctx,
		&Infraction{GuildID: "guild-1", UserID: "user-2", Type: InfractionBan},
	)
	require.NoError(t, err)
	_, err = ledger.Append(
		ctx,
		&Infraction{GuildID: "guild-2", UserID: "user-1", Type: InfractionKick},
	)
	require.NoError(t, err)

	infractions, err := ledger.List(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	require.Len(t, infractions, 1)
	assert.Equal(t, InfractionWarn, infractions[0].Type)
}

func TestInfractionLedger_TotalPoints(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	total, err := ledger.TotalPoints(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	assert.Zero(t, total)

	for _, infractionType := range []InfractionType{
		InfractionWarn,
		InfractionMute,
		InfractionBan,
	} {
		_, err = ledger.Append(
			ctx, &Infraction{
				GuildID: "guild-1",
				UserID:  "user-1",
				Type:    infractionType,
			},
		)
		require.NoError(t, err)
	}

	total, err = ledger.TotalPoints(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, 8, total)

	// other buckets don't bleed in
	total, err = ledger.TotalPoints(ctx, "guild-1", "user-2")
	require.NoError(t, err)
	assert.Zero(t, total)
}
