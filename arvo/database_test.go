package arvo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDatabaseTransactionRollsBack(t *testing.T) {
	db := newTestWriteDB(t)
	ctx := context.Background()

	boom := errors.New("abort after create")
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			createErr := tx.Create(
				&Infraction{
					GuildID: "guild-1",
					UserID:  "member-1",
					Type:    InfractionWarn,
					Points:  1,
				},
			).Error
			if createErr != nil {
				return createErr
			}
			return boom
		},
	)
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, db.DB().Model(&Infraction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDatabaseSaveOmitsColumns(t *testing.T) {
	db := newTestWriteDB(t)
	ctx := context.Background()

	settings := &BotSettings{
		AdminUsername: "admin",
		AdminPassword: "hashed",
		LogLevel:      DBLogLevelInfo,
	}
	_, err := db.Create(ctx, settings)
	require.NoError(t, err)

	settings.AdminPassword = "clobbered"
	settings.LogLevel = DBLogLevelDebug
	_, err = db.Save(ctx, settings, columnBotSettingsAdminPassword)
	require.NoError(t, err)

	var stored BotSettings
	require.NoError(t, db.DB().Last(&stored).Error)
	assert.Equal(t, DBLogLevelDebug, stored.LogLevel)
	assert.Equal(t, "hashed", stored.AdminPassword)
}

func TestDatabaseUpdatesWhere(t *testing.T) {
	db := newTestWriteDB(t)
	ctx := context.Background()

	for _, state := range []ModerationActionState{
		ModerationActionStateAwaitingConfirmation,
		ModerationActionStateAwaitingConfirmation,
		ModerationActionStateNotified,
	} {
		_, err := db.Create(
			ctx,
			&ModerationAction{GuildID: "guild-1", State: state},
		)
		require.NoError(t, err)
	}

	rows, err := db.UpdatesWhere(
		ctx,
		&ModerationAction{},
		map[string]any{columnModerationActionState: ModerationActionStateTimedOut},
		"state = ?",
		ModerationActionStateAwaitingConfirmation,
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)

	var untouched ModerationAction
	require.NoError(
		t,
		db.DB().Where(
			"state = ?",
			ModerationActionStateNotified,
		).First(&untouched).Error,
	)
}
