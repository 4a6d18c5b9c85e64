package arvo

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

const (
	columnInfractionGuildID   = "guild_id"
	columnInfractionUserID    = "user_id"
	columnInfractionDisplayID = "display_id"

	infractionDisplayIDLength = 8
)

// InfractionType enumerates the recordable moderation outcomes.
type InfractionType string

const (
	InfractionWarn             InfractionType = "warn"
	InfractionMute             InfractionType = "mute"
	InfractionKick             InfractionType = "kick"
	InfractionBan              InfractionType = "ban"
	InfractionStaffWarning     InfractionType = "staff_warning"
	InfractionStaffStrike      InfractionType = "staff_strike"
	InfractionStaffTermination InfractionType = "staff_termination"
)

// defaultInfractionPoints weights each infraction type for history
// summaries.
var defaultInfractionPoints = map[InfractionType]int{
	InfractionWarn:             1,
	InfractionMute:             2,
	InfractionKick:             3,
	InfractionBan:              5,
	InfractionStaffWarning:     1,
	InfractionStaffStrike:      2,
	InfractionStaffTermination: 5,
}

// Infraction is one append-only ledger entry. The row ID is the global
// identifier; DisplayID is a short token scoped to the (guild, user)
// bucket, used in user-facing embeds.
type Infraction struct {
	ModelUintID
	ModelUnixTime

	DisplayID   string         `json:"display_id" gorm:"column:display_id;index:idx_infraction_bucket"`
	GuildID     string         `json:"guild_id" gorm:"column:guild_id;index:idx_infraction_bucket;index:idx_infraction_user"`
	UserID      string         `json:"user_id" gorm:"column:user_id;index:idx_infraction_bucket;index:idx_infraction_user"`
	Type        InfractionType `json:"type" gorm:"column:type"`
	Reason      string         `json:"reason" gorm:"column:reason"`
	ModeratorID string         `json:"moderator_id" gorm:"column:moderator_id"`
	Duration    Duration       `json:"duration,omitempty" gorm:"column:duration"`
	Points      int            `json:"points" gorm:"column:points"`
}

func (Infraction) TableName() string {
	return "infractions"
}

func (i Infraction) LogValue() slog.Value {
	return structToSlogValue(i)
}

// InfractionLedger is the append-only per-(guild, user) history. There is
// deliberately no update or delete operation.
type InfractionLedger struct {
	db     DBI
	logger *slog.Logger
}

func NewInfractionLedger(db DBI, logger *slog.Logger) *InfractionLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &InfractionLedger{
		db:     db,
		logger: logger.With(loggerNameKey, "infractions"),
	}
}

// Append records an infraction and returns its display token. The write
// runs in its own transaction; the moderation pipeline shares one with
// the action state update through appendIn instead.
func (l *InfractionLedger) Append(
	ctx context.Context,
	infraction *Infraction,
) (string, error) {
	var displayID string
	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var txErr error
			displayID, txErr = l.appendIn(tx, infraction)
			return txErr
		},
	)
	if err != nil {
		return "", err
	}
	return displayID, nil
}

// appendIn validates and writes one infraction row on the given
// transaction. The display token is regenerated on the rare collision
// within the same (guild, user) bucket. Points default by type when
// unset.
func (l *InfractionLedger) appendIn(
	tx *gorm.DB,
	infraction *Infraction,
) (string, error) {
	if infraction.GuildID == "" {
		return "", &ValidationError{Field: "guild_id", Detail: "must not be empty"}
	}
	if infraction.UserID == "" {
		return "", &ValidationError{Field: "user_id", Detail: "must not be empty"}
	}
	if infraction.Points == 0 {
		infraction.Points = defaultInfractionPoints[infraction.Type]
	}

	for attempt := 0; attempt < 3; attempt++ {
		displayID, err := generateRandomHexString(infractionDisplayIDLength)
		if err != nil {
			return "", fmt.Errorf("error generating infraction id: %w", err)
		}

		var existing int64
		err = tx.Model(&Infraction{}).Where(
			fmt.Sprintf(
				"%s = ? AND %s = ? AND %s = ?",
				columnInfractionGuildID,
				columnInfractionUserID,
				columnInfractionDisplayID,
			),
			infraction.GuildID,
			infraction.UserID,
			displayID,
		).Count(&existing).Error
		if err != nil {
			return "", &PersistenceError{Op: "infraction.check_id", Err: err}
		}
		if existing > 0 {
			l.logger.Warn(
				"infraction display id collision, regenerating",
				"display_id", displayID,
				"guild_id", infraction.GuildID,
				columnInfractionUserID, infraction.UserID,
			)
			continue
		}

		infraction.DisplayID = displayID
		if err = tx.Create(infraction).Error; err != nil {
			return "", &PersistenceError{Op: "infraction.append", Err: err}
		}
		return displayID, nil
	}

	return "", &PersistenceError{
		Op:  "infraction.append",
		Err: fmt.Errorf("could not generate a unique display id"),
	}
}

// List returns the infractions for one (guild, user) bucket, newest
// first.
func (l *InfractionLedger) List(
	ctx context.Context,
	guildID string,
	userID string,
) ([]Infraction, error) {
	var infractions []Infraction
	err := l.db.DB().WithContext(ctx).Where(
		fmt.Sprintf(
			"%s = ? AND %s = ?",
			columnInfractionGuildID,
			columnInfractionUserID,
		),
		guildID,
		userID,
	).Order("created_at desc, id desc").Find(&infractions).Error
	if err != nil {
		return nil, &PersistenceError{Op: "infraction.list", Err: err}
	}
	return infractions, nil
}

// TotalPoints sums the point weights of a member's infractions.
func (l *InfractionLedger) TotalPoints(
	ctx context.Context,
	guildID string,
	userID string,
) (int, error) {
	var total int64
	err := l.db.DB().WithContext(ctx).Model(&Infraction{}).Where(
		fmt.Sprintf(
			"%s = ? AND %s = ?",
			columnInfractionGuildID,
			columnInfractionUserID,
		),
		guildID,
		userID,
	).Select("COALESCE(SUM(points), 0)").Scan(&total).Error
	if err != nil {
		return 0, &PersistenceError{Op: "infraction.total_points", Err: err}
	}
	return int(total), nil
}
