package cutibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"strings"
)

const (
	warStateVacant  = "vacant"
	warStateClaimed = "claimed"

	columnWarReferee   = "referee"
	columnWarMessageID = "message_id"

	warCounterID = 1
)

// War is a scheduled match between two teams, which needs a referee.
// A war's referee moves between unset (vacant) and set (claimed) any
// number of times. Wars are never deleted.
//
//nolint:lll // struct tags can't be split
type War struct {
	ModelUintID
	ModelUnixTime

	GuildID   string `json:"guild_id" gorm:"index;type:string"`
	ChannelID string `json:"channel_id" gorm:"type:string"`

	// MessageID is the discord message rendering this war, which is
	// edited on each state change
	MessageID string `json:"message_id" gorm:"type:string"`

	TeamA         string `json:"team_a" gorm:"not null"`
	TeamB         string `json:"team_b" gorm:"not null"`
	ScheduledTime string `json:"scheduled_time" gorm:"not null"`
	CreatedBy     string `json:"created_by" gorm:"type:string"`

	// Referee is the discord user ID of the current referee, if any
	Referee *string `json:"referee" gorm:"index"`
}

// RefereeID returns the current referee, or "" if vacant
func (w War) RefereeID() string {
	return stringPointerValue(w.Referee)
}

// State returns "vacant" or "claimed"
func (w War) State() string {
	if w.Referee == nil {
		return warStateVacant
	}
	return warStateClaimed
}

func (w War) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(w.ID)),
		slog.String("team_a", w.TeamA),
		slog.String("team_b", w.TeamB),
		slog.String("state", w.State()),
		slog.String("referee", w.RefereeID()),
	)
}

// WarCounter holds the last assigned War ID. It's a single row, updated
// in the same transaction that creates the war.
type WarCounter struct {
	ID    uint `gorm:"primaryKey"`
	Value uint `gorm:"not null;default:0"`
}

// warRenderer updates the outside world when a war changes
type warRenderer interface {
	// RenderWar refreshes the war's message to reflect its current state
	RenderWar(ctx context.Context, war *War) error

	// NotifyRefereeNeeded announces that a war lost its referee
	NotifyRefereeNeeded(ctx context.Context, war *War, previousReferee string) error
}

// NewWar holds the fields needed to create a War
type NewWar struct {
	GuildID       string
	ChannelID     string
	TeamA         string
	TeamB         string
	ScheduledTime string
	CreatedBy     string
}

// RefereeService creates wars and moves their referee between vacant
// and claimed. Each transition is checked and persisted in a single
// transaction, then rendered. Render and notification failures are
// logged, and never undo a persisted transition.
type RefereeService struct {
	db       DBI
	renderer warRenderer
	logger   *slog.Logger
	metrics  *botMetrics
}

func NewRefereeService(db DBI, renderer warRenderer, logger *slog.Logger) *RefereeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefereeService{db: db, renderer: renderer, logger: logger}
}

// CreateWar assigns the next war ID and saves a new, vacant war
func (s *RefereeService) CreateWar(ctx context.Context, req NewWar) (*War, error) {
	war := &War{
		GuildID:       req.GuildID,
		ChannelID:     req.ChannelID,
		TeamA:         strings.TrimSpace(req.TeamA),
		TeamB:         strings.TrimSpace(req.TeamB),
		ScheduledTime: strings.TrimSpace(req.ScheduledTime),
		CreatedBy:     req.CreatedBy,
	}
	switch {
	case war.TeamA == "" || war.TeamB == "":
		return nil, newUserError("Both teams are required.")
	case war.ScheduledTime == "":
		return nil, newUserError("A scheduled time is required.")
	case strings.EqualFold(war.TeamA, war.TeamB):
		return nil, newUserError("A team can't fight itself.")
	}

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			counter := WarCounter{ID: warCounterID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&counter).Error; err != nil {
				return fmt.Errorf("error creating war counter: %w", err)
			}
			rv := tx.Model(&WarCounter{}).
				Where("id = ?", warCounterID).
				Update("value", gorm.Expr("value + 1"))
			if rv.Error != nil {
				return fmt.Errorf("error incrementing war counter: %w", rv.Error)
			}
			if err := tx.First(&counter, warCounterID).Error; err != nil {
				return err
			}
			war.ID = counter.Value
			return tx.Create(war).Error
		},
	)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "created war", "war", war)
	return war, nil
}

// AttachMessage records the discord message which renders the war
func (s *RefereeService) AttachMessage(ctx context.Context, war *War, messageID string) error {
	_, err := s.db.Updates(ctx, war, map[string]any{columnWarMessageID: messageID})
	if err == nil {
		war.MessageID = messageID
	}
	return err
}

// Get returns the war with the given ID, or ErrWarNotFound
func (s *RefereeService) Get(ctx context.Context, id uint) (*War, error) {
	return loadWar(s.db.DB().WithContext(ctx), id)
}

// List returns wars, newest first. If guildID is set, only that
// guild's wars are returned. If vacantOnly is set, only wars without
// a referee are returned.
func (s *RefereeService) List(
	ctx context.Context,
	guildID string,
	vacantOnly bool,
	limit int,
) ([]War, error) {
	q := s.db.DB().WithContext(ctx).Order("id desc")
	if guildID != "" {
		q = q.Where("guild_id = ?", guildID)
	}
	if vacantOnly {
		q = q.Where("referee IS NULL")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var wars []War
	err := q.Find(&wars).Error
	return wars, err
}

func loadWar(db *gorm.DB, id uint) (*War, error) {
	var war War
	if err := db.First(&war, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWarNotFound
		}
		return nil, err
	}
	return &war, nil
}

// Claim makes actorID the war's referee. It fails with ErrWarNotFound
// or ErrAlreadyClaimed, in which case nothing changes.
func (s *RefereeService) Claim(ctx context.Context, id uint, actorID string) (*War, error) {
	var war *War
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			w, err := loadWar(tx, id)
			if err != nil {
				return err
			}
			if w.Referee != nil {
				return ErrAlreadyClaimed
			}
			rv := tx.Model(&War{}).
				Where("id = ? AND referee IS NULL", id).
				Update(columnWarReferee, actorID)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return ErrAlreadyClaimed
			}
			war, err = loadWar(tx, id)
			return err
		},
	)
	s.recordAction("claim", err)
	if err != nil {
		return nil, err
	}

	log := contextLoggerOr(ctx, s.logger)
	log.InfoContext(ctx, "war claimed", "war", war, "actor", actorID)
	if s.renderer != nil {
		if rerr := s.renderer.RenderWar(ctx, war); rerr != nil {
			log.ErrorContext(ctx, "error rendering war", "war", war, tint.Err(rerr))
		}
	}
	return war, nil
}

// Cancel removes the war's referee. Only the current referee may
// cancel, unless canOverride is set. It fails with ErrWarNotFound,
// ErrNotClaimed or ErrForbidden, in which case nothing changes.
// On success, a 'referee needed' notification is sent.
func (s *RefereeService) Cancel(
	ctx context.Context,
	id uint,
	actorID string,
	canOverride bool,
) (*War, error) {
	var war *War
	var previous string
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			w, err := loadWar(tx, id)
			if err != nil {
				return err
			}
			if w.Referee == nil {
				return ErrNotClaimed
			}
			previous = *w.Referee
			if previous != actorID && !canOverride {
				return ErrForbidden
			}
			rv := tx.Model(&War{}).
				Where("id = ? AND referee = ?", id, previous).
				Update(columnWarReferee, nil)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return ErrNotClaimed
			}
			war, err = loadWar(tx, id)
			return err
		},
	)
	s.recordAction("cancel", err)
	if err != nil {
		return nil, err
	}

	log := contextLoggerOr(ctx, s.logger)
	log.InfoContext(
		ctx,
		"war referee cancelled",
		"war", war,
		"actor", actorID,
		"previous_referee", previous,
	)
	if s.renderer != nil {
		if rerr := s.renderer.RenderWar(ctx, war); rerr != nil {
			log.ErrorContext(ctx, "error rendering war", "war", war, tint.Err(rerr))
		}
		if nerr := s.renderer.NotifyRefereeNeeded(ctx, war, previous); nerr != nil {
			log.ErrorContext(
				ctx,
				"error sending referee needed notification",
				"war", war,
				tint.Err(nerr),
			)
		}
	}
	return war, nil
}

func (s *RefereeService) recordAction(action string, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrWarNotFound):
		result = "not_found"
	case errors.Is(err, ErrAlreadyClaimed):
		result = "already_claimed"
	case errors.Is(err, ErrNotClaimed):
		result = "not_claimed"
	case errors.Is(err, ErrForbidden):
		result = "forbidden"
	default:
		result = "error"
	}
	s.metrics.refereeActions.WithLabelValues(action, result).Inc()
}
