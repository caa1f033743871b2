package cutibot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	customIDFormat = "%s:%d"

	refereeClaimCustomIDPrefix  = "referee_claim"
	refereeCancelCustomIDPrefix = "referee_cancel"

	warColorVacant  = 0xE67E22
	warColorClaimed = 0x3498DB
)

func refereeCustomID(prefix string, warID uint) string {
	return fmt.Sprintf(customIDFormat, prefix, warID)
}

// parseRefereeCustomID splits a referee button custom ID into its
// action prefix and war ID
func parseRefereeCustomID(customID string) (prefix string, warID uint, ok bool) {
	prefix, idStr, found := strings.Cut(customID, ":")
	if !found {
		return "", 0, false
	}
	if prefix != refereeClaimCustomIDPrefix && prefix != refereeCancelCustomIDPrefix {
		return "", 0, false
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil || id == 0 {
		return "", 0, false
	}
	return prefix, uint(id), true
}

func warEmbed(war *War) *discordgo.MessageEmbed {
	referee := "*none yet*"
	color := warColorVacant
	if war.Referee != nil {
		referee = fmt.Sprintf("<@%s>", *war.Referee)
		color = warColorClaimed
	}
	return &discordgo.MessageEmbed{
		Title: fmt.Sprintf("War #%d", war.ID),
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Teams", Value: fmt.Sprintf("%s vs %s", war.TeamA, war.TeamB)},
			{Name: "Time", Value: war.ScheduledTime, Inline: true},
			{Name: "Referee", Value: referee, Inline: true},
		},
	}
}

const (
	refereeClaimButtonLabel  = "Claim referee"
	refereeCancelButtonLabel = "Cancel referee"
)

func warComponents(war *War) []discordgo.MessageComponent {
	claimed := war.Referee != nil
	buttons := []discordgo.MessageComponent{
		discordgo.Button{
			Label:    refereeClaimButtonLabel,
			Style:    discordgo.SuccessButton,
			CustomID: refereeCustomID(refereeClaimCustomIDPrefix, war.ID),
			Disabled: claimed,
		},
		discordgo.Button{
			Label:    refereeCancelButtonLabel,
			Style:    discordgo.DangerButton,
			CustomID: refereeCustomID(refereeCancelCustomIDPrefix, war.ID),
			Disabled: !claimed,
		},
	}

	rows := chunkItems(discordMaxButtonsPerActionRow, buttons...)
	components := make([]discordgo.MessageComponent, 0, len(rows))
	for _, r := range rows {
		components = append(components, discordgo.ActionsRow{Components: r})
	}
	return components
}

// warDiscordRenderer renders wars as discord messages with claim/cancel
// buttons
type warDiscordRenderer struct {
	session          DiscordSessionHandler
	refereeChannelID string
	logger           *slog.Logger
}

// RenderWar edits the war's message to match its current state
func (r *warDiscordRenderer) RenderWar(_ context.Context, war *War) error {
	if war.MessageID == "" || war.ChannelID == "" {
		return nil
	}
	embeds := []*discordgo.MessageEmbed{warEmbed(war)}
	components := warComponents(war)
	_, err := r.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         war.MessageID,
			Channel:    war.ChannelID,
			Embeds:     &embeds,
			Components: &components,
		},
	)
	return err
}

// NotifyRefereeNeeded posts to the referee channel, or the war's own
// channel if none is configured
func (r *warDiscordRenderer) NotifyRefereeNeeded(
	_ context.Context,
	war *War,
	previousReferee string,
) error {
	channelID := r.refereeChannelID
	if channelID == "" {
		channelID = war.ChannelID
	}
	if channelID == "" {
		return nil
	}
	_, err := r.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content: fmt.Sprintf(
				"War #%d (%s vs %s, %s) needs a new referee! <@%s> can't make it.",
				war.ID,
				war.TeamA,
				war.TeamB,
				war.ScheduledTime,
				previousReferee,
			),
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	)
	return err
}

// userRateLimiter keeps one rate.Limiter per user
type userRateLimiter struct {
	mu       sync.Mutex
	every    time.Duration
	limiters map[string]*rate.Limiter
}

func newUserRateLimiter(every time.Duration) *userRateLimiter {
	return &userRateLimiter{every: every, limiters: map[string]*rate.Limiter{}}
}

// Allow reports whether the user may act now
func (u *userRateLimiter) Allow(userID string) bool {
	if u == nil || u.every <= 0 {
		return true
	}
	u.mu.Lock()
	limiter, ok := u.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(u.every), 1)
		u.limiters[userID] = limiter
	}
	u.mu.Unlock()
	return limiter.Allow()
}

// commandWar handles /war, creating a war and posting it with
// claim/cancel buttons
func (b *Bot) commandWar(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requireGuild(i); err != nil {
		return err
	}
	war, err := b.referee.CreateWar(
		ctx,
		NewWar{
			GuildID:       i.GuildID,
			ChannelID:     i.ChannelID,
			TeamA:         optionString(i, commandOptionTeamA),
			TeamB:         optionString(i, commandOptionTeamB),
			ScheduledTime: optionString(i, commandOptionTime),
			CreatedBy:     interactionUserID(i),
		},
	)
	if err != nil {
		return err
	}

	msg, err := b.discord.session.ChannelMessageSendComplex(
		i.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{warEmbed(war)},
			Components: warComponents(war),
		},
	)
	if err != nil {
		return fmt.Errorf("error posting war: %w", err)
	}
	if err = b.referee.AttachMessage(ctx, war, msg.ID); err != nil {
		return fmt.Errorf("error saving war message: %w", err)
	}
	return respondEphemeral(ctx, h, fmt.Sprintf("War #%d posted!", war.ID))
}

// handleRefereeButton handles presses of a war's claim/cancel buttons
func (b *Bot) handleRefereeButton(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	prefix, warID, ok := parseRefereeCustomID(i.MessageComponentData().CustomID)
	if !ok {
		return newUserError("I don't know what that button is for.")
	}
	actorID := interactionUserID(i)
	if actorID == "" {
		return newUserError("I couldn't tell who you are.")
	}
	if !b.buttonLimiter.Allow(actorID) {
		return newUserError("Slow down! Try again in a moment.")
	}

	switch prefix {
	case refereeClaimCustomIDPrefix:
		war, err := b.referee.Claim(ctx, warID, actorID)
		if err != nil {
			return err
		}
		return respondEphemeral(ctx, h, fmt.Sprintf("You're refereeing war #%d!", war.ID))
	default:
		canOverride := memberHasPermission(i, discordgo.PermissionManageServer)
		war, err := b.referee.Cancel(ctx, warID, actorID, canOverride)
		if err != nil {
			return err
		}
		return respondEphemeral(
			ctx,
			h,
			fmt.Sprintf("War #%d no longer has a referee.", war.ID),
		)
	}
}
