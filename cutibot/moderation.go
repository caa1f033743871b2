package cutibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"strings"
	"time"
)

const (
	modLogColorWarn   = 0xF1C40F
	modLogColorAction = 0xE74C3C
	modLogColorUndo   = 0x2ECC71

	warningsListLimit = 10

	purgeFailedMessage = "I couldn't delete those messages. Do I have Manage Messages here?"
)

// Warning is a moderator's warning issued to a guild member
//
//nolint:lll // struct tags can't be split
type Warning struct {
	ModelUintID
	ModelUnixTime
	GuildID     string `json:"guild_id" gorm:"index:idx_warning_guild_user;not null"`
	UserID      string `json:"user_id" gorm:"index:idx_warning_guild_user;not null"`
	ModeratorID string `json:"moderator_id" gorm:"not null"`
	Reason      string `json:"reason" gorm:"type:string"`
}

// Moderator implements the moderation slash commands, and announces
// each action in the mod log channel, if one is configured.
type Moderator struct {
	session         DiscordSessionHandler
	db              DBI
	modLogChannelID string
	botUserID       string
	logger          *slog.Logger
	metrics         *botMetrics
	now             func() time.Time
}

func newModerator(
	session DiscordSessionHandler,
	db DBI,
	cfg *DiscordConfig,
	logger *slog.Logger,
) *Moderator {
	return &Moderator{
		session:         session,
		db:              db,
		modLogChannelID: cfg.ModLogChannelID,
		botUserID:       cfg.ApplicationID,
		logger:          logger,
		now:             time.Now,
	}
}

// optionUser returns the user given for a user-type option, preferring
// the resolved user (which includes the username) when present
func optionUser(i *discordgo.InteractionCreate, name string) (*discordgo.User, error) {
	opt, ok := discordInteractionOptions(i)[name]
	if !ok {
		return nil, newUserError("A user is required.")
	}
	userID, _ := opt.Value.(string)
	if userID == "" {
		return nil, newUserError("A user is required.")
	}
	data := i.ApplicationCommandData()
	if data.Resolved != nil {
		if u, found := data.Resolved.Users[userID]; found && u != nil {
			return u, nil
		}
	}
	return &discordgo.User{ID: userID}, nil
}

func optionString(i *discordgo.InteractionCreate, name string) string {
	if opt, ok := discordInteractionOptions(i)[name]; ok {
		s, _ := opt.Value.(string)
		return strings.TrimSpace(s)
	}
	return ""
}

func optionInt(i *discordgo.InteractionCreate, name string) (int64, bool) {
	if opt, ok := discordInteractionOptions(i)[name]; ok {
		// discord sends numbers as JSON floats
		switch v := opt.Value.(type) {
		case float64:
			return int64(v), true
		case int64:
			return v, true
		case int:
			return int64(v), true
		}
	}
	return 0, false
}

// moderationTarget validates the target user for a moderation command
func (m *Moderator) moderationTarget(i *discordgo.InteractionCreate) (*discordgo.User, error) {
	if err := requireGuild(i); err != nil {
		return nil, err
	}
	target, err := optionUser(i, commandOptionUser)
	if err != nil {
		return nil, err
	}
	actor := getDiscordUser(*i)
	switch {
	case actor != nil && actor.ID == target.ID:
		return nil, newUserError("You can't do that to yourself.")
	case target.ID == m.botUserID:
		return nil, newUserError("Hmph! I'm not doing that to myself.")
	}
	return target, nil
}

func userMention(u *discordgo.User) string {
	return fmt.Sprintf("<@%s>", u.ID)
}

func reasonOrDefault(reason string) string {
	if reason == "" {
		return "no reason given"
	}
	return reason
}

// modLog posts a moderation action to the mod log channel. Failures
// are logged and otherwise ignored.
func (m *Moderator) modLog(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	action string,
	color int,
	target string,
	reason string,
) {
	if m.metrics != nil {
		m.metrics.moderationActions.WithLabelValues(action).Inc()
	}
	if m.modLogChannelID == "" {
		return
	}
	moderator := "unknown"
	if actor := getDiscordUser(*i); actor != nil {
		moderator = fmt.Sprintf("<@%s>", actor.ID)
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Moderator", Value: moderator, Inline: true},
	}
	if target != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Target", Value: target, Inline: true})
	}
	if i.ChannelID != "" {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:   "Channel",
				Value:  fmt.Sprintf("<#%s>", i.ChannelID),
				Inline: true,
			},
		)
	}
	if reason != "" {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:  "Reason",
				Value: truncate(reason, discordMaxEmbedFieldLength),
			},
		)
	}
	_, err := m.session.ChannelMessageSendComplex(
		m.modLogChannelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:     capitalize(action),
					Color:     color,
					Fields:    fields,
					Timestamp: m.now().UTC().Format(time.RFC3339),
				},
			},
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	)
	if err != nil {
		contextLoggerOr(ctx, m.logger).ErrorContext(
			ctx,
			"error sending mod log",
			"action", action,
			tint.Err(err),
		)
	}
}

// commandWarn handles /warn, saving a Warning for the member
func (m *Moderator) commandWarn(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requirePermission(i, discordgo.PermissionModerateMembers); err != nil {
		return err
	}
	target, err := m.moderationTarget(i)
	if err != nil {
		return err
	}
	reason := optionString(i, commandOptionReason)
	if reason == "" {
		return newUserError("A reason is required.")
	}
	warning := &Warning{
		GuildID:     i.GuildID,
		UserID:      target.ID,
		ModeratorID: interactionUserID(i),
		Reason:      reason,
	}
	if _, err = m.db.Create(ctx, warning); err != nil {
		return err
	}
	var count int64
	if err = m.db.DB().WithContext(ctx).Model(&Warning{}).
		Where("guild_id = ? AND user_id = ?", i.GuildID, target.ID).
		Count(&count).Error; err != nil {
		return err
	}
	m.modLog(ctx, i, DiscordSlashCommandWarn, modLogColorWarn, userMention(target), reason)
	return respondPublic(
		ctx,
		h,
		fmt.Sprintf("%s has been warned: %s (warning #%d)", userMention(target), reason, count),
	)
}

// commandWarnings handles /warnings, listing a member's recent warnings
func (m *Moderator) commandWarnings(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requireGuild(i); err != nil {
		return err
	}
	if err := requirePermission(i, discordgo.PermissionModerateMembers); err != nil {
		return err
	}
	target, err := optionUser(i, commandOptionUser)
	if err != nil {
		return err
	}
	var warnings []Warning
	if err = m.db.DB().WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", i.GuildID, target.ID).
		Order("id desc").
		Limit(warningsListLimit).
		Find(&warnings).Error; err != nil {
		return err
	}
	if len(warnings) == 0 {
		return respondEphemeral(ctx, h, fmt.Sprintf("%s has no warnings.", userMention(target)))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Warnings for %s:\n", userMention(target))
	for _, w := range warnings {
		fmt.Fprintf(
			&b,
			"- #%d <t:%d:d> by <@%s>: %s\n",
			w.ID,
			time.UnixMilli(w.CreatedAt).Unix(),
			w.ModeratorID,
			w.Reason,
		)
	}
	return respondEphemeral(ctx, h, b.String())
}

// commandUnwarn handles /unwarn, deleting one of this guild's warnings
func (m *Moderator) commandUnwarn(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requireGuild(i); err != nil {
		return err
	}
	if err := requirePermission(i, discordgo.PermissionModerateMembers); err != nil {
		return err
	}
	id, ok := optionInt(i, commandOptionWarningID)
	if !ok || id < 1 {
		return newUserError("Give me a warning number from /warnings.")
	}
	var warning Warning
	err := m.db.DB().WithContext(ctx).
		Where("id = ? AND guild_id = ?", id, i.GuildID).
		Take(&warning).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newUserError(fmt.Sprintf("Warning #%d not found.", id))
	}
	if err != nil {
		return err
	}
	if _, err = m.db.Delete(ctx, &Warning{}, "id = ? AND guild_id = ?", id, i.GuildID); err != nil {
		return fmt.Errorf("error deleting warning: %w", err)
	}
	m.modLog(
		ctx,
		i,
		DiscordSlashCommandUnwarn,
		modLogColorUndo,
		fmt.Sprintf("<@%s>", warning.UserID),
		warning.Reason,
	)
	return respondPublic(
		ctx,
		h,
		fmt.Sprintf("Removed warning #%d from <@%s>.", id, warning.UserID),
	)
}

// commandKick handles /kick
func (m *Moderator) commandKick(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requirePermission(i, discordgo.PermissionKickMembers); err != nil {
		return err
	}
	target, err := m.moderationTarget(i)
	if err != nil {
		return err
	}
	reason := optionString(i, commandOptionReason)
	if err = m.session.GuildMemberDeleteWithReason(
		i.GuildID,
		target.ID,
		reasonOrDefault(reason),
	); err != nil {
		return fmt.Errorf("error kicking member: %w", err)
	}
	m.modLog(ctx, i, DiscordSlashCommandKick, modLogColorAction, userMention(target), reason)
	return respondPublic(ctx, h, fmt.Sprintf("Kicked %s.", userMention(target)))
}

// commandBan handles /ban
func (m *Moderator) commandBan(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requirePermission(i, discordgo.PermissionBanMembers); err != nil {
		return err
	}
	target, err := m.moderationTarget(i)
	if err != nil {
		return err
	}
	reason := optionString(i, commandOptionReason)
	days, _ := optionInt(i, commandOptionDeleteDays)
	days = min(max(days, 0), 7)
	if err = m.session.GuildBanCreateWithReason(
		i.GuildID,
		target.ID,
		reasonOrDefault(reason),
		int(days),
	); err != nil {
		return fmt.Errorf("error banning user: %w", err)
	}
	m.modLog(ctx, i, DiscordSlashCommandBan, modLogColorAction, userMention(target), reason)
	return respondPublic(ctx, h, fmt.Sprintf("Banned %s.", userMention(target)))
}

// commandUnban handles /unban
func (m *Moderator) commandUnban(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requireGuild(i); err != nil {
		return err
	}
	if err := requirePermission(i, discordgo.PermissionBanMembers); err != nil {
		return err
	}
	userID := strings.Trim(optionString(i, commandOptionUserID), "<@!>")
	if userID == "" {
		return newUserError("A user ID is required.")
	}
	if err := m.session.GuildBanDelete(i.GuildID, userID); err != nil {
		return fmt.Errorf("error removing ban: %w", err)
	}
	target := &discordgo.User{ID: userID}
	m.modLog(ctx, i, DiscordSlashCommandUnban, modLogColorUndo, userMention(target), "")
	return respondPublic(ctx, h, fmt.Sprintf("Unbanned %s.", userMention(target)))
}

// commandMute handles /mute, timing out the member
func (m *Moderator) commandMute(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requirePermission(i, discordgo.PermissionModerateMembers); err != nil {
		return err
	}
	target, err := m.moderationTarget(i)
	if err != nil {
		return err
	}
	minutes, ok := optionInt(i, commandOptionMinutes)
	if !ok || minutes < 1 || minutes > int64(maxMuteMinutes) {
		return newUserError(fmt.Sprintf("Minutes must be between 1 and %d.", maxMuteMinutes))
	}
	duration := time.Duration(minutes) * time.Minute
	until := m.now().Add(duration)
	reason := optionString(i, commandOptionReason)
	if err = m.session.GuildMemberTimeout(
		i.GuildID,
		target.ID,
		&until,
		discordgo.WithAuditLogReason(reasonOrDefault(reason)),
	); err != nil {
		return fmt.Errorf("error timing out member: %w", err)
	}
	m.modLog(
		ctx,
		i,
		DiscordSlashCommandMute,
		modLogColorAction,
		fmt.Sprintf("%s (%s)", userMention(target), duration),
		reason,
	)
	return respondPublic(
		ctx,
		h,
		fmt.Sprintf("Muted %s until <t:%d:t>.", userMention(target), until.Unix()),
	)
}

// commandUnmute handles /unmute, removing the member's timeout
func (m *Moderator) commandUnmute(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requirePermission(i, discordgo.PermissionModerateMembers); err != nil {
		return err
	}
	target, err := m.moderationTarget(i)
	if err != nil {
		return err
	}
	if err = m.session.GuildMemberTimeout(i.GuildID, target.ID, nil); err != nil {
		return fmt.Errorf("error removing timeout: %w", err)
	}
	m.modLog(ctx, i, DiscordSlashCommandUnmute, modLogColorUndo, userMention(target), "")
	return respondPublic(ctx, h, fmt.Sprintf("Unmuted %s.", userMention(target)))
}

// commandPurge handles /purge. Messages older than two weeks can't be
// bulk deleted, and are skipped.
func (m *Moderator) commandPurge(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requireGuild(i); err != nil {
		return err
	}
	if err := requirePermission(i, discordgo.PermissionManageMessages); err != nil {
		return err
	}
	amount, ok := optionInt(i, commandOptionAmount)
	if !ok || amount < 1 || amount > discordMaxPurgeMessages {
		return newUserError(
			fmt.Sprintf("Amount must be between 1 and %d.", discordMaxPurgeMessages),
		)
	}
	// listing and bulk-deleting can outlast the initial response window
	if err := h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	); err != nil {
		return err
	}

	deleted, err := m.purgeMessages(i.ChannelID, int(amount))
	if err != nil {
		// the interaction is already acknowledged, so report failure by
		// editing the deferred response
		h.Logger().ErrorContext(ctx, "error purging messages", tint.Err(err))
		return editResponse(ctx, h, purgeFailedMessage)
	}
	m.modLog(
		ctx,
		i,
		DiscordSlashCommandPurge,
		modLogColorAction,
		fmt.Sprintf("%d messages", deleted),
		"",
	)
	return editResponse(ctx, h, fmt.Sprintf("Deleted %d messages.", deleted))
}

// purgeMessages bulk-deletes up to amount recent messages in the
// channel, skipping any too old for bulk deletion
func (m *Moderator) purgeMessages(channelID string, amount int) (int, error) {
	messages, err := m.session.ChannelMessages(channelID, amount, "", "", "")
	if err != nil {
		return 0, fmt.Errorf("error listing messages: %w", err)
	}
	cutoff := m.now().Add(-discordBulkDeleteMaxAge)
	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		if msg.Timestamp.After(cutoff) {
			ids = append(ids, msg.ID)
		}
	}
	if len(ids) > 0 {
		if err = m.session.ChannelMessagesBulkDelete(channelID, ids); err != nil {
			return 0, fmt.Errorf("error deleting messages: %w", err)
		}
	}
	return len(ids), nil
}

// setChannelSendLock sets or removes an @everyone overwrite denying
// SendMessages in the interaction's channel. Other permission bits in
// the overwrite are preserved.
func (m *Moderator) setChannelSendLock(i *discordgo.InteractionCreate, locked bool) error {
	channel, err := m.session.Channel(i.ChannelID)
	if err != nil {
		return fmt.Errorf("error getting channel: %w", err)
	}
	// the @everyone role ID is the guild ID
	everyoneID := i.GuildID
	var allow, deny int64
	for _, ow := range channel.PermissionOverwrites {
		if ow != nil && ow.ID == everyoneID && ow.Type == discordgo.PermissionOverwriteTypeRole {
			allow, deny = ow.Allow, ow.Deny
			break
		}
	}
	if locked {
		allow &^= discordgo.PermissionSendMessages
		deny |= discordgo.PermissionSendMessages
	} else {
		deny &^= discordgo.PermissionSendMessages
	}
	return m.session.ChannelPermissionSet(
		i.ChannelID,
		everyoneID,
		discordgo.PermissionOverwriteTypeRole,
		allow,
		deny,
	)
}

// commandLock handles /lock
func (m *Moderator) commandLock(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requireGuild(i); err != nil {
		return err
	}
	if err := requirePermission(i, discordgo.PermissionManageChannels); err != nil {
		return err
	}
	if err := m.setChannelSendLock(i, true); err != nil {
		return err
	}
	m.modLog(ctx, i, DiscordSlashCommandLock, modLogColorAction, "", "")
	return respondPublic(ctx, h, "🔒 This channel is locked.")
}

// commandUnlock handles /unlock
func (m *Moderator) commandUnlock(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requireGuild(i); err != nil {
		return err
	}
	if err := requirePermission(i, discordgo.PermissionManageChannels); err != nil {
		return err
	}
	if err := m.setChannelSendLock(i, false); err != nil {
		return err
	}
	m.modLog(ctx, i, DiscordSlashCommandUnlock, modLogColorUndo, "", "")
	return respondPublic(ctx, h, "🔓 This channel is unlocked.")
}
