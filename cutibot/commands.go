package cutibot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"time"
)

const (
	DiscordSlashCommandSetChannel   = "setchannel"
	DiscordSlashCommandClearChannel = "clearchannel"
	DiscordSlashCommandReset        = "reset"
	DiscordSlashCommandResetAll     = "resetall"
	DiscordSlashCommandWar          = "war"
	DiscordSlashCommandWarn         = "warn"
	DiscordSlashCommandWarnings     = "warnings"
	DiscordSlashCommandUnwarn       = "unwarn"
	DiscordSlashCommandKick         = "kick"
	DiscordSlashCommandBan          = "ban"
	DiscordSlashCommandUnban        = "unban"
	DiscordSlashCommandMute         = "mute"
	DiscordSlashCommandUnmute       = "unmute"
	DiscordSlashCommandPurge        = "purge"
	DiscordSlashCommandLock         = "lock"
	DiscordSlashCommandUnlock       = "unlock"
	DiscordSlashCommandPing         = "ping"

	commandOptionChannel    = "channel"
	commandOptionUser       = "user"
	commandOptionUserID     = "user_id"
	commandOptionReason     = "reason"
	commandOptionMinutes    = "minutes"
	commandOptionAmount     = "amount"
	commandOptionWarningID  = "warning_id"
	commandOptionDeleteDays = "delete_days"
	commandOptionTeamA      = "team_a"
	commandOptionTeamB      = "team_b"
	commandOptionTime       = "time"

	maxMuteMinutes = int(discordMaxTimeout / time.Minute)
)

func permissionPtr(p int64) *int64 {
	return &p
}

func boolPtr(b bool) *bool {
	return &b
}

func floatPtr(f float64) *float64 {
	return &f
}

func userOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        commandOptionUser,
		Description: description,
		Required:    true,
	}
}

func reasonOption(required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        commandOptionReason,
		Description: "Reason (shown in the audit and mod logs)",
		Required:    required,
		MaxLength:   400,
	}
}

// appCommands returns every slash command the bot registers
func appCommands() []*discordgo.ApplicationCommand {
	guildOnly := boolPtr(false)
	return []*discordgo.ApplicationCommand{
		{
			Name:                     DiscordSlashCommandSetChannel,
			Description:              "Only reply to mentions in this channel",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionManageServer),
			DMPermission:             guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         commandOptionChannel,
					Description:  "Chat channel",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
			},
		},
		{
			Name:                     DiscordSlashCommandClearChannel,
			Description:              "Reply to mentions in any channel",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionManageServer),
			DMPermission:             guildOnly,
		},
		{
			Name:        DiscordSlashCommandReset,
			Description: "Make me forget our conversation",
		},
		{
			Name:                     DiscordSlashCommandResetAll,
			Description:              "Forget every conversation",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionAdministrator),
			DMPermission:             guildOnly,
		},
		{
			Name:         DiscordSlashCommandWar,
			Description:  "Schedule a war, and ask for a referee",
			DMPermission: guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionTeamA,
					Description: "First team",
					Required:    true,
					MaxLength:   100,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionTeamB,
					Description: "Second team",
					Required:    true,
					MaxLength:   100,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionTime,
					Description: "When the war starts",
					Required:    true,
					MaxLength:   100,
				},
			},
		},
		{
			Name:                     DiscordSlashCommandWarn,
			Description:              "Warn a member",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionModerateMembers),
			DMPermission:             guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				userOption("Member to warn"),
				reasonOption(true),
			},
		},
		{
			Name:                     DiscordSlashCommandWarnings,
			Description:              "List a member's warnings",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionModerateMembers),
			DMPermission:             guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				userOption("Member"),
			},
		},
		{
			Name:                     DiscordSlashCommandUnwarn,
			Description:              "Remove a warning",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionModerateMembers),
			DMPermission:             guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionWarningID,
					Description: "Warning number, from /warnings",
					Required:    true,
					MinValue:    floatPtr(1),
				},
			},
		},
		{
			Name:                     DiscordSlashCommandKick,
			Description:              "Kick a member",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionKickMembers),
			DMPermission:             guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				userOption("Member to kick"),
				reasonOption(false),
			},
		},
		{
			Name:                     DiscordSlashCommandBan,
			Description:              "Ban a user",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionBanMembers),
			DMPermission:             guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				userOption("User to ban"),
				reasonOption(false),
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionDeleteDays,
					Description: "Delete this many days of their messages",
					MinValue:    floatPtr(0),
					MaxValue:    7,
				},
			},
		},
		{
			Name:                     DiscordSlashCommandUnban,
			Description:              "Unban a user",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionBanMembers),
			DMPermission:             guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionUserID,
					Description: "ID of the user to unban",
					Required:    true,
				},
			},
		},
		{
			Name:                     DiscordSlashCommandMute,
			Description:              "Time out a member",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionModerateMembers),
			DMPermission:             guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				userOption("Member to mute"),
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionMinutes,
					Description: "Duration, in minutes",
					Required:    true,
					MinValue:    floatPtr(1),
					MaxValue:    float64(maxMuteMinutes),
				},
				reasonOption(false),
			},
		},
		{
			Name:                     DiscordSlashCommandUnmute,
			Description:              "Remove a member's timeout",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionModerateMembers),
			DMPermission:             guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				userOption("Member to unmute"),
			},
		},
		{
			Name:                     DiscordSlashCommandPurge,
			Description:              "Delete recent messages in this channel",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionManageMessages),
			DMPermission:             guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionAmount,
					Description: "Number of messages to delete",
					Required:    true,
					MinValue:    floatPtr(1),
					MaxValue:    discordMaxPurgeMessages,
				},
			},
		},
		{
			Name:                     DiscordSlashCommandLock,
			Description:              "Stop @everyone from sending messages here",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionManageChannels),
			DMPermission:             guildOnly,
		},
		{
			Name:                     DiscordSlashCommandUnlock,
			Description:              "Let @everyone send messages here again",
			DefaultMemberPermissions: permissionPtr(discordgo.PermissionManageChannels),
			DMPermission:             guildOnly,
		},
		{
			Name:        DiscordSlashCommandPing,
			Description: "Check if I'm awake",
		},
	}
}

// requireGuild returns a user error if the interaction isn't in a guild
func requireGuild(i *discordgo.InteractionCreate) error {
	if i.GuildID == "" {
		return newUserError("This command only works in a server.")
	}
	return nil
}

// requirePermission returns a user error if the member lacks the permission.
// Commands are registered with default permissions, but server admins
// can override those, so they're checked again here.
func requirePermission(i *discordgo.InteractionCreate, permission int64) error {
	if !memberHasPermission(i, permission) {
		return newUserError("You don't have permission to do that.")
	}
	return nil
}

// commandSetChannel handles /setchannel
func (b *Bot) commandSetChannel(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requireGuild(i); err != nil {
		return err
	}
	if err := requirePermission(i, discordgo.PermissionManageServer); err != nil {
		return err
	}
	opt, ok := discordInteractionOptions(i)[commandOptionChannel]
	if !ok {
		return newUserError("A channel is required.")
	}
	channelID, _ := opt.Value.(string)
	if channelID == "" {
		return newUserError("A channel is required.")
	}
	if err := b.guildSettings.SetChatChannel(ctx, i.GuildID, channelID); err != nil {
		return err
	}
	h.Logger().InfoContext(ctx, "set chat channel", "guild_id", i.GuildID, "channel_id", channelID)
	return respondEphemeral(ctx, h, fmt.Sprintf("Okay, I'll only chat in <#%s> now.", channelID))
}

// commandClearChannel handles /clearchannel
func (b *Bot) commandClearChannel(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requireGuild(i); err != nil {
		return err
	}
	if err := requirePermission(i, discordgo.PermissionManageServer); err != nil {
		return err
	}
	if err := b.guildSettings.ClearChatChannel(ctx, i.GuildID); err != nil {
		return err
	}
	h.Logger().InfoContext(ctx, "cleared chat channel", "guild_id", i.GuildID)
	return respondEphemeral(ctx, h, "Okay, I'll chat in any channel now.")
}

// commandReset handles /reset, clearing the invoking user's memory
func (b *Bot) commandReset(ctx context.Context, h InteractionHandler) error {
	u := getDiscordUser(*h.GetInteraction())
	if u == nil {
		return newUserError("I couldn't tell who you are.")
	}
	n := b.ClearMemory(ctx, u.ID)
	h.Logger().InfoContext(ctx, "cleared user memory", "turns", n)
	return respondEphemeral(ctx, h, "W-what were we talking about? I forgot already!")
}

// commandResetAll handles /resetall
func (b *Bot) commandResetAll(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if err := requirePermission(i, discordgo.PermissionAdministrator); err != nil {
		return err
	}
	n := b.ClearAllMemory(ctx, memoryResetScopeCommand)
	h.Logger().InfoContext(ctx, "cleared all memory", "users", n)
	return respondEphemeral(ctx, h, fmt.Sprintf("Forgot conversations with %d users.", n))
}

// commandPing handles /ping
func (b *Bot) commandPing(ctx context.Context, h InteractionHandler) error {
	latency := b.discord.session.HeartbeatLatency()
	return respondEphemeral(
		ctx,
		h,
		fmt.Sprintf("Pong! (%s)", latency.Round(time.Millisecond)),
	)
}
