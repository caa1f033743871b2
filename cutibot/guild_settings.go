package cutibot

import (
	"context"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"sync"
)

// GuildSettings holds per-guild bot settings
//
//nolint:lll // struct tags can't be split
type GuildSettings struct {
	GuildID string `json:"guild_id" gorm:"primaryKey;type:string"`
	ModelUnixTime

	// ChatChannelID restricts mention replies to one channel. Empty
	// means the bot replies in any channel.
	ChatChannelID string `json:"chat_channel_id" gorm:"type:string"`
}

// guildSettingsCache is a write-through cache of GuildSettings
type guildSettingsCache struct {
	db       DBI
	mu       sync.RWMutex
	settings map[string]GuildSettings
}

func newGuildSettingsCache(db DBI) *guildSettingsCache {
	return &guildSettingsCache{db: db, settings: map[string]GuildSettings{}}
}

// Load replaces the cache contents with what's in the database
func (g *guildSettingsCache) Load(ctx context.Context) error {
	var rows []GuildSettings
	if err := g.db.DB().WithContext(ctx).Find(&rows).Error; err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.settings)
	for _, row := range rows {
		g.settings[row.GuildID] = row
	}
	return nil
}

// ChatChannel returns the chat channel for the guild, or "" if unset
func (g *guildSettingsCache) ChatChannel(guildID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings[guildID].ChatChannelID
}

// AllowsChannel reports whether mention replies are allowed in the
// given channel. Direct messages (no guild) are always allowed.
func (g *guildSettingsCache) AllowsChannel(guildID, channelID string) bool {
	if guildID == "" {
		return true
	}
	ch := g.ChatChannel(guildID)
	return ch == "" || ch == channelID
}

// SetChatChannel sets (or, with an empty channelID, clears) the guild's
// chat channel
func (g *guildSettingsCache) SetChatChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) error {
	row := GuildSettings{GuildID: guildID, ChatChannelID: channelID}
	err := g.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "guild_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"chat_channel_id", "updated_at"}),
				},
			).Create(&row).Error
		},
	)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings[guildID] = row
	return nil
}

// ClearChatChannel removes the guild's chat channel restriction. Guilds
// without settings are left without a row.
func (g *guildSettingsCache) ClearChatChannel(ctx context.Context, guildID string) error {
	if _, err := g.db.UpdatesWhere(
		ctx,
		&GuildSettings{},
		map[string]any{"chat_channel_id": ""},
		"guild_id = ?",
		guildID,
	); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if row, ok := g.settings[guildID]; ok {
		row.ChatChannelID = ""
		g.settings[guildID] = row
	}
	return nil
}
