package statusupdater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	columnChannelStateActive        = "active"
	columnChannelStateCurrentStatus = "current_status"
	columnChannelStateName          = "name"
	columnMemberLinkSteamID         = "steam_id"
	columnMemberLinkRobloxID        = "roblox_id"
	columnGameEmojiEmoji            = "emoji"
	columnGameEmojiDisplayName      = "display_name"
	columnGameEmojiIgnore           = "ignore"
)

// ChannelState tracks per-voice-channel settings and the status string
// last written to that channel, so identical statuses aren't re-sent.
//
//nolint:lll // struct tags can't be split
type ChannelState struct {
	ModelUintID
	ModelUnixTime

	GuildID   string `json:"guild_id" gorm:"not null;uniqueIndex:idx_channel_state_guild_channel"`
	ChannelID string `json:"channel_id" gorm:"not null;uniqueIndex:idx_channel_state_guild_channel"`

	// Name is the last-seen channel name, kept for debugging
	Name string `json:"name" gorm:"type:string"`

	// Active indicates whether status updates are enabled for this channel
	Active bool `json:"active" gorm:"not null;default:true"`

	// CurrentStatus is the status string last written to the channel
	CurrentStatus string `json:"current_status" gorm:"type:string"`
}

func (c ChannelState) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", c.GuildID),
		slog.String("channel_id", c.ChannelID),
		slog.String("name", c.Name),
		slog.Bool("active", c.Active),
		slog.String("current_status", c.CurrentStatus),
	)
}

// GameEmoji is a per-guild game configuration entry: an emoji shown for
// the game in status strings, an optional display-name override, and an
// ignore flag that drops the game from aggregation. Two game names with
// the same emoji merge into a single status entry.
//
//nolint:lll // struct tags can't be split
type GameEmoji struct {
	ModelUintID
	ModelUnixTime

	GuildID  string `json:"guild_id" gorm:"not null;uniqueIndex:idx_game_emoji_guild_game"`
	GameName string `json:"game_name" gorm:"not null;uniqueIndex:idx_game_emoji_guild_game"`

	Emoji       string `json:"emoji" gorm:"type:string"`
	DisplayName string `json:"display_name" gorm:"type:string"`
	Ignore      bool   `json:"ignore" gorm:"not null;default:false"`
}

// empty reports whether the entry carries no data and can be pruned.
func (g GameEmoji) empty() bool {
	return g.Emoji == "" && g.DisplayName == "" && !g.Ignore
}

// MemberLink associates a guild member with external accounts used as a
// presence fallback when the member has no Discord activity.
//
//nolint:lll // struct tags can't be split
type MemberLink struct {
	ModelUintID
	ModelUnixTime

	GuildID string `json:"guild_id" gorm:"not null;uniqueIndex:idx_member_link_guild_user"`
	UserID  string `json:"user_id" gorm:"not null;uniqueIndex:idx_member_link_guild_user"`

	// Username, not unique - kept for debugging
	Username string `json:"username" gorm:"type:string"`

	SteamID  string `json:"steam_id" gorm:"type:string"`
	RobloxID string `json:"roblox_id" gorm:"type:string"`
}

// empty reports whether the link carries no data and can be pruned.
func (m MemberLink) empty() bool {
	return m.SteamID == "" && m.RobloxID == ""
}

func (m MemberLink) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", m.GuildID),
		slog.String("user_id", m.UserID),
		slog.String("username", m.Username),
		slog.String("steam_id", m.SteamID),
		slog.String("roblox_id", m.RobloxID),
	)
}

// InteractionLog is a DB record of an incoming Discord interaction.
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	CommandName   string `json:"command_name" gorm:"type:string"`
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

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.CommandName = i.ApplicationCommandData().Name
	}
	return interactionLog, nil
}

// getOrCreateChannelState returns the ChannelState record for the given
// guild/channel pair, creating it (active by default) if necessary.
func getOrCreateChannelState(
	ctx context.Context,
	db *gorm.DB,
	writeDB DBI,
	guildID string,
	channelID string,
) (*ChannelState, error) {
	var state ChannelState
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND channel_id = ?",
		guildID,
		channelID,
	).Take(&state).Error
	if err == nil {
		return &state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	state = ChannelState{
		GuildID:   guildID,
		ChannelID: channelID,
		Active:    true,
	}
	if _, createErr := writeDB.Create(ctx, &state); createErr != nil {
		return nil, createErr
	}
	return &state, nil
}

// getOrCreateMemberLink returns the MemberLink record for the given
// guild/user pair, creating an empty one if necessary.
func getOrCreateMemberLink(
	ctx context.Context,
	db *gorm.DB,
	writeDB DBI,
	guildID string,
	userID string,
) (*MemberLink, error) {
	var link MemberLink
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?",
		guildID,
		userID,
	).Take(&link).Error
	if err == nil {
		return &link, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	link = MemberLink{GuildID: guildID, UserID: userID}
	if _, createErr := writeDB.Create(ctx, &link); createErr != nil {
		return nil, createErr
	}
	return &link, nil
}

// guildGameEmojis returns the guild's GameEmoji entries keyed by game name.
func guildGameEmojis(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) (map[string]GameEmoji, error) {
	var entries []GameEmoji
	err := db.WithContext(ctx).Where("guild_id = ?", guildID).Find(&entries).Error
	if err != nil {
		return nil, err
	}
	emojis := make(map[string]GameEmoji, len(entries))
	for _, e := range entries {
		emojis[e.GameName] = e
	}
	return emojis, nil
}

// guildMemberLinks returns the guild's MemberLink entries keyed by user ID.
func guildMemberLinks(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) (map[string]MemberLink, error) {
	var links []MemberLink
	err := db.WithContext(ctx).Where("guild_id = ?", guildID).Find(&links).Error
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]MemberLink, len(links))
	for _, l := range links {
		byUser[l.UserID] = l
	}
	return byUser, nil
}

// pruneGuildConfig removes channel state rows for voice channels that no
// longer exist, and member/emoji rows with no remaining data. Returns
// true if anything was removed.
func pruneGuildConfig(
	ctx context.Context,
	db *gorm.DB,
	writeDB DBI,
	guildID string,
	voiceChannelIDs []string,
) (bool, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}

	removed := false
	var errs []error

	var states []ChannelState
	if err := db.WithContext(ctx).Where("guild_id = ?", guildID).Find(&states).Error; err != nil {
		return false, err
	}
	known := make(map[string]bool, len(voiceChannelIDs))
	for _, id := range voiceChannelIDs {
		known[id] = true
	}
	for _, state := range states {
		if known[state.ChannelID] {
			continue
		}
		logger.InfoContext(
			ctx,
			"removing state for voice channel that no longer exists",
			"channel_state", state,
		)
		if _, err := writeDB.Delete(ctx, &ChannelState{}, state.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = true
	}

	var links []MemberLink
	if err := db.WithContext(ctx).Where("guild_id = ?", guildID).Find(&links).Error; err != nil {
		errs = append(errs, err)
	}
	for _, link := range links {
		if !link.empty() {
			continue
		}
		logger.DebugContext(ctx, "removing member link with no data", "member_link", link)
		if _, err := writeDB.Delete(ctx, &MemberLink{}, link.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = true
	}

	var emojis []GameEmoji
	if err := db.WithContext(ctx).Where("guild_id = ?", guildID).Find(&emojis).Error; err != nil {
		errs = append(errs, err)
	}
	for _, emoji := range emojis {
		if !emoji.empty() {
			continue
		}
		logger.DebugContext(
			ctx,
			"removing game emoji with no data",
			"game_name", emoji.GameName,
		)
		if _, err := writeDB.Delete(ctx, &GameEmoji{}, emoji.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = true
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.ErrorContext(ctx, "error pruning guild config", tint.Err(err))
	}
	return removed, err
}
