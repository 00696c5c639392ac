package statusupdater

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// GameInfo is a single aggregated entry for a voice channel's status: a
// game (or group of games sharing an emoji), its emoji if configured,
// and the number of members playing it.
type GameInfo struct {
	Name  string
	Emoji string
	Count int
}

// aggregateGames counts the given game names into [GameInfo] entries,
// applying the guild's per-game configuration:
//
//   - games marked ignored are dropped
//   - a configured display name replaces the activity name
//   - games sharing an emoji merge into one entry, with their counts
//     summed
//
// Entries are sorted by count, descending, ties keeping first-seen order.
func aggregateGames(games []string, emojis map[string]GameEmoji) []GameInfo {
	if len(games) == 0 {
		return nil
	}

	var entries []GameInfo
	entryIndex := map[string]int{}
	emojiIndex := map[string]int{}

	for _, game := range games {
		if idx, ok := entryIndex[game]; ok {
			entries[idx].Count++
			continue
		}

		cfg, hasCfg := emojis[game]
		if hasCfg && cfg.Ignore {
			continue
		}
		name := game
		emoji := ""
		if hasCfg {
			if cfg.DisplayName != "" {
				name = cfg.DisplayName
			}
			emoji = cfg.Emoji
		}

		if emoji != "" {
			if idx, ok := emojiIndex[emoji]; ok {
				entries[idx].Count++
				if hasCfg && cfg.DisplayName != "" {
					entries[idx].Name = cfg.DisplayName
				}
				entryIndex[game] = idx
				continue
			}
		}

		entries = append(entries, GameInfo{Name: name, Emoji: emoji, Count: 1})
		entryIndex[game] = len(entries) - 1
		if emoji != "" {
			emojiIndex[emoji] = len(entries) - 1
		}
	}

	sort.SliceStable(
		entries, func(i, j int) bool {
			return entries[i].Count > entries[j].Count
		},
	)
	return entries
}

// composeStatus renders aggregated game entries into a voice channel
// status string:
//
//   - no games: empty string (clears the status)
//   - one game: its emoji (if any) followed by its name
//   - multiple games: the configured emojis only, except that when
//     exactly one entry has an emoji, that entry's name is appended
//   - multiple games, none with an emoji: "Playing N games"
func composeStatus(games []GameInfo) string {
	if len(games) == 0 {
		return ""
	}
	if len(games) == 1 {
		info := games[0]
		if info.Emoji != "" {
			return truncate(fmt.Sprintf("%s %s", info.Emoji, info.Name), voiceStatusMaxLength)
		}
		return truncate(info.Name, voiceStatusMaxLength)
	}

	var emojiGames []GameInfo
	for _, info := range games {
		if info.Emoji != "" {
			emojiGames = append(emojiGames, info)
		}
	}
	if len(emojiGames) == 0 {
		return fmt.Sprintf("Playing %d games", len(games))
	}

	emojis := make([]string, 0, len(emojiGames))
	for _, info := range emojiGames {
		emojis = append(emojis, info.Emoji)
	}
	message := strings.Join(emojis, " ")
	if len(emojiGames) == 1 {
		message = fmt.Sprintf("%s %s", message, emojiGames[0].Name)
	}
	return truncate(message, voiceStatusMaxLength)
}

// guildVoiceChannels returns the guild's voice channels, from state.
func guildVoiceChannels(guild *discordgo.Guild) []*discordgo.Channel {
	var channels []*discordgo.Channel
	for _, channel := range guild.Channels {
		if channel.Type == discordgo.ChannelTypeGuildVoice {
			channels = append(channels, channel)
		}
	}
	return channels
}

// channelVoiceUserIDs returns the IDs of users currently connected to
// the given voice channel, from the guild's cached voice states.
func channelVoiceUserIDs(guild *discordgo.Guild, channelID string) []string {
	var userIDs []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == channelID {
			userIDs = append(userIDs, vs.UserID)
		}
	}
	return userIDs
}

// memberGameActivities returns the names of "playing" and "streaming"
// activities for the given user, from the guild's cached presences.
func memberGameActivities(guild *discordgo.Guild, userID string) []string {
	var games []string
	for _, presence := range guild.Presences {
		if presence.User == nil || presence.User.ID != userID {
			continue
		}
		for _, activity := range presence.Activities {
			if activity == nil || activity.Name == "" {
				continue
			}
			switch activity.Type {
			case discordgo.ActivityTypeGame, discordgo.ActivityTypeStreaming:
				games = append(games, activity.Name)
			}
		}
	}
	return games
}

// trackedGames returns the games to attribute to a member: their Discord
// activities when present, otherwise whatever the external presence
// pollers have cached for their linked accounts.
func (su *StatusUpdater) trackedGames(
	guild *discordgo.Guild,
	userID string,
	links map[string]MemberLink,
) []string {
	if games := memberGameActivities(guild, userID); len(games) > 0 {
		return games
	}
	link, ok := links[userID]
	if !ok {
		return nil
	}
	var games []string
	if link.SteamID != "" {
		games = append(games, su.steamPoller.Values(link.SteamID)...)
	}
	if link.RobloxID != "" {
		games = append(games, su.robloxPoller.Values(link.RobloxID)...)
	}
	return games
}

// runStatusUpdater periodically recomputes voice channel statuses for
// all guilds until ctx is canceled. Explicit triggers (the /update
// command, the API) run a pass immediately.
func (su *StatusUpdater) runStatusUpdater(ctx context.Context) {
	interval := su.RuntimeConfig().StatusUpdateInterval.Duration
	if interval <= 0 {
		interval = DefaultStatusUpdateInterval
	}
	su.logger.InfoContext(ctx, "starting status updater", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			su.logger.InfoContext(ctx, "status updater stopped")
			return
		case <-ticker.C:
			if su.paused.Load() {
				continue
			}
			su.updateAllGuilds(ctx, false)

			// Pick up interval changes made at runtime
			if current := su.RuntimeConfig().StatusUpdateInterval.Duration; current > 0 && current != interval {
				interval = current
				ticker.Reset(interval)
				su.logger.InfoContext(ctx, "status update interval changed", "interval", interval)
			}
		case <-su.triggerUpdateCh:
			su.updateAllGuilds(ctx, true)
		}
	}
}

// updateAllGuilds runs a status update pass over every guild the bot is in.
func (su *StatusUpdater) updateAllGuilds(ctx context.Context, force bool) {
	for _, guild := range su.discord.handler.Guilds() {
		if err := su.updateGuild(ctx, guild.ID, "", force); err != nil {
			su.logger.ErrorContext(
				ctx,
				"error updating guild",
				"guild_id", guild.ID,
				tint.Err(err),
			)
		}
	}
}

// updateGuild recomputes and writes voice channel statuses for one guild.
// If onlyChannelID is set, only that channel is updated. force updates
// inactive channels and re-sends unchanged statuses.
func (su *StatusUpdater) updateGuild(
	ctx context.Context,
	guildID string,
	onlyChannelID string,
	force bool,
) error {
	logger := su.contextLogger(ctx).With("guild_id", guildID)

	guild, err := su.discord.handler.Guild(guildID)
	if err != nil {
		return fmt.Errorf("guild %s not in state: %w", guildID, err)
	}

	voiceChannels := guildVoiceChannels(guild)
	if onlyChannelID != "" {
		var match []*discordgo.Channel
		for _, channel := range voiceChannels {
			if channel.ID == onlyChannelID {
				match = append(match, channel)
			}
		}
		if len(match) == 0 {
			return fmt.Errorf("channel %s is not a voice channel in guild %s", onlyChannelID, guildID)
		}
		voiceChannels = match
	}

	emojis, err := guildGameEmojis(ctx, su.db, guildID)
	if err != nil {
		return fmt.Errorf("error loading game emojis: %w", err)
	}
	links, err := guildMemberLinks(ctx, su.db, guildID)
	if err != nil {
		return fmt.Errorf("error loading member links: %w", err)
	}

	changed := false
	for _, channel := range voiceChannels {
		channelChanged, channelErr := su.updateChannel(
			ctx,
			logger,
			guild,
			channel,
			emojis,
			links,
			force,
		)
		if channelErr != nil {
			logger.ErrorContext(
				ctx,
				"error updating channel",
				"channel_id", channel.ID,
				tint.Err(channelErr),
			)
			continue
		}
		if channelChanged {
			changed = true
		}
	}

	if changed {
		channelIDs := make([]string, 0, len(guildVoiceChannels(guild)))
		for _, channel := range guildVoiceChannels(guild) {
			channelIDs = append(channelIDs, channel.ID)
		}
		if _, pruneErr := pruneGuildConfig(
			WithLogger(ctx, logger),
			su.db,
			su.writeDB,
			guildID,
			channelIDs,
		); pruneErr != nil {
			logger.WarnContext(ctx, "error pruning guild config", tint.Err(pruneErr))
		}
	}
	return nil
}

// updateChannel recomputes one voice channel's status and writes it to
// Discord when it changed. When the channel is empty, the status is only
// cached, since Discord clears empty channel statuses on its own.
// Returns true if the stored status changed.
func (su *StatusUpdater) updateChannel(
	ctx context.Context,
	logger *slog.Logger,
	guild *discordgo.Guild,
	channel *discordgo.Channel,
	emojis map[string]GameEmoji,
	links map[string]MemberLink,
	force bool,
) (bool, error) {
	state, err := getOrCreateChannelState(ctx, su.db, su.writeDB, guild.ID, channel.ID)
	if err != nil {
		return false, err
	}
	if state.Name != channel.Name {
		state.Name = channel.Name
		if _, err = su.writeDB.Update(
			ctx,
			state,
			columnChannelStateName,
			channel.Name,
		); err != nil {
			return false, err
		}
	}

	if !state.Active && !force {
		return false, nil
	}

	userIDs := channelVoiceUserIDs(guild, channel.ID)
	skipAPI := len(userIDs) == 0

	var steamIDs, robloxIDs []string
	for _, userID := range userIDs {
		if link, ok := links[userID]; ok {
			if link.SteamID != "" {
				steamIDs = append(steamIDs, link.SteamID)
			}
			if link.RobloxID != "" {
				robloxIDs = append(robloxIDs, link.RobloxID)
			}
		}
	}
	su.steamPoller.SetPoll(channel.ID, steamIDs)
	su.robloxPoller.SetPoll(channel.ID, robloxIDs)

	var games []string
	for _, userID := range userIDs {
		games = append(games, su.trackedGames(guild, userID, links)...)
	}
	gameInfo := aggregateGames(games, emojis)
	message := composeStatus(gameInfo)

	if state.CurrentStatus == message && !force {
		return false, nil
	}

	if len(gameInfo) > 0 {
		counts := make([]string, 0, len(gameInfo))
		for _, info := range gameInfo {
			counts = append(counts, fmt.Sprintf("%s=%d", info.Name, info.Count))
		}
		logger.InfoContext(ctx, "aggregated games", "games", counts)
	}

	if skipAPI {
		// Discord clears statuses on empty channels itself, so the new
		// value is only cached
		logger.InfoContext(
			ctx,
			"caching status for empty channel",
			"channel_id", channel.ID,
			"channel_name", channel.Name,
			"status", message,
		)
	} else {
		logger.InfoContext(
			ctx,
			"setting channel status",
			"channel_id", channel.ID,
			"channel_name", channel.Name,
			"status", message,
		)
		// CurrentStatus is only updated after a successful PUT; a failed
		// write is retried on the next pass
		if err = su.discord.setVoiceStatus(channel.ID, message); err != nil {
			return false, fmt.Errorf("error setting voice status: %w", err)
		}
	}

	state.CurrentStatus = message
	if _, err = su.writeDB.Update(
		ctx,
		state,
		columnChannelStateCurrentStatus,
		message,
	); err != nil {
		return false, err
	}
	return true, nil
}
