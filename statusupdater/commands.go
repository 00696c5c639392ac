package statusupdater

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handlerInteractionCreate returns the gateway handler for incoming
// interactions. Each interaction is handled in its own goroutine so a
// slow command doesn't block the gateway event loop.
func (d *Discord) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		ctx := WithLogger(context.Background(), d.logger)
		go d.su.handleInteraction(ctx, i)
	}
}

// handleInteraction logs and dispatches a slash command interaction.
// Commands are acknowledged with a deferred ephemeral response first, and
// the result is filled in with an edit.
func (su *StatusUpdater) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	user := getDiscordUser(i)
	if user == nil {
		su.logger.WarnContext(
			ctx,
			"no user found for interaction",
			interactionLogAttrs(*i)...,
		)
		return
	}

	commandName := i.ApplicationCommandData().Name
	logger := su.logger.With(
		"command", commandName,
		"user_id", user.ID,
		"username", user.Username,
		"guild_id", i.GuildID,
		"channel_id", i.ChannelID,
	)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received interaction")

	if interactionLog, err := newInteractionLog(i, user); err == nil {
		if _, createErr := su.writeDB.Create(ctx, interactionLog); createErr != nil {
			logger.WarnContext(ctx, "error logging interaction", tint.Err(createErr))
		}
	} else {
		logger.WarnContext(ctx, "error serializing interaction", tint.Err(err))
	}

	if err := su.discord.handler.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	var content string
	switch commandName {
	case DiscordSlashCommandToggle:
		content = su.commandToggle(ctx, i)
	case DiscordSlashCommandUpdate:
		content = su.commandUpdate(ctx, i)
	case DiscordSlashCommandDebug:
		content = su.commandDebug(ctx, i)
	case DiscordSlashCommandEmoji:
		content = su.commandEmoji(ctx, i, user)
	case DiscordSlashCommandLink:
		content = su.commandLink(ctx, i, user)
	case DiscordSlashCommandIcon:
		content = su.commandIcon(ctx, i, user)
	default:
		logger.WarnContext(ctx, "unknown command")
		content = fmt.Sprintf("Unknown command: %s", commandName)
	}

	if content == "" {
		content = "Something went wrong"
	}
	if _, err := su.discord.handler.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
	); err != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
}

// interactionVoiceChannel validates that the interaction took place in
// one of the guild's voice channels, returning the guild and channel.
func (su *StatusUpdater) interactionVoiceChannel(
	i *discordgo.InteractionCreate,
) (*discordgo.Guild, *discordgo.Channel, string) {
	if i.GuildID == "" {
		return nil, nil, "This command must be run in a server"
	}
	guild, err := su.discord.handler.Guild(i.GuildID)
	if err != nil {
		return nil, nil, "This command must be run in a server"
	}
	for _, channel := range guildVoiceChannels(guild) {
		if channel.ID == i.ChannelID {
			return guild, channel, ""
		}
	}
	return nil, nil, "This is not a voice channel"
}

func (su *StatusUpdater) commandToggle(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	logger := su.contextLogger(ctx)
	guild, channel, errMsg := su.interactionVoiceChannel(i)
	if errMsg != "" {
		return errMsg
	}

	state, err := getOrCreateChannelState(ctx, su.db, su.writeDB, guild.ID, channel.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading channel state", tint.Err(err))
		return "Something went wrong"
	}

	state.Active = !state.Active
	var message string
	if state.Active {
		message = "Enabled voice status updates for this channel"
	} else {
		message = "Disabled voice status updates for this channel"
		state.CurrentStatus = ""
	}
	if _, err = su.writeDB.Updates(
		ctx,
		state,
		map[string]any{
			columnChannelStateActive:        state.Active,
			columnChannelStateCurrentStatus: state.CurrentStatus,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error saving channel state", tint.Err(err))
		return "Something went wrong"
	}
	logger.InfoContext(
		ctx,
		message,
		"channel_name", channel.Name,
		"active", state.Active,
	)
	return message
}

func (su *StatusUpdater) commandUpdate(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	logger := su.contextLogger(ctx)
	guild, channel, errMsg := su.interactionVoiceChannel(i)
	if errMsg != "" {
		return errMsg
	}

	state, err := getOrCreateChannelState(ctx, su.db, su.writeDB, guild.ID, channel.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading channel state", tint.Err(err))
		return "Something went wrong"
	}
	// Drop the cached status so the rewrite isn't skipped as unchanged
	if _, err = su.writeDB.Update(
		ctx,
		state,
		columnChannelStateCurrentStatus,
		"",
	); err != nil {
		logger.ErrorContext(ctx, "error clearing cached status", tint.Err(err))
		return "Something went wrong"
	}

	if err = su.updateGuild(ctx, guild.ID, channel.ID, true); err != nil {
		logger.ErrorContext(ctx, "error updating voice status", tint.Err(err))
		return "Failed to update voice status"
	}
	return "Updated voice status"
}

func (su *StatusUpdater) commandDebug(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	logger := su.contextLogger(ctx)
	guild, channel, errMsg := su.interactionVoiceChannel(i)
	if errMsg != "" {
		return errMsg
	}

	emojis, err := guildGameEmojis(ctx, su.db, guild.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading game emojis", tint.Err(err))
		return "Something went wrong"
	}
	links, err := guildMemberLinks(ctx, su.db, guild.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading member links", tint.Err(err))
		return "Something went wrong"
	}
	state, err := getOrCreateChannelState(ctx, su.db, su.writeDB, guild.ID, channel.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading channel state", tint.Err(err))
		return "Something went wrong"
	}

	userIDs := channelVoiceUserIDs(guild, channel.ID)
	var activities []string
	var games []string
	for _, userID := range userIDs {
		for _, game := range memberGameActivities(guild, userID) {
			activities = append(activities, fmt.Sprintf("%s: %s", userID, game))
		}
		games = append(games, su.trackedGames(guild, userID, links)...)
	}
	gameInfo := aggregateGames(games, emojis)
	tracked := make([]string, 0, len(gameInfo))
	for _, info := range gameInfo {
		tracked = append(tracked, fmt.Sprintf("%s=%d", info.Name, info.Count))
	}

	message := fmt.Sprintf(
		"All activities: %s\nTracked games: %s\nActive: %t\nCached status: %q\nComposed status: %q",
		strings.Join(activities, ", "),
		strings.Join(tracked, ", "),
		state.Active,
		state.CurrentStatus,
		composeStatus(gameInfo),
	)
	logger.DebugContext(ctx, "debug command", "message", message)
	return truncate(message, 2000)
}

// interactionTargetUserID returns the user ID a command should act on:
// the "user" option if given, otherwise the invoking user.
func interactionTargetUserID(
	i *discordgo.InteractionCreate,
	invoker *discordgo.User,
) string {
	opts := discordInteractionOptions(i)
	if opt, ok := opts[commandOptionUser]; ok {
		if target := opt.UserValue(nil); target != nil {
			return target.ID
		}
	}
	return invoker.ID
}

// targetTrackedGames returns the games currently tracked for the given
// user, requiring exactly one. The second return is a user-facing error
// message when the count isn't one.
func (su *StatusUpdater) targetTrackedGames(
	ctx context.Context,
	guildID string,
	userID string,
) (string, string) {
	guild, err := su.discord.handler.Guild(guildID)
	if err != nil {
		return "", "This command must be run in a server"
	}
	links, err := guildMemberLinks(ctx, su.db, guildID)
	if err != nil {
		return "", "Something went wrong"
	}
	games := su.trackedGames(guild, userID, links)
	if len(games) == 0 {
		return "", "You are not playing any games"
	}
	if len(games) > 1 {
		return "", fmt.Sprintf(
			"You are playing multiple games (%s), aborting",
			strings.Join(games, ", "),
		)
	}
	return games[0], ""
}

func (su *StatusUpdater) commandEmoji(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) string {
	logger := su.contextLogger(ctx)
	if i.GuildID == "" {
		return "Must be run in the server where the emoji is to be added"
	}
	opts := discordInteractionOptions(i)
	actionOpt, ok := opts[commandOptionAction]
	if !ok {
		return "Missing action"
	}
	action := actionOpt.StringValue()

	targetUserID := interactionTargetUserID(i, user)
	game, errMsg := su.targetTrackedGames(ctx, i.GuildID, targetUserID)
	if errMsg != "" {
		return errMsg
	}

	var entry GameEmoji
	found := true
	err := su.db.WithContext(ctx).Where(
		"guild_id = ? AND game_name = ?",
		i.GuildID,
		game,
	).Take(&entry).Error
	if err != nil {
		found = false
		entry = GameEmoji{GuildID: i.GuildID, GameName: game}
	}

	switch action {
	case emojiActionRemove:
		if !found || entry.Emoji == "" {
			return fmt.Sprintf("You have not added an emoji for %s", game)
		}
		removed := entry.Emoji
		entry.Emoji = ""
		if _, err = su.writeDB.Update(
			ctx,
			&entry,
			columnGameEmojiEmoji,
			"",
		); err != nil {
			logger.ErrorContext(ctx, "error removing emoji", tint.Err(err))
			return "Something went wrong"
		}
		logger.InfoContext(ctx, "removed emoji", "game", game, "emoji", removed)
		return fmt.Sprintf("Removed emoji %s for game %s", removed, game)
	case emojiActionAdd:
		var emoji string
		if opt, hasEmoji := opts[commandOptionEmoji]; hasEmoji {
			emoji = strings.TrimSpace(opt.StringValue())
			if strings.Contains(emoji, " ") {
				emoji = ""
			}
		}
		var displayName string
		if opt, hasName := opts[commandOptionDisplayName]; hasName {
			displayName = opt.StringValue()
		}
		if emoji == "" && displayName == "" {
			return "Invalid input: provide an emoji or a display name"
		}
		if emoji != "" {
			entry.Emoji = emoji
		}
		if displayName != "" {
			entry.DisplayName = displayName
		}
		if _, err = su.writeDB.Save(ctx, &entry); err != nil {
			logger.ErrorContext(ctx, "error saving emoji", tint.Err(err))
			return "Something went wrong"
		}
		logger.InfoContext(
			ctx,
			"added emoji",
			"game", game,
			"emoji", entry.Emoji,
			"display_name", entry.DisplayName,
		)
		return fmt.Sprintf("Added emoji %s for game %s", entry.Emoji, game)
	case emojiActionIgnore:
		entry.Ignore = !entry.Ignore
		if _, err = su.writeDB.Save(ctx, &entry); err != nil {
			logger.ErrorContext(ctx, "error saving emoji", tint.Err(err))
			return "Something went wrong"
		}
		verb := "Unignored"
		if entry.Ignore {
			verb = "Ignored"
		}
		logger.InfoContext(ctx, "toggled ignore", "game", game, "ignore", entry.Ignore)
		return fmt.Sprintf("%s game %s", verb, game)
	default:
		return fmt.Sprintf("Unknown action: %s", action)
	}
}

func (su *StatusUpdater) commandLink(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) string {
	logger := su.contextLogger(ctx)
	if i.GuildID == "" {
		return "Must be run in the server where the account is to be linked"
	}
	opts := discordInteractionOptions(i)
	serviceOpt, ok := opts[commandOptionService]
	if !ok {
		return "Missing service"
	}
	service := serviceOpt.StringValue()

	var accountID string
	if opt, hasID := opts[commandOptionAccountID]; hasID {
		accountID = strings.TrimSpace(opt.StringValue())
	}

	targetUserID := user.ID
	targetName := user.Username
	if opt, hasUser := opts[commandOptionUser]; hasUser {
		if target := opt.UserValue(nil); target != nil {
			targetUserID = target.ID
			targetName = target.Username
		}
	}

	link, err := getOrCreateMemberLink(ctx, su.db, su.writeDB, i.GuildID, targetUserID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading member link", tint.Err(err))
		return "Something went wrong"
	}

	var column string
	switch service {
	case linkServiceSteam:
		link.SteamID = accountID
		column = columnMemberLinkSteamID
	case linkServiceRoblox:
		link.RobloxID = accountID
		column = columnMemberLinkRobloxID
	default:
		return fmt.Sprintf("Unknown service: %s", service)
	}
	if targetName != "" {
		link.Username = targetName
	}
	if _, err = su.writeDB.Updates(
		ctx,
		link,
		map[string]any{
			column:     accountID,
			"username": link.Username,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error saving member link", tint.Err(err))
		return "Something went wrong"
	}

	// Poll immediately so the new link shows up without waiting a cycle
	switch service {
	case linkServiceSteam:
		su.steamPoller.Poll()
	case linkServiceRoblox:
		su.robloxPoller.Poll()
	}

	// Unlinking the last account leaves an empty row behind
	if guild, guildErr := su.discord.handler.Guild(i.GuildID); guildErr == nil {
		channels := guildVoiceChannels(guild)
		channelIDs := make([]string, 0, len(channels))
		for _, channel := range channels {
			channelIDs = append(channelIDs, channel.ID)
		}
		if _, pruneErr := pruneGuildConfig(
			WithLogger(ctx, logger),
			su.db,
			su.writeDB,
			i.GuildID,
			channelIDs,
		); pruneErr != nil {
			logger.WarnContext(ctx, "error pruning guild config", tint.Err(pruneErr))
		}
	}

	logger.InfoContext(
		ctx,
		"updated member link",
		"member_link", link,
		"service", service,
	)
	if accountID == "" {
		return fmt.Sprintf("Unlinked %s account for <@%s>", service, targetUserID)
	}
	return fmt.Sprintf("Linked %s account %s for <@%s>", service, accountID, targetUserID)
}

func (su *StatusUpdater) commandIcon(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) string {
	logger := su.contextLogger(ctx)
	if i.GuildID == "" {
		return "Must be run in a server to fetch activity data"
	}
	opts := discordInteractionOptions(i)

	var source string
	if opt, hasSource := opts[commandOptionSource]; hasSource {
		source = opt.StringValue()
	}
	upload := false
	if opt, hasUpload := opts[commandOptionUpload]; hasUpload {
		upload = opt.BoolValue()
	}

	targetUserID := interactionTargetUserID(i, user)
	game, errMsg := su.targetTrackedGames(ctx, i.GuildID, targetUserID)
	if errMsg != "" {
		return errMsg
	}

	var activity *discordgo.Activity
	if guild, err := su.discord.handler.Guild(i.GuildID); err == nil {
		activity = memberFirstGameActivity(guild, targetUserID)
	}

	iconURL, err := su.icons.Resolve(ctx, activity, game, source)
	if err != nil {
		logger.InfoContext(ctx, "no icon found", "game", game, tint.Err(err))
		return fmt.Sprintf("Unable to find an icon for %s", game)
	}
	if !upload {
		return iconURL
	}

	emoji, err := su.icons.uploadGameEmoji(
		ctx,
		su.discord.handler,
		i.GuildID,
		game,
		iconURL,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error uploading emoji", tint.Err(err))
		return fmt.Sprintf("Found an icon, but uploading it failed: %s", iconURL)
	}
	return fmt.Sprintf(
		"Uploaded icon for %s as <:%s:%s>",
		game,
		emoji.Name,
		emoji.ID,
	)
}

// memberFirstGameActivity returns the user's first playing or streaming
// activity from the guild's cached presences, or nil.
func memberFirstGameActivity(
	guild *discordgo.Guild,
	userID string,
) *discordgo.Activity {
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
				return activity
			}
		}
	}
	return nil
}
