package statusupdater

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// mockSessionHandler implements DiscordSessionHandler, recording calls so
// command and status update behavior can be asserted without a gateway
// connection.
type mockSessionHandler struct {
	mu sync.Mutex

	guilds map[string]*discordgo.Guild

	interactionResponses []*discordgo.InteractionResponse
	interactionEdits     []string
	messagesSent         map[string][]string
	commandsRegistered   []*discordgo.ApplicationCommand
	emojisCreated        []*discordgo.EmojiParams
	customStatus         string

	requests []mockRequest

	respondErr error
	requestErr error
	emojiErr   error
}

type mockRequest struct {
	method   string
	endpoint string
	data     any
}

func newMockSessionHandler() *mockSessionHandler {
	return &mockSessionHandler{
		guilds:       map[string]*discordgo.Guild{},
		messagesSent: map[string][]string{},
	}
}

// voiceStatuses returns the statuses written via the voice status
// endpoint, keyed by endpoint URL.
func (m *mockSessionHandler) voiceStatuses() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := map[string]string{}
	for _, req := range m.requests {
		if body, ok := req.data.(map[string]string); ok {
			statuses[req.endpoint] = body["status"]
		}
	}
	return statuses
}

func (m *mockSessionHandler) Open() error {
	return nil
}

func (m *mockSessionHandler) Close() error {
	return nil
}

func (m *mockSessionHandler) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messagesSent[channelID] = append(m.messagesSent[channelID], message)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockSessionHandler) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commandsRegistered = commands
	created := make([]*discordgo.ApplicationCommand, 0, len(commands))
	for n, cmd := range commands {
		c := *cmd
		c.ID = fmt.Sprintf("command-%d", n)
		created = append(created, &c)
	}
	return created, nil
}

func (m *mockSessionHandler) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatus = status
	return nil
}

func (m *mockSessionHandler) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockSessionHandler) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	if m.respondErr != nil {
		return m.respondErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactionResponses = append(m.interactionResponses, resp)
	return nil
}

func (m *mockSessionHandler) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var content string
	if newresp.Content != nil {
		content = *newresp.Content
	}
	m.interactionEdits = append(m.interactionEdits, content)
	return &discordgo.Message{Content: content}, nil
}

func (m *mockSessionHandler) GuildEmojiCreate(
	_ string,
	data *discordgo.EmojiParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Emoji, error) {
	if m.emojiErr != nil {
		return nil, m.emojiErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emojisCreated = append(m.emojisCreated, data)
	return &discordgo.Emoji{ID: "emoji-1", Name: data.Name}, nil
}

func (m *mockSessionHandler) RequestWithBucketID(
	method string,
	urlStr string,
	data any,
	_ string,
	_ ...discordgo.RequestOption,
) ([]byte, error) {
	if m.requestErr != nil {
		return nil, m.requestErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(
		m.requests,
		mockRequest{method: method, endpoint: urlStr, data: data},
	)
	return nil, nil
}

func (m *mockSessionHandler) Guild(guildID string) (*discordgo.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	guild, ok := m.guilds[guildID]
	if !ok {
		return nil, fmt.Errorf("guild %s not found", guildID)
	}
	return guild, nil
}

func (m *mockSessionHandler) Guilds() []*discordgo.Guild {
	m.mu.Lock()
	defer m.mu.Unlock()
	guilds := make([]*discordgo.Guild, 0, len(m.guilds))
	for _, guild := range m.guilds {
		guilds = append(guilds, guild)
	}
	return guilds
}

func (m *mockSessionHandler) SetHTTPClient(_ *http.Client) {}

func (m *mockSessionHandler) SetIdentify(_ discordgo.Identify) {}

func (m *mockSessionHandler) SetLogLevel(_ slog.Level) error {
	return nil
}

func (m *mockSessionHandler) GatewayBot(_ ...discordgo.RequestOption) (
	*discordgo.GatewayBotResponse,
	error,
) {
	return &discordgo.GatewayBotResponse{}, nil
}

// newTestStatusUpdater wires a StatusUpdater against a temp database and
// a mock session handler, without starting Run.
func newTestStatusUpdater(t *testing.T) (*StatusUpdater, *mockSessionHandler) {
	t.Helper()
	db, writeDB := newTestDB(t)

	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "app-123"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := newMockSessionHandler()

	su := &StatusUpdater{
		config:                        cfg,
		db:                            db,
		writeDB:                       writeDB,
		logger:                        logger,
		signalStop:                    make(chan struct{}, 1),
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerUpdateCh:               make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan struct{}, 1),
	}
	su.discord = &Discord{
		handler: handler,
		config:  cfg.Discord,
		logger:  logger,
		su:      su,
	}
	su.icons = NewIconResolver(cfg.Discord, cfg.Steam, nil, logger)

	noopFetch := func(
		_ context.Context,
		_ *slog.Logger,
		_ []string,
	) (map[string][]string, error) {
		return map[string][]string{}, nil
	}
	var err error
	su.steamPoller, err = NewPlayerPoller("steam", *cfg.Poller, noopFetch, logger)
	require.NoError(t, err)
	su.robloxPoller, err = NewPlayerPoller("roblox", *cfg.Poller, noopFetch, logger)
	require.NoError(t, err)

	rc, err := loadOrCreateRuntimeConfig(context.Background(), db, writeDB)
	require.NoError(t, err)
	su.runtimeConfig = rc

	return su, handler
}

// testGuild returns a guild with one voice channel containing one member
// playing Factorio.
func testGuild() *discordgo.Guild {
	return &discordgo.Guild{
		ID:   "guild-1",
		Name: "Test Guild",
		Channels: []*discordgo.Channel{
			{
				ID:      "vc-1",
				GuildID: "guild-1",
				Name:    "General",
				Type:    discordgo.ChannelTypeGuildVoice,
			},
			{
				ID:      "txt-1",
				GuildID: "guild-1",
				Name:    "chat",
				Type:    discordgo.ChannelTypeGuildText,
			},
		},
		VoiceStates: []*discordgo.VoiceState{
			{GuildID: "guild-1", ChannelID: "vc-1", UserID: "user-1"},
		},
		Presences: []*discordgo.Presence{
			{
				User: &discordgo.User{ID: "user-1"},
				Activities: []*discordgo.Activity{
					{Name: "Factorio", Type: discordgo.ActivityTypeGame},
				},
			},
		},
	}
}

func testInteraction(
	command string,
	channelID string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-1",
			AppID:     "app-123",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "guild-1",
			ChannelID: channelID,
			Member: &discordgo.Member{
				User: &discordgo.User{ID: "user-1", Username: "alice"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    command,
				Options: options,
			},
		},
	}
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func userOption(userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  commandOptionUser,
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func boolOption(name string, value bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionBoolean,
		Value: value,
	}
}

func TestHandleInteraction(t *testing.T) {
	ctx := context.Background()
	su, handler := newTestStatusUpdater(t)
	handler.guilds["guild-1"] = testGuild()

	su.handleInteraction(ctx, testInteraction(DiscordSlashCommandToggle, "vc-1"))

	require.Len(t, handler.interactionResponses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		handler.interactionResponses[0].Type,
	)
	require.Len(t, handler.interactionEdits, 1)
	assert.Equal(
		t,
		"Disabled voice status updates for this channel",
		handler.interactionEdits[0],
	)

	var logs []InteractionLog
	require.NoError(t, su.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, DiscordSlashCommandToggle, logs[0].CommandName)
	assert.Equal(t, "user-1", logs[0].UserID)
}

func TestHandleInteractionIgnoresNonCommands(t *testing.T) {
	ctx := context.Background()
	su, handler := newTestStatusUpdater(t)

	i := testInteraction(DiscordSlashCommandToggle, "vc-1")
	i.Type = discordgo.InteractionMessageComponent
	su.handleInteraction(ctx, i)

	assert.Empty(t, handler.interactionResponses)
	assert.Empty(t, handler.interactionEdits)
}

func TestHandleInteractionUnknownCommand(t *testing.T) {
	ctx := context.Background()
	su, handler := newTestStatusUpdater(t)
	handler.guilds["guild-1"] = testGuild()

	su.handleInteraction(ctx, testInteraction("bogus", "vc-1"))

	require.Len(t, handler.interactionEdits, 1)
	assert.Equal(t, "Unknown command: bogus", handler.interactionEdits[0])
}

func TestCommandToggle(t *testing.T) {
	su, handler := newTestStatusUpdater(t)
	handler.guilds["guild-1"] = testGuild()
	ctx := WithLogger(context.Background(), su.logger)

	i := testInteraction(DiscordSlashCommandToggle, "vc-1")

	// New channels start active, so the first toggle disables
	msg := su.commandToggle(ctx, i)
	assert.Equal(t, "Disabled voice status updates for this channel", msg)

	var state ChannelState
	require.NoError(
		t,
		su.db.Where("guild_id = ? AND channel_id = ?", "guild-1", "vc-1").
			Take(&state).Error,
	)
	assert.False(t, state.Active)
	assert.Equal(t, "", state.CurrentStatus)

	msg = su.commandToggle(ctx, i)
	assert.Equal(t, "Enabled voice status updates for this channel", msg)
	require.NoError(t, su.db.Take(&state, state.ID).Error)
	assert.True(t, state.Active)
}

func TestInteractionVoiceChannel(t *testing.T) {
	su, handler := newTestStatusUpdater(t)
	handler.guilds["guild-1"] = testGuild()
	ctx := WithLogger(context.Background(), su.logger)

	t.Run("no guild", func(t *testing.T) {
		i := testInteraction(DiscordSlashCommandToggle, "vc-1")
		i.GuildID = ""
		assert.Equal(
			t,
			"This command must be run in a server",
			su.commandToggle(ctx, i),
		)
	})

	t.Run("guild not in state", func(t *testing.T) {
		i := testInteraction(DiscordSlashCommandToggle, "vc-1")
		i.GuildID = "guild-unknown"
		assert.Equal(
			t,
			"This command must be run in a server",
			su.commandToggle(ctx, i),
		)
	})

	t.Run("text channel", func(t *testing.T) {
		i := testInteraction(DiscordSlashCommandToggle, "txt-1")
		assert.Equal(t, "This is not a voice channel", su.commandToggle(ctx, i))
	})
}

func TestCommandUpdate(t *testing.T) {
	su, handler := newTestStatusUpdater(t)
	handler.guilds["guild-1"] = testGuild()
	ctx := WithLogger(context.Background(), su.logger)

	msg := su.commandUpdate(ctx, testInteraction(DiscordSlashCommandUpdate, "vc-1"))
	assert.Equal(t, "Updated voice status", msg)

	statuses := handler.voiceStatuses()
	require.Len(t, statuses, 1)
	for endpoint, status := range statuses {
		assert.Contains(t, endpoint, "/channels/vc-1/voice-status")
		assert.Equal(t, "Factorio", status)
	}

	var state ChannelState
	require.NoError(
		t,
		su.db.Where("guild_id = ? AND channel_id = ?", "guild-1", "vc-1").
			Take(&state).Error,
	)
	assert.Equal(t, "Factorio", state.CurrentStatus)
}

func TestCommandUpdateEmptyChannelCachesOnly(t *testing.T) {
	su, handler := newTestStatusUpdater(t)
	guild := testGuild()
	guild.VoiceStates = nil
	handler.guilds["guild-1"] = guild
	ctx := WithLogger(context.Background(), su.logger)

	msg := su.commandUpdate(ctx, testInteraction(DiscordSlashCommandUpdate, "vc-1"))
	assert.Equal(t, "Updated voice status", msg)

	// Discord clears statuses on empty channels itself, so no API call
	assert.Empty(t, handler.voiceStatuses())
}

func TestCommandDebug(t *testing.T) {
	su, handler := newTestStatusUpdater(t)
	handler.guilds["guild-1"] = testGuild()
	ctx := WithLogger(context.Background(), su.logger)

	msg := su.commandDebug(ctx, testInteraction(DiscordSlashCommandDebug, "vc-1"))
	assert.Contains(t, msg, "All activities: user-1: Factorio")
	assert.Contains(t, msg, "Tracked games: Factorio=1")
	assert.Contains(t, msg, "Active: true")
	assert.Contains(t, msg, `Cached status: ""`)
	assert.Contains(t, msg, `Composed status: "Factorio"`)
}

func TestCommandEmoji(t *testing.T) {
	user := &discordgo.User{ID: "user-1", Username: "alice"}

	t.Run("add and remove", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		msg := su.commandEmoji(
			ctx,
			testInteraction(
				DiscordSlashCommandEmoji,
				"vc-1",
				stringOption(commandOptionAction, emojiActionAdd),
				stringOption(commandOptionEmoji, "🏭"),
			),
			user,
		)
		assert.Equal(t, "Added emoji 🏭 for game Factorio", msg)

		var entry GameEmoji
		require.NoError(
			t,
			su.db.Where("guild_id = ? AND game_name = ?", "guild-1", "Factorio").
				Take(&entry).Error,
		)
		assert.Equal(t, "🏭", entry.Emoji)

		msg = su.commandEmoji(
			ctx,
			testInteraction(
				DiscordSlashCommandEmoji,
				"vc-1",
				stringOption(commandOptionAction, emojiActionRemove),
			),
			user,
		)
		assert.Equal(t, "Removed emoji 🏭 for game Factorio", msg)

		msg = su.commandEmoji(
			ctx,
			testInteraction(
				DiscordSlashCommandEmoji,
				"vc-1",
				stringOption(commandOptionAction, emojiActionRemove),
			),
			user,
		)
		assert.Equal(t, "You have not added an emoji for Factorio", msg)
	})

	t.Run("display name", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		su.commandEmoji(
			ctx,
			testInteraction(
				DiscordSlashCommandEmoji,
				"vc-1",
				stringOption(commandOptionAction, emojiActionAdd),
				stringOption(commandOptionEmoji, "🏭"),
				stringOption(commandOptionDisplayName, "The Factory"),
			),
			user,
		)

		var entry GameEmoji
		require.NoError(
			t,
			su.db.Where("guild_id = ? AND game_name = ?", "guild-1", "Factorio").
				Take(&entry).Error,
		)
		assert.Equal(t, "The Factory", entry.DisplayName)
	})

	t.Run("ignore toggles", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		i := testInteraction(
			DiscordSlashCommandEmoji,
			"vc-1",
			stringOption(commandOptionAction, emojiActionIgnore),
		)
		assert.Equal(t, "Ignored game Factorio", su.commandEmoji(ctx, i, user))
		assert.Equal(t, "Unignored game Factorio", su.commandEmoji(ctx, i, user))
	})

	t.Run("invalid input", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		// Emoji with a space is rejected, and no display name was given
		msg := su.commandEmoji(
			ctx,
			testInteraction(
				DiscordSlashCommandEmoji,
				"vc-1",
				stringOption(commandOptionAction, emojiActionAdd),
				stringOption(commandOptionEmoji, "not an emoji"),
			),
			user,
		)
		assert.Equal(t, "Invalid input: provide an emoji or a display name", msg)
	})

	t.Run("missing action", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		msg := su.commandEmoji(
			ctx,
			testInteraction(DiscordSlashCommandEmoji, "vc-1"),
			user,
		)
		assert.Equal(t, "Missing action", msg)
	})

	t.Run("outside a guild", func(t *testing.T) {
		su, _ := newTestStatusUpdater(t)
		ctx := WithLogger(context.Background(), su.logger)

		i := testInteraction(
			DiscordSlashCommandEmoji,
			"vc-1",
			stringOption(commandOptionAction, emojiActionAdd),
		)
		i.GuildID = ""
		msg := su.commandEmoji(ctx, i, user)
		assert.Equal(t, "Must be run in the server where the emoji is to be added", msg)
	})

	t.Run("target not playing", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		msg := su.commandEmoji(
			ctx,
			testInteraction(
				DiscordSlashCommandEmoji,
				"vc-1",
				stringOption(commandOptionAction, emojiActionAdd),
				stringOption(commandOptionEmoji, "🏭"),
				userOption("user-2"),
			),
			user,
		)
		assert.Equal(t, "You are not playing any games", msg)
	})

	t.Run("multiple games", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		guild := testGuild()
		guild.Presences[0].Activities = append(
			guild.Presences[0].Activities,
			&discordgo.Activity{Name: "Hades", Type: discordgo.ActivityTypeGame},
		)
		handler.guilds["guild-1"] = guild
		ctx := WithLogger(context.Background(), su.logger)

		msg := su.commandEmoji(
			ctx,
			testInteraction(
				DiscordSlashCommandEmoji,
				"vc-1",
				stringOption(commandOptionAction, emojiActionAdd),
				stringOption(commandOptionEmoji, "🏭"),
			),
			user,
		)
		assert.Equal(t, "You are playing multiple games (Factorio, Hades), aborting", msg)
	})
}

func TestCommandLink(t *testing.T) {
	user := &discordgo.User{ID: "user-1", Username: "alice"}

	t.Run("link and unlink steam", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		msg := su.commandLink(
			ctx,
			testInteraction(
				DiscordSlashCommandLink,
				"vc-1",
				stringOption(commandOptionService, linkServiceSteam),
				stringOption(commandOptionAccountID, "100"),
			),
			user,
		)
		assert.Equal(t, "Linked steam account 100 for <@user-1>", msg)

		var link MemberLink
		require.NoError(
			t,
			su.db.Where("guild_id = ? AND user_id = ?", "guild-1", "user-1").
				Take(&link).Error,
		)
		assert.Equal(t, "100", link.SteamID)
		assert.Equal(t, "alice", link.Username)

		msg = su.commandLink(
			ctx,
			testInteraction(
				DiscordSlashCommandLink,
				"vc-1",
				stringOption(commandOptionService, linkServiceSteam),
			),
			user,
		)
		assert.Equal(t, "Unlinked steam account for <@user-1>", msg)

		// The now-empty row is pruned rather than left behind
		err := su.db.Take(&link, link.ID).Error
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

		var links []MemberLink
		require.NoError(t, su.db.Find(&links).Error)
		assert.Empty(t, links)
	})

	t.Run("link roblox for another user", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		msg := su.commandLink(
			ctx,
			testInteraction(
				DiscordSlashCommandLink,
				"vc-1",
				stringOption(commandOptionService, linkServiceRoblox),
				stringOption(commandOptionAccountID, "200"),
				userOption("user-2"),
			),
			user,
		)
		assert.Equal(t, "Linked roblox account 200 for <@user-2>", msg)

		var link MemberLink
		require.NoError(
			t,
			su.db.Where("guild_id = ? AND user_id = ?", "guild-1", "user-2").
				Take(&link).Error,
		)
		assert.Equal(t, "200", link.RobloxID)
	})

	t.Run("unknown service", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		msg := su.commandLink(
			ctx,
			testInteraction(
				DiscordSlashCommandLink,
				"vc-1",
				stringOption(commandOptionService, "battlenet"),
			),
			user,
		)
		assert.Equal(t, "Unknown service: battlenet", msg)
	})

	t.Run("missing service", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		msg := su.commandLink(
			ctx,
			testInteraction(DiscordSlashCommandLink, "vc-1"),
			user,
		)
		assert.Equal(t, "Missing service", msg)
	})
}

func TestCommandsWithoutContextLogger(t *testing.T) {
	su, handler := newTestStatusUpdater(t)
	handler.guilds["guild-1"] = testGuild()
	user := &discordgo.User{ID: "user-1", Username: "alice"}

	// Handlers fall back to the bot's logger on a bare context
	ctx := context.Background()

	msg := su.commandLink(
		ctx,
		testInteraction(
			DiscordSlashCommandLink,
			"vc-1",
			stringOption(commandOptionService, linkServiceSteam),
			stringOption(commandOptionAccountID, "100"),
		),
		user,
	)
	assert.Equal(t, "Linked steam account 100 for <@user-1>", msg)

	msg = su.commandToggle(ctx, testInteraction(DiscordSlashCommandToggle, "vc-1"))
	assert.Equal(t, "Disabled voice status updates for this channel", msg)
}

func TestCommandIcon(t *testing.T) {
	user := &discordgo.User{ID: "user-1", Username: "alice"}

	t.Run("no icon found", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		msg := su.commandIcon(
			ctx,
			testInteraction(DiscordSlashCommandIcon, "vc-1"),
			user,
		)
		assert.Equal(t, "Unable to find an icon for Factorio", msg)
	})

	t.Run("returns icon url", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		resolver, mux := newTestIconResolver(t)
		resolver.steamApps = []SteamApp{{AppID: 427520, Name: "Factorio"}}
		mux.HandleFunc(
			"/steamcdn/steam/apps/427520/logo.png",
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write(pngHeader)
			},
		)
		su.icons = resolver

		msg := su.commandIcon(
			ctx,
			testInteraction(DiscordSlashCommandIcon, "vc-1"),
			user,
		)
		assert.Contains(t, msg, "/steamcdn/steam/apps/427520/logo.png")
	})

	t.Run("uploads emoji", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		ctx := WithLogger(context.Background(), su.logger)

		resolver, mux := newTestIconResolver(t)
		resolver.steamApps = []SteamApp{{AppID: 427520, Name: "Factorio"}}
		mux.HandleFunc(
			"/steamcdn/steam/apps/427520/logo.png",
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write(pngHeader)
			},
		)
		su.icons = resolver

		msg := su.commandIcon(
			ctx,
			testInteraction(
				DiscordSlashCommandIcon,
				"vc-1",
				boolOption(commandOptionUpload, true),
			),
			user,
		)
		assert.Equal(t, "Uploaded icon for Factorio as <:factorio:emoji-1>", msg)
		require.Len(t, handler.emojisCreated, 1)
		assert.Equal(t, "factorio", handler.emojisCreated[0].Name)
	})

	t.Run("upload failure returns url", func(t *testing.T) {
		su, handler := newTestStatusUpdater(t)
		handler.guilds["guild-1"] = testGuild()
		handler.emojiErr = assert.AnError
		ctx := WithLogger(context.Background(), su.logger)

		resolver, mux := newTestIconResolver(t)
		resolver.steamApps = []SteamApp{{AppID: 427520, Name: "Factorio"}}
		mux.HandleFunc(
			"/steamcdn/steam/apps/427520/logo.png",
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write(pngHeader)
			},
		)
		su.icons = resolver

		msg := su.commandIcon(
			ctx,
			testInteraction(
				DiscordSlashCommandIcon,
				"vc-1",
				boolOption(commandOptionUpload, true),
			),
			user,
		)
		assert.Contains(t, msg, "Found an icon, but uploading it failed:")
	})
}
