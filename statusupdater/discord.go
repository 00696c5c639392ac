package statusupdater

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// Option names for the slash commands
	commandOptionAction      = "action"
	commandOptionEmoji       = "emoji"
	commandOptionDisplayName = "display_name"
	commandOptionUser        = "user"
	commandOptionService     = "service"
	commandOptionAccountID   = "id"
	commandOptionSource      = "source"
	commandOptionUpload      = "upload"

	linkServiceSteam  = "steam"
	linkServiceRoblox = "roblox"

	emojiActionAdd    = "add"
	emojiActionRemove = "remove"
	emojiActionIgnore = "ignore"
)

// Discord manages the bot's gateway session: it registers the slash
// commands, routes incoming interactions, and provides the voice status
// endpoint the rest of the app writes through.
type Discord struct {
	handler                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	su                          *StatusUpdater
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, fmt.Errorf("nil discord config")
	}
	if config.Token == "" {
		return nil, fmt.Errorf("discord token not set")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
// State tracking stays enabled: voice states and presences from the
// gateway are what the status updater reads.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.State.TrackVoice = true
	disc.State.TrackPresences = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	session.session.LogLevel = discordgo.LogDebug
	if err != nil {
		return session, err
	}

	return session, nil
}

func (*Discord) appCommandToggle() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandToggle,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Toggle voice status updates for this channel",
	}
}

func (*Discord) appCommandUpdate() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandUpdate,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Force an update of the voice status",
	}
}

func (*Discord) appCommandDebug() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandDebug,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show the activities and tracked games for this voice channel",
	}
}

func (*Discord) appCommandEmoji() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandEmoji,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Edit config for a game, usually to add an emoji",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionAction,
				Description: "Whether to add or remove an emoji, or toggle ignoring the game",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: emojiActionAdd, Value: emojiActionAdd},
					{Name: emojiActionRemove, Value: emojiActionRemove},
					{Name: emojiActionIgnore, Value: emojiActionIgnore},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionEmoji,
				Description: "The emoji to add (ignored if removing)",
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionDisplayName,
				Description: "Override the game name with a custom display name",
			},
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        commandOptionUser,
				Description: "The user whose game to target (defaults to you)",
			},
		},
	}
}

func (*Discord) appCommandLink() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandLink,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Link an external account used when you have no Discord activity",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionService,
				Description: "The service to link",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: linkServiceSteam, Value: linkServiceSteam},
					{Name: linkServiceRoblox, Value: linkServiceRoblox},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionAccountID,
				Description: "The account ID to link (omit to unlink)",
			},
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        commandOptionUser,
				Description: "The user to target (defaults to you)",
			},
		},
	}
}

func (*Discord) appCommandIcon() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandIcon,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Get the icon for your current game, optionally uploading it as an emoji",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        commandOptionUser,
				Description: "The user whose game to target (defaults to you)",
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionSource,
				Description: "The service to pick the icon from (defaults to first available)",
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: IconSourceDiscord, Value: IconSourceDiscord},
					{Name: IconSourceSteam, Value: IconSourceSteam},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        commandOptionUpload,
				Description: "Upload the icon as a guild emoji",
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandToggle(),
		d.appCommandUpdate(),
		d.appCommandDebug(),
		d.appCommandEmoji(),
		d.appCommandLink(),
		d.appCommandIcon(),
	}

	created, err := d.handler.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command_name", c.Name, "command_id", c.ID)
	}
	return created, nil
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.handler.ChannelMessageSend(channelID, message, opts...)
	return err
}

// setVoiceStatus writes a voice channel's status via the channel voice
// status endpoint, which discordgo doesn't wrap. An empty status clears it.
func (d *Discord) setVoiceStatus(channelID string, status string) error {
	endpoint := discordgo.EndpointChannel(channelID) + "/voice-status"
	_, err := d.handler.RequestWithBucketID(
		http.MethodPut,
		endpoint,
		map[string]string{"status": status},
		endpoint,
	)
	return err
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.handler.UpdateCustomStatus(status)
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)

		config := d.su.RuntimeConfig()
		if config.DiscordCustomStatus != "" {
			if err := d.updateCustomStatus(config.DiscordCustomStatus); err != nil {
				d.logger.Error("unable to set custom status", tint.Err(err))
			}
		}
		if config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			d.logger.Info("sending notification")
			if sendErr := d.channelMessageSend(
				config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			} else {
				d.logger.Info("sent notification")
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildEmojiCreate creates a custom emoji in the given guild
	GuildEmojiCreate(
		guildID string,
		data *discordgo.EmojiParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Emoji, error)

	// RequestWithBucketID makes a raw authenticated API request, for
	// endpoints discordgo doesn't wrap
	RequestWithBucketID(
		method string,
		urlStr string,
		data any,
		bucketID string,
		options ...discordgo.RequestOption,
	) ([]byte, error)

	// Guild returns a guild from the session state
	Guild(guildID string) (*discordgo.Guild, error)

	// Guilds returns all guilds in the session state
	Guilds() []*discordgo.Guild

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	GatewayBot(options ...discordgo.RequestOption) (st *discordgo.GatewayBotResponse, err error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	st *discordgo.GatewayBotResponse,
	err error,
) {
	d.logger.Info("retrieving gateway bot")
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("error retrieving gateway bot", tint.Err(err))
	} else {
		d.logger.Info("retrieved gateway bot", "gateway_bot", structToSlogValue(gb))
	}
	return gb, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}

	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(
	status string,
) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) GuildEmojiCreate(
	guildID string,
	data *discordgo.EmojiParams,
	options ...discordgo.RequestOption,
) (*discordgo.Emoji, error) {
	return d.session.GuildEmojiCreate(guildID, data, options...)
}

func (d DiscordSession) RequestWithBucketID(
	method string,
	urlStr string,
	data any,
	bucketID string,
	options ...discordgo.RequestOption,
) ([]byte, error) {
	return d.session.RequestWithBucketID(method, urlStr, data, bucketID, options...)
}

func (d DiscordSession) Guild(guildID string) (*discordgo.Guild, error) {
	return d.session.State.Guild(guildID)
}

func (d DiscordSession) Guilds() []*discordgo.Guild {
	d.session.State.RLock()
	defer d.session.State.RUnlock()
	guilds := make([]*discordgo.Guild, len(d.session.State.Guilds))
	copy(guilds, d.session.State.Guilds)
	return guilds
}
