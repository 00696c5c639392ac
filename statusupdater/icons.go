package statusupdater

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	IconSourceDiscord = "discord"
	IconSourceSteam   = "steam"

	// mediaProxyAssetPrefix marks activity asset IDs that are media proxy
	// URLs rather than application asset hashes
	mediaProxyAssetPrefix = "mp:"

	discordMediaProxyURL = "https://media.discordapp.net"

	// emojiImageMaxBytes is Discord's size limit for custom emoji uploads
	emojiImageMaxBytes = 256 * 1024
)

// detectableApp is an entry from Discord's detectable applications list.
type detectableApp struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}

type appRPCRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon"`
}

// IconResolver resolves a game to an icon image URL, checking the
// activity's own assets, Discord's detectable application catalog, and
// the Steam store in turn. The catalogs are loaded once and cached.
type IconResolver struct {
	discordConfig *DiscordConfig
	steamConfig   *SteamConfig
	client        *http.Client
	logger        *slog.Logger

	mu          sync.RWMutex
	discordApps []detectableApp
	steamApps   []SteamApp
}

func NewIconResolver(
	discordConfig *DiscordConfig,
	steamConfig *SteamConfig,
	client *http.Client,
	logger *slog.Logger,
) *IconResolver {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IconResolver{
		discordConfig: discordConfig,
		steamConfig:   steamConfig,
		client:        client,
		logger:        logger.With(loggerNameKey, "icons"),
	}
}

// Load fetches the Discord detectable application list and the Steam app
// catalog. A failure loading one catalog doesn't prevent the other from
// being used.
func (r *IconResolver) Load(ctx context.Context) error {
	var errs []error

	discordApps, err := r.fetchDetectableApps(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("error loading discord app list: %w", err))
	}
	steamApps, err := getSteamAppList(ctx, r.steamConfig, r.client)
	if err != nil {
		errs = append(errs, fmt.Errorf("error loading steam app list: %w", err))
	}

	r.mu.Lock()
	if discordApps != nil {
		r.discordApps = discordApps
	}
	if steamApps != nil {
		r.steamApps = steamApps
	}
	r.mu.Unlock()

	r.logger.InfoContext(
		ctx,
		"loaded app catalogs",
		"discord_apps", len(discordApps),
		"steam_apps", len(steamApps),
	)
	return errors.Join(errs...)
}

func (r *IconResolver) fetchDetectableApps(ctx context.Context) ([]detectableApp, error) {
	endpoint := fmt.Sprintf(
		"%s/applications/detectable",
		strings.TrimSuffix(r.discordConfig.APIURL, "/"),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	rsp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rsp.Body.Close()
	}()
	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", rsp.StatusCode)
	}
	var apps []detectableApp
	if err = json.NewDecoder(rsp.Body).Decode(&apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// fetchAppRPC retrieves the public RPC record for an application, which
// includes its icon hash.
func (r *IconResolver) fetchAppRPC(ctx context.Context, appID string) (*appRPCRecord, error) {
	endpoint := fmt.Sprintf(
		"%s/applications/%s/rpc",
		strings.TrimSuffix(r.discordConfig.APIURL, "/"),
		appID,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	rsp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rsp.Body.Close()
	}()
	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", rsp.StatusCode)
	}
	var record appRPCRecord
	if err = json.NewDecoder(rsp.Body).Decode(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

// findDetectableApp returns the detectable app matching the given ID, or
// nil.
func (r *IconResolver) findDetectableApp(appID string) *detectableApp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.discordApps {
		if r.discordApps[i].ID == appID {
			return &r.discordApps[i]
		}
	}
	return nil
}

// findDetectableAppByName returns the first detectable app whose name or
// alias matches the given name, or nil.
func (r *IconResolver) findDetectableAppByName(name string) *detectableApp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.discordApps {
		app := &r.discordApps[i]
		if app.Name == name {
			return app
		}
		for _, alias := range app.Aliases {
			if alias == name {
				return app
			}
		}
	}
	return nil
}

// findSteamAppByName returns the first Steam app with the given name, or
// nil.
func (r *IconResolver) findSteamAppByName(name string) *SteamApp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.steamApps {
		if r.steamApps[i].Name == name {
			return &r.steamApps[i]
		}
	}
	return nil
}

// activityAssetURL builds the image URL for an activity asset ID. Asset
// IDs prefixed with "mp:" are media proxy paths; others are application
// asset hashes served from the CDN.
func (r *IconResolver) activityAssetURL(applicationID string, assetID string) string {
	if assetID == "" {
		return ""
	}
	if strings.HasPrefix(assetID, mediaProxyAssetPrefix) {
		return fmt.Sprintf(
			"%s/%s",
			discordMediaProxyURL,
			strings.TrimPrefix(assetID, mediaProxyAssetPrefix),
		)
	}
	if applicationID == "" {
		return ""
	}
	return fmt.Sprintf(
		"%s/app-assets/%s/%s.png",
		strings.TrimSuffix(r.discordConfig.CDNURL, "/"),
		applicationID,
		assetID,
	)
}

func (r *IconResolver) appIconURL(appID string, iconHash string) string {
	return fmt.Sprintf(
		"%s/app-icons/%s/%s.png",
		strings.TrimSuffix(r.discordConfig.CDNURL, "/"),
		appID,
		iconHash,
	)
}

// resourceExists probes a URL with a HEAD request.
func (r *IconResolver) resourceExists(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	rsp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	_ = rsp.Body.Close()
	return rsp.StatusCode == http.StatusOK
}

// Resolve returns an icon URL for a game. activity may be nil when the
// game came from an external presence poller rather than a Discord
// activity. source restricts the lookup to "discord" or "steam"; empty
// checks both, Discord first.
func (r *IconResolver) Resolve(
	ctx context.Context,
	activity *discordgo.Activity,
	gameName string,
	source string,
) (string, error) {
	discordSource := source == "" || source == IconSourceDiscord
	steamSource := source == "" || source == IconSourceSteam

	if discordSource && activity != nil {
		if u := r.activityAssetURL(activity.ApplicationID, activity.Assets.LargeImageID); u != "" {
			return u, nil
		}
		if u := r.activityAssetURL(activity.ApplicationID, activity.Assets.SmallImageID); u != "" {
			return u, nil
		}
		if activity.ApplicationID != "" {
			if app := r.findDetectableApp(activity.ApplicationID); app != nil {
				rpc, err := r.fetchAppRPC(ctx, app.ID)
				if err == nil && rpc.Icon != "" {
					return r.appIconURL(app.ID, rpc.Icon), nil
				}
				if err != nil {
					r.logger.WarnContext(
						ctx,
						"error fetching app rpc record",
						"app_id", app.ID,
						tint.Err(err),
					)
				}
			}
		}
	}

	if discordSource {
		if app := r.findDetectableAppByName(gameName); app != nil {
			rpc, err := r.fetchAppRPC(ctx, app.ID)
			if err == nil && rpc.Icon != "" {
				r.logger.DebugContext(
					ctx,
					"found discord app by name",
					"game", gameName,
					"app_id", app.ID,
				)
				return r.appIconURL(app.ID, rpc.Icon), nil
			}
			if err != nil {
				r.logger.WarnContext(
					ctx,
					"error fetching app rpc record",
					"app_id", app.ID,
					tint.Err(err),
				)
			}
		}
	}

	if steamSource {
		if app := r.findSteamAppByName(gameName); app != nil {
			r.logger.DebugContext(
				ctx,
				"found steam app by name",
				"game", gameName,
				"app_id", app.AppID,
			)
			base := fmt.Sprintf(
				"%s/steam/apps/%d/logo",
				strings.TrimSuffix(r.steamConfig.CDNURL, "/"),
				app.AppID,
			)
			for _, ext := range []string{".png", ".jpg"} {
				if u := base + ext; r.resourceExists(ctx, u) {
					return u, nil
				}
			}
		}
	}

	return "", fmt.Errorf("no icon found for game %q", gameName)
}

var emojiNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// emojiNameForGame derives a valid custom emoji name from a game name.
// Discord requires 2 to 32 characters of alphanumerics and underscores.
func emojiNameForGame(game string) string {
	name := emojiNameSanitizer.ReplaceAllString(game, "_")
	name = strings.Trim(name, "_")
	name = truncate(name, 32)
	if len(name) < 2 {
		name = "game_" + name
		name = strings.TrimSuffix(name, "_")
	}
	return strings.ToLower(name)
}

// fetchEmojiImage downloads an icon and returns it as a base64 data URI
// suitable for the emoji creation endpoint. Only image types Discord
// accepts for emoji are allowed.
func (r *IconResolver) fetchEmojiImage(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	rsp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = rsp.Body.Close()
	}()
	if rsp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d fetching icon", rsp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(rsp.Body, emojiImageMaxBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > emojiImageMaxBytes {
		return "", fmt.Errorf("icon exceeds %d byte emoji limit", emojiImageMaxBytes)
	}

	contentType := http.DetectContentType(data)
	switch contentType {
	case "image/png", "image/jpeg", "image/gif":
	default:
		return "", fmt.Errorf("unsupported emoji image type %q", contentType)
	}
	return fmt.Sprintf(
		"data:%s;base64,%s",
		contentType,
		base64.StdEncoding.EncodeToString(data),
	), nil
}

// uploadGameEmoji downloads the icon at the given URL and creates it as
// a guild custom emoji named after the game.
func (r *IconResolver) uploadGameEmoji(
	ctx context.Context,
	handler DiscordSessionHandler,
	guildID string,
	gameName string,
	iconURL string,
) (*discordgo.Emoji, error) {
	image, err := r.fetchEmojiImage(ctx, iconURL)
	if err != nil {
		return nil, fmt.Errorf("error fetching emoji image: %w", err)
	}
	emoji, err := handler.GuildEmojiCreate(
		guildID,
		&discordgo.EmojiParams{
			Name:  emojiNameForGame(gameName),
			Image: image,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating guild emoji: %w", err)
	}
	r.logger.InfoContext(
		ctx,
		"created guild emoji",
		"guild_id", guildID,
		"game", gameName,
		"emoji_id", emoji.ID,
		"emoji_name", emoji.Name,
	)
	return emoji, nil
}
