package statusupdater

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// steamPlayerSummary is a single player record from the Steam
// GetPlayerSummaries endpoint. GameExtraInfo is only present while the
// player is in-game.
type steamPlayerSummary struct {
	SteamID       string `json:"steamid"`
	PersonaName   string `json:"personaname"`
	GameID        string `json:"gameid,omitempty"`
	GameExtraInfo string `json:"gameextrainfo,omitempty"`
}

type steamPlayerSummariesResponse struct {
	Response struct {
		Players []steamPlayerSummary `json:"players"`
	} `json:"response"`
}

type steamAppListResponse struct {
	AppList struct {
		Apps []SteamApp `json:"apps"`
	} `json:"applist"`
}

// SteamApp is an entry from the Steam app list, used to resolve a game
// name to its store app ID.
type SteamApp struct {
	AppID int    `json:"appid"`
	Name  string `json:"name"`
}

// retryAfterDelay parses a Retry-After response header. Returns zero if
// the header is absent or unparseable.
func retryAfterDelay(rsp *http.Response) time.Duration {
	header := rsp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return time.Until(at)
	}
	return 0
}

// NewSteamFetcher returns a [FetchFunc] that resolves Steam IDs to the
// games their accounts are currently playing, via the GetPlayerSummaries
// Web API endpoint.
func NewSteamFetcher(config *SteamConfig, client *http.Client) FetchFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, logger *slog.Logger, ids []string) (
		map[string][]string,
		error,
	) {
		query := url.Values{}
		query.Set("key", config.Key)
		query.Set("steamids", strings.Join(ids, ","))

		endpoint := fmt.Sprintf(
			"%s/ISteamUser/GetPlayerSummaries/v0002/?%s",
			strings.TrimSuffix(config.APIURL, "/"),
			query.Encode(),
		)
		req, err := http.NewRequestWithContext(
			ctx,
			http.MethodGet,
			endpoint,
			nil,
		)
		if err != nil {
			return nil, err
		}

		rsp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("steam player summaries request: %w", err)
		}
		defer func() {
			_ = rsp.Body.Close()
		}()

		if rsp.StatusCode == http.StatusTooManyRequests {
			return nil, &RateLimitError{RetryAfter: retryAfterDelay(rsp)}
		}
		if rsp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf(
				"steam player summaries: unexpected status %d",
				rsp.StatusCode,
			)
		}

		var payload steamPlayerSummariesResponse
		if err = json.NewDecoder(rsp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("steam player summaries response: %w", err)
		}

		results := map[string][]string{}
		for _, player := range payload.Response.Players {
			if player.GameExtraInfo == "" {
				continue
			}
			logger.DebugContext(
				ctx,
				"steam player in game",
				"steam_id", player.SteamID,
				"game", player.GameExtraInfo,
			)
			results[player.SteamID] = append(
				results[player.SteamID],
				player.GameExtraInfo,
			)
		}
		return results, nil
	}
}

// getSteamAppList retrieves the full Steam app catalog. The result is
// large (over a hundred thousand entries) and changes rarely, so callers
// should cache it.
func getSteamAppList(
	ctx context.Context,
	config *SteamConfig,
	client *http.Client,
) ([]SteamApp, error) {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := fmt.Sprintf(
		"%s/ISteamApps/GetAppList/v2/",
		strings.TrimSuffix(config.APIURL, "/"),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	rsp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("steam app list request: %w", err)
	}
	defer func() {
		_ = rsp.Body.Close()
	}()

	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("steam app list: unexpected status %d", rsp.StatusCode)
	}
	var payload steamAppListResponse
	if err = json.NewDecoder(rsp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("steam app list response: %w", err)
	}
	return payload.AppList.Apps, nil
}
