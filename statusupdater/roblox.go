package statusupdater

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// robloxPresenceInGame is the userPresenceType for a user currently in a
// game. Other values (offline, online, in studio) are ignored.
const robloxPresenceInGame = 2

// robloxGameName is the tracked game name for any user in a Roblox
// experience. The presence API's lastLocation is hidden unless the
// requesting account is friends with the user, so it can't name the
// specific experience.
const robloxGameName = "Roblox"

type robloxPresenceRequest struct {
	UserIDs []int64 `json:"userIds"`
}

type robloxUserPresence struct {
	UserPresenceType int    `json:"userPresenceType"`
	LastLocation     string `json:"lastLocation"`
	UserID           int64  `json:"userId"`
}

type robloxPresenceResponse struct {
	UserPresences []robloxUserPresence `json:"userPresences"`
}

// NewRobloxFetcher returns a [FetchFunc] that resolves Roblox user IDs to
// the games those users are currently in, via the Roblox presence API.
func NewRobloxFetcher(config *RobloxConfig, client *http.Client) FetchFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, logger *slog.Logger, ids []string) (
		map[string][]string,
		error,
	) {
		userIDs := make([]int64, 0, len(ids))
		for _, id := range ids {
			userID, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				logger.WarnContext(
					ctx,
					"skipping non-numeric roblox user ID",
					"roblox_id", id,
				)
				continue
			}
			userIDs = append(userIDs, userID)
		}
		if len(userIDs) == 0 {
			return map[string][]string{}, nil
		}

		body, err := json.Marshal(robloxPresenceRequest{UserIDs: userIDs})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			config.PresenceURL,
			bytes.NewReader(body),
		)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		rsp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("roblox presence request: %w", err)
		}
		defer func() {
			_ = rsp.Body.Close()
		}()

		if rsp.StatusCode == http.StatusTooManyRequests {
			return nil, &RateLimitError{RetryAfter: retryAfterDelay(rsp)}
		}
		if rsp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf(
				"roblox presence: unexpected status %d",
				rsp.StatusCode,
			)
		}

		var payload robloxPresenceResponse
		if err = json.NewDecoder(rsp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("roblox presence response: %w", err)
		}

		results := map[string][]string{}
		for _, presence := range payload.UserPresences {
			if presence.UserPresenceType != robloxPresenceInGame {
				continue
			}
			userID := strconv.FormatInt(presence.UserID, 10)
			logger.DebugContext(
				ctx,
				"roblox user in game",
				"roblox_id", userID,
				"location", presence.LastLocation,
			)
			results[userID] = append(results[userID], robloxGameName)
		}
		return results, nil
	}
}
