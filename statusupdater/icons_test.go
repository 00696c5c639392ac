package statusupdater

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngHeader is enough of a PNG for content type sniffing.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func newTestIconResolver(t *testing.T) (*IconResolver, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resolver := NewIconResolver(
		&DiscordConfig{APIURL: srv.URL, CDNURL: srv.URL + "/cdn"},
		&SteamConfig{APIURL: srv.URL, CDNURL: srv.URL + "/steamcdn"},
		srv.Client(),
		nil,
	)
	return resolver, mux
}

func TestIconResolverLoad(t *testing.T) {
	resolver, mux := newTestIconResolver(t)
	mux.HandleFunc(
		"/applications/detectable",
		func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(
				w,
				`[{"id": "1234", "name": "Factorio", "aliases": ["factorio"]}]`,
			)
		},
	)
	mux.HandleFunc(
		"/ISteamApps/GetAppList/v2/",
		func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(
				w,
				`{"applist": {"apps": [{"appid": 427520, "name": "Factorio"}]}}`,
			)
		},
	)

	require.NoError(t, resolver.Load(context.Background()))
	assert.NotNil(t, resolver.findDetectableApp("1234"))
	assert.NotNil(t, resolver.findDetectableAppByName("Factorio"))
	assert.NotNil(t, resolver.findDetectableAppByName("factorio"))
	assert.Nil(t, resolver.findDetectableAppByName("Hades"))
	assert.NotNil(t, resolver.findSteamAppByName("Factorio"))
	assert.Nil(t, resolver.findSteamAppByName("Hades"))
}

func TestIconResolverLoadPartialFailure(t *testing.T) {
	resolver, mux := newTestIconResolver(t)
	mux.HandleFunc(
		"/applications/detectable",
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
	)
	mux.HandleFunc(
		"/ISteamApps/GetAppList/v2/",
		func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(
				w,
				`{"applist": {"apps": [{"appid": 427520, "name": "Factorio"}]}}`,
			)
		},
	)

	err := resolver.Load(context.Background())
	assert.Error(t, err)

	// The steam catalog still loaded
	assert.NotNil(t, resolver.findSteamAppByName("Factorio"))
}

func TestActivityAssetURL(t *testing.T) {
	resolver, _ := newTestIconResolver(t)

	t.Run("empty asset", func(t *testing.T) {
		assert.Equal(t, "", resolver.activityAssetURL("1234", ""))
	})

	t.Run("media proxy asset", func(t *testing.T) {
		u := resolver.activityAssetURL(
			"",
			"mp:external/abc123/https/example.com/icon.png",
		)
		assert.Equal(
			t,
			"https://media.discordapp.net/external/abc123/https/example.com/icon.png",
			u,
		)
	})

	t.Run("application asset hash", func(t *testing.T) {
		u := resolver.activityAssetURL("1234", "asset-hash")
		assert.True(
			t,
			strings.HasSuffix(u, "/cdn/app-assets/1234/asset-hash.png"),
			u,
		)
	})

	t.Run("asset hash without application ID", func(t *testing.T) {
		assert.Equal(t, "", resolver.activityAssetURL("", "asset-hash"))
	})
}

func TestIconResolverResolve(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*IconResolver, *http.ServeMux) {
		resolver, mux := newTestIconResolver(t)
		resolver.discordApps = []detectableApp{
			{ID: "1234", Name: "Factorio", Aliases: []string{"factorio"}},
		}
		resolver.steamApps = []SteamApp{{AppID: 413150, Name: "Stardew Valley"}}
		return resolver, mux
	}

	t.Run("activity large image", func(t *testing.T) {
		resolver, _ := setup(t)
		activity := &discordgo.Activity{
			ApplicationID: "1234",
			Assets:        discordgo.Assets{LargeImageID: "large-hash"},
		}
		u, err := resolver.Resolve(ctx, activity, "Factorio", "")
		require.NoError(t, err)
		assert.Contains(t, u, "/cdn/app-assets/1234/large-hash.png")
	})

	t.Run("activity small image fallback", func(t *testing.T) {
		resolver, _ := setup(t)
		activity := &discordgo.Activity{
			ApplicationID: "1234",
			Assets:        discordgo.Assets{SmallImageID: "small-hash"},
		}
		u, err := resolver.Resolve(ctx, activity, "Factorio", "")
		require.NoError(t, err)
		assert.Contains(t, u, "/cdn/app-assets/1234/small-hash.png")
	})

	t.Run("detectable app by name", func(t *testing.T) {
		resolver, mux := setup(t)
		mux.HandleFunc(
			"/applications/1234/rpc",
			func(w http.ResponseWriter, r *http.Request) {
				_, _ = fmt.Fprint(
					w,
					`{"id": "1234", "name": "Factorio", "icon": "icon-hash"}`,
				)
			},
		)
		u, err := resolver.Resolve(ctx, nil, "Factorio", "")
		require.NoError(t, err)
		assert.Contains(t, u, "/cdn/app-icons/1234/icon-hash.png")
	})

	t.Run("steam logo fallback", func(t *testing.T) {
		resolver, mux := setup(t)
		mux.HandleFunc(
			"/steamcdn/steam/apps/413150/logo.jpg",
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
		)
		// .png is probed first and 404s, .jpg succeeds
		u, err := resolver.Resolve(ctx, nil, "Stardew Valley", "")
		require.NoError(t, err)
		assert.Contains(t, u, "/steamcdn/steam/apps/413150/logo.jpg")
	})

	t.Run("steam source skips discord catalog", func(t *testing.T) {
		resolver, _ := setup(t)
		_, err := resolver.Resolve(ctx, nil, "Factorio", IconSourceSteam)
		assert.Error(t, err)
	})

	t.Run("unknown game", func(t *testing.T) {
		resolver, _ := setup(t)
		_, err := resolver.Resolve(ctx, nil, "Some Obscure Game", "")
		assert.ErrorContains(t, err, "no icon found")
	})
}

func TestEmojiNameForGame(t *testing.T) {
	testCases := []struct {
		game     string
		expected string
	}{
		{"Factorio", "factorio"},
		{"Stardew Valley", "stardew_valley"},
		{"Counter-Strike 2", "counter_strike_2"},
		{"Adopt Me!", "adopt_me"},
		{"A", "game_a"},
		{"!!", "game"},
		{
			"An Extremely Long Game Title That Goes On And On Forever",
			"an_extremely_long_game_title_tha",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.game, func(t *testing.T) {
			name := emojiNameForGame(tc.game)
			assert.Equal(t, tc.expected, name)
			assert.GreaterOrEqual(t, len(name), 2)
			assert.LessOrEqual(t, len(name), 32)
		})
	}
}

func TestFetchEmojiImage(t *testing.T) {
	ctx := context.Background()

	t.Run("png", func(t *testing.T) {
		resolver, mux := newTestIconResolver(t)
		mux.HandleFunc(
			"/icon.png",
			func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write(pngHeader)
			},
		)
		data, err := resolver.fetchEmojiImage(
			ctx,
			resolver.discordConfig.APIURL+"/icon.png",
		)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(data, "data:image/png;base64,"), data)
	})

	t.Run("unsupported type", func(t *testing.T) {
		resolver, mux := newTestIconResolver(t)
		mux.HandleFunc(
			"/icon.svg",
			func(w http.ResponseWriter, r *http.Request) {
				_, _ = fmt.Fprint(w, `<svg xmlns="http://www.w3.org/2000/svg"/>`)
			},
		)
		_, err := resolver.fetchEmojiImage(
			ctx,
			resolver.discordConfig.APIURL+"/icon.svg",
		)
		assert.ErrorContains(t, err, "unsupported emoji image type")
	})

	t.Run("too large", func(t *testing.T) {
		resolver, mux := newTestIconResolver(t)
		mux.HandleFunc(
			"/big.png",
			func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write(pngHeader)
				_, _ = w.Write(make([]byte, emojiImageMaxBytes))
			},
		)
		_, err := resolver.fetchEmojiImage(
			ctx,
			resolver.discordConfig.APIURL+"/big.png",
		)
		assert.ErrorContains(t, err, "emoji limit")
	})

	t.Run("missing", func(t *testing.T) {
		resolver, _ := newTestIconResolver(t)
		_, err := resolver.fetchEmojiImage(
			ctx,
			resolver.discordConfig.APIURL+"/nope.png",
		)
		assert.ErrorContains(t, err, "unexpected status 404")
	})
}
