package statusupdater

import (
	"context"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hello", truncate("hello", 5))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "", truncate("", 5))

	// Multi-byte runes aren't split
	assert.Equal(t, "🏭🌾", truncate("🏭🌾🎮", 2))
}

func TestChunkItems(t *testing.T) {
	t.Run("even split", func(t *testing.T) {
		chunks := chunkItems(2, "a", "b", "c", "d")
		require.Len(t, chunks, 2)
		assert.Equal(t, []string{"a", "b"}, chunks[0])
		assert.Equal(t, []string{"c", "d"}, chunks[1])
	})

	t.Run("remainder", func(t *testing.T) {
		chunks := chunkItems(2, 1, 2, 3)
		require.Len(t, chunks, 2)
		assert.Equal(t, []int{1, 2}, chunks[0])
		assert.Equal(t, []int{3}, chunks[1])
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, chunkItems[string](5))
	})

	t.Run("chunk larger than input", func(t *testing.T) {
		chunks := chunkItems(10, "a")
		require.Len(t, chunks, 1)
		assert.Equal(t, []string{"a"}, chunks[0])
	})
}

func TestStructToSlogValue(t *testing.T) {
	type inner struct {
		Token string `json:"token" log:"[redacted]"`
		Name  string `json:"name"`
	}
	type outer struct {
		Inner   *inner `json:"inner"`
		Skipped *inner `json:"skipped"`
		Count   int    `json:"count"`
	}

	v := structToSlogValue(
		outer{
			Inner: &inner{Token: "super-secret", Name: "bot"},
			Count: 3,
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, attr := range v.Group() {
		attrs[attr.Key] = attr.Value
	}

	// Nil pointers are skipped entirely
	_, ok := attrs["skipped"]
	assert.False(t, ok)

	innerAttrs := map[string]string{}
	for _, attr := range attrs["inner"].Group() {
		innerAttrs[attr.Key] = attr.Value.String()
	}
	assert.Equal(t, "[redacted]", innerAttrs["token"])
	assert.Equal(t, "bot", innerAttrs["name"])
}

func TestWithLoggerContextLogger(t *testing.T) {
	ctx := context.Background()

	logger, ok := ContextLogger(ctx)
	assert.False(t, ok)
	assert.Nil(t, logger)

	expected := slog.Default().With("component", "test")
	ctx = WithLogger(ctx, expected)
	logger, ok = ContextLogger(ctx)
	assert.True(t, ok)
	assert.Same(t, expected, logger)
}

func TestStringPointerValue(t *testing.T) {
	assert.Equal(t, "", stringPointerValue(nil))
	s := "value"
	assert.Equal(t, "value", stringPointerValue(&s))
}

func TestGetDiscordUser(t *testing.T) {
	fromUser := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			User: &discordgo.User{ID: "user-1"},
		},
	}
	assert.Equal(t, "user-1", getDiscordUser(fromUser).ID)

	fromMember := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: &discordgo.User{ID: "user-2"}},
		},
	}
	assert.Equal(t, "user-2", getDiscordUser(fromMember).ID)

	neither := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{},
	}
	assert.Nil(t, getDiscordUser(neither))
}
