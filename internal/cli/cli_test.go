package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkb/config"
	"pkb/internal/domain"
)

func TestSelectDatasets(t *testing.T) {
	cfg := config.DefaultConfig()

	all, err := selectDatasets(cfg, "/data", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, domain.KindKnowledge, all[0].Kind, "knowledge runs before feedback")
	assert.Equal(t, "/data/data/canonical_perspectives", all[0].Dir)
	assert.Equal(t, "feedback", all[1].Collection)

	only, err := selectDatasets(cfg, "/data", "feedback")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, domain.KindFeedback, only[0].Kind)

	_, err = selectDatasets(cfg, "/data", "reviews")
	assert.Error(t, err)
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "postgres://pkb:xxxxx@db:5432/pkb", maskPassword("postgres://pkb:secret@db:5432/pkb"))
	assert.Equal(t, "postgres://db/pkb", maskPassword("postgres://db/pkb"))
	assert.Equal(t, "", maskPassword(""))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "<1s", formatDuration(300*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h30m", formatDuration(90*time.Minute))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "价格 偏高", truncate("价格\n偏高", 10))
	assert.Equal(t, "价格...", truncate("价格偏高", 2))
}
