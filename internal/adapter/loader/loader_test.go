package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkb/internal/adapter/fs"
	"pkb/internal/domain"
	"pkb/internal/port"
)

func TestKnowledgeText(t *testing.T) {
	item := map[string]any{
		"insight_id":  "PRICE_001",
		"aspect":      "价格",
		"insight":     "价格偏高",
		"sentiment":   "negative",
		"examples":    []any{"太贵了", "不值这个价", "性价比低", "第四个"},
		"keywords":    []any{"贵", "价格", "性价比"},
		"description": "",
	}

	want := "维度: 价格\n观点: 价格偏高\n情感: negative\n示例: 太贵了；不值这个价；性价比低\n关键词: 贵, 价格, 性价比"
	assert.Equal(t, want, KnowledgeText(item))
}

func TestKnowledgeText_KeywordLimit(t *testing.T) {
	kw := make([]any, 10)
	for i := range kw {
		kw[i] = string(rune('a' + i))
	}
	text := KnowledgeText(map[string]any{"insight": "x", "keywords": kw})
	assert.Equal(t, "观点: x\n关键词: a, b, c, d, e, f, g, h", text)
}

func TestFeedbackText(t *testing.T) {
	assert.Equal(t, "原文: 原始文本", FeedbackText("  原始文本 ", ""))
	assert.Equal(t, "原文: 原始文本\n摘要: 摘要", FeedbackText("原始文本", "摘要"))
}

func TestClean(t *testing.T) {
	assert.Equal(t, "价格太贵了！ really bad", Clean("  价格太贵了！\n\t really   bad ★"))
	assert.Equal(t, "【新品】质量：一般", Clean("【新品】质量：一般#"))
	assert.Equal(t, "", Clean("  "))
}

func TestProject(t *testing.T) {
	rec, err := Project(domain.KindKnowledge, map[string]any{"insight_id": "PRICE_001", "insight": "价格偏高"})
	require.NoError(t, err)
	assert.Equal(t, "PRICE_001", rec.ID)
	assert.Equal(t, "active", rec.Metadata["status"])
	assert.Equal(t, domain.ContentHash(rec.Text), rec.ContentHash)

	rec, err = Project(domain.KindKnowledge, map[string]any{"id": 42.0, "insight": "numeric id"})
	require.NoError(t, err)
	assert.Equal(t, "42", rec.ID)

	rec, err = Project(domain.KindFeedback, map[string]any{"fb_id": "FB_1", "raw_text": "太贵了", "channel": "app"})
	require.NoError(t, err)
	assert.Equal(t, "原文: 太贵了", rec.Text)
	assert.Equal(t, "app", rec.Metadata["channel"])
	assert.Equal(t, domain.KindFeedback, rec.Metadata["type"])

	invalid := []struct {
		kind string
		item map[string]any
	}{
		{domain.KindKnowledge, map[string]any{"insight": "no id"}},
		{domain.KindKnowledge, map[string]any{"insight_id": "X"}},
		{domain.KindFeedback, map[string]any{"fb_id": "FB_2"}},
		{domain.KindFeedback, map[string]any{"raw_text": "no id"}},
		{"other", map[string]any{"id": "x"}},
	}
	for _, tc := range invalid {
		_, err := Project(tc.kind, tc.item)
		assert.ErrorIs(t, err, port.ErrValidation, "%v", tc.item)
	}
}

func TestProject_WhitespaceDoesNotChangeHash(t *testing.T) {
	a, err := Project(domain.KindKnowledge, map[string]any{"insight_id": "A", "insight": "价格 偏高"})
	require.NoError(t, err)
	b, err := Project(domain.KindKnowledge, map[string]any{"insight_id": "A", "insight": "  价格   偏高 "})
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, b.ContentHash)
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	write("a.json", `[
		{"insight_id": "PRICE_001", "aspect": "价格", "insight": "价格偏高"},
		{"insight_id": "BROKEN"},
		{"insight_id": "QUALITY_001", "aspect": "质量", "insight": "质量不稳定"}
	]`)
	write("b.json", `[{"insight_id": "PRICE_001", "aspect": "价格", "insight": "价格偏高，超出预期"}]`)
	write("c.json", `{"not": "an array"}`)

	res, err := New(fs.NewWalker([]string{"*.json"}, nil), nil).Load(context.Background(), domain.KindKnowledge, dir)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Files)
	assert.Equal(t, 2, res.Invalid)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "PRICE_001", res.Records[0].ID)
	assert.Contains(t, res.Records[0].Text, "超出预期", "later duplicate wins")
	assert.Equal(t, "b.json", res.Records[0].Metadata["source_file"])
	assert.Equal(t, "QUALITY_001", res.Records[1].ID)
	for _, err := range res.Errors {
		assert.ErrorIs(t, err, port.ErrValidation)
	}
}

func TestLoader_MissingDir(t *testing.T) {
	_, err := New(fs.NewWalker(nil, nil), nil).Load(context.Background(), domain.KindFeedback, filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
