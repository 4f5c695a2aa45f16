package loader

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"pkb/internal/domain"
	"pkb/internal/port"
)

// ProjectionVersion changes whenever the text built for a record changes,
// so that stored vectors are recomputed.
const ProjectionVersion = 1

const (
	maxExamples = 3
	maxKeywords = 8
)

// Project turns a raw JSON object into a record of the given kind.
func Project(kind string, item map[string]any) (domain.Record, error) {
	switch kind {
	case domain.KindKnowledge:
		return projectKnowledge(item)
	case domain.KindFeedback:
		return projectFeedback(item)
	default:
		return domain.Record{}, fmt.Errorf("unknown record kind %q: %w", kind, port.ErrValidation)
	}
}

func projectKnowledge(item map[string]any) (domain.Record, error) {
	id := firstString(item, "insight_id", "id")
	if id == "" {
		return domain.Record{}, fmt.Errorf("knowledge record without insight_id: %w", port.ErrValidation)
	}
	if stringField(item, "insight") == "" {
		return domain.Record{}, fmt.Errorf("knowledge record %s: insight is required: %w", id, port.ErrValidation)
	}

	status := stringField(item, "status")
	if status == "" {
		status = "active"
	}
	meta := map[string]any{
		"type":      domain.KindKnowledge,
		"aspect":    stringField(item, "aspect"),
		"insight":   stringField(item, "insight"),
		"sentiment": stringField(item, "sentiment"),
		"status":    status,
	}
	if d := stringField(item, "description"); d != "" {
		meta["description"] = d
	}
	if kw := stringList(item, "keywords"); len(kw) > 0 {
		meta["keywords"] = kw
	}

	return domain.NewRecord(id, domain.KindKnowledge, KnowledgeText(item), meta), nil
}

// KnowledgeText builds the embedding text of a knowledge item. Empty parts
// are omitted.
func KnowledgeText(item map[string]any) string {
	examples := stringList(item, "examples")
	if len(examples) > maxExamples {
		examples = examples[:maxExamples]
	}
	keywords := stringList(item, "keywords")
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}

	parts := []struct{ label, value string }{
		{"维度", stringField(item, "aspect")},
		{"观点", stringField(item, "insight")},
		{"情感", stringField(item, "sentiment")},
		{"描述", stringField(item, "description")},
		{"示例", strings.Join(examples, "；")},
		{"关键词", strings.Join(keywords, ", ")},
	}

	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.value != "" {
			lines = append(lines, p.label+": "+p.value)
		}
	}
	return strings.Join(lines, "\n")
}

func projectFeedback(item map[string]any) (domain.Record, error) {
	id := firstString(item, "fb_id", "id")
	if id == "" {
		return domain.Record{}, fmt.Errorf("feedback record without fb_id: %w", port.ErrValidation)
	}
	raw := stringField(item, "raw_text")
	if Clean(raw) == "" {
		return domain.Record{}, fmt.Errorf("feedback record %s: raw_text is required: %w", id, port.ErrValidation)
	}

	meta := make(map[string]any, len(item)+2)
	for k, v := range item {
		meta[k] = v
	}
	meta["type"] = domain.KindFeedback

	return domain.NewRecord(id, domain.KindFeedback, FeedbackText(raw, stringField(item, "summary")), meta), nil
}

// FeedbackText builds the embedding text of a feedback item.
func FeedbackText(raw, summary string) string {
	text := "原文: " + Clean(raw)
	if s := Clean(summary); s != "" {
		text += "\n摘要: " + s
	}
	return text
}

const keptPunct = ",.!?；：\"'“”‘’（）【】，。！？"

// Clean collapses whitespace and drops symbols other than common
// punctuation. Letters and digits of every script are kept.
func Clean(text string) string {
	text = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsMark(r), unicode.IsSpace(r), r == '_':
			return r
		case strings.ContainsRune(keptPunct, r):
			return r
		default:
			return -1
		}
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

func firstString(item map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(item, k); s != "" {
			return s
		}
	}
	return ""
}

// stringField reads a scalar as text. Numeric ids are common in exports.
func stringField(item map[string]any, key string) string {
	switch v := item[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func stringList(item map[string]any, key string) []string {
	raw, ok := item[key].([]any)
	if !ok {
		if s := stringField(item, key); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
