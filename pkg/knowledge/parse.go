package knowledge

import (
	"strconv"
	"strings"
	"time"

	"github.com/taniahq/tania/pkg/llm"
)

// tabRows wraps a raw tab: a header row followed by data rows. Column lookup
// is by lowercased header name, so column order in the sheet is free.
type tabRows struct {
	index map[string]int
	rows  [][]string
}

func newTabRows(raw [][]string) tabRows {
	t := tabRows{index: map[string]int{}}
	if len(raw) == 0 {
		return t
	}
	for i, h := range raw[0] {
		t.index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	t.rows = raw[1:]
	return t
}

func (t tabRows) get(row []string, column string) string {
	i, ok := t.index[column]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "si", "sí", "y":
		return true
	}
	return false
}

// enabledDefault treats an empty cell as enabled; rows must opt out.
func enabledDefault(s string) bool {
	if strings.TrimSpace(s) == "" {
		return true
	}
	return parseBool(s)
}

func parseList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	sep := ","
	if strings.Contains(s, "|") {
		sep = "|"
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseFloat(s string) float64 {
	s = strings.TrimSpace(strings.TrimPrefix(s, "$"))
	s = strings.ReplaceAll(s, ",", "")
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseDate(s string) time.Time {
	for _, layout := range []string{"2006-01-02", "02/01/2006", time.RFC3339} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseBranches(raw [][]string) []Branch {
	t := newTabRows(raw)
	out := make([]Branch, 0, len(t.rows))
	for _, row := range t.rows {
		b := Branch{
			ID:        t.get(row, "id"),
			Name:      t.get(row, "name"),
			ShortName: t.get(row, "short_name"),
			Address:   t.get(row, "address"),
			City:      t.get(row, "city"),
			Phone:     t.get(row, "phone"),
			Synonyms:  parseList(t.get(row, "synonyms")),
			Enabled:   enabledDefault(t.get(row, "enabled")),
		}
		if b.Name == "" {
			continue
		}
		out = append(out, b)
	}
	return out
}

func parseProducts(raw [][]string) []Product {
	t := newTabRows(raw)
	out := make([]Product, 0, len(t.rows))
	for _, row := range t.rows {
		p := Product{
			WooID:         t.get(row, "woo_id"),
			SKU:           t.get(row, "sku"),
			Name:          t.get(row, "name"),
			Category:      t.get(row, "category"),
			Description:   t.get(row, "description"),
			Price:         parseFloat(t.get(row, "price")),
			FuzzyKeywords: parseList(t.get(row, "fuzzy_keywords")),
			Season:        t.get(row, "season"),
			Enabled:       enabledDefault(t.get(row, "enabled")),
		}
		if p.Name == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func parseFAQs(raw [][]string) []FAQ {
	t := newTabRows(raw)
	out := make([]FAQ, 0, len(t.rows))
	for _, row := range t.rows {
		f := FAQ{
			Question: t.get(row, "question"),
			Answer:   t.get(row, "answer"),
			Category: t.get(row, "category"),
			Enabled:  enabledDefault(t.get(row, "enabled")),
		}
		if f.Question == "" || f.Answer == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}

func parseCanned(raw [][]string) []CannedResponse {
	t := newTabRows(raw)
	out := make([]CannedResponse, 0, len(t.rows))
	for _, row := range t.rows {
		c := CannedResponse{
			Trigger:  t.get(row, "trigger"),
			Response: t.get(row, "response"),
			Season:   t.get(row, "season"),
			Enabled:  enabledDefault(t.get(row, "enabled")),
		}
		if c.Trigger == "" || c.Response == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func parseKnowledge(raw [][]string) []KnowledgeItem {
	t := newTabRows(raw)
	out := make([]KnowledgeItem, 0, len(t.rows))
	for _, row := range t.rows {
		k := KnowledgeItem{
			Topic:    t.get(row, "topic"),
			Content:  t.get(row, "content"),
			Category: t.get(row, "category"),
			Enabled:  enabledDefault(t.get(row, "enabled")),
		}
		if k.Content == "" {
			continue
		}
		out = append(out, k)
	}
	return out
}

// parseKeyValue handles two-column tabs (agent_config, season_config).
func parseKeyValue(raw [][]string) map[string]string {
	t := newTabRows(raw)
	out := make(map[string]string, len(t.rows))
	for _, row := range t.rows {
		key := t.get(row, "key")
		if key == "" && len(row) > 0 {
			key = strings.TrimSpace(row[0])
		}
		value := t.get(row, "value")
		if value == "" && len(row) > 1 {
			value = strings.TrimSpace(row[1])
		}
		if key != "" {
			out[key] = value
		}
	}
	return out
}

func parseTools(raw [][]string) []ToolConfig {
	t := newTabRows(raw)
	out := make([]ToolConfig, 0, len(t.rows))
	for _, row := range t.rows {
		tool := ToolConfig{
			Name:        t.get(row, "name"),
			Description: t.get(row, "description"),
			HandlerKind: t.get(row, "handler"),
			Endpoint:    t.get(row, "endpoint"),
			Enabled:     enabledDefault(t.get(row, "enabled")),
		}
		if tool.Name == "" {
			continue
		}
		out = append(out, tool)
	}
	return out
}

func parseSeasonRules(raw [][]string) []SeasonRule {
	t := newTabRows(raw)
	out := make([]SeasonRule, 0, len(t.rows))
	for _, row := range t.rows {
		r := SeasonRule{
			Name:     t.get(row, "name"),
			StartsAt: parseDate(t.get(row, "starts_at")),
			EndsAt:   parseDate(t.get(row, "ends_at")),
			Message:  t.get(row, "message"),
			Products: parseList(t.get(row, "products")),
			Enabled:  enabledDefault(t.get(row, "enabled")),
		}
		if r.Name == "" || r.StartsAt.IsZero() || r.EndsAt.IsZero() {
			continue
		}
		out = append(out, r)
	}
	return out
}

func parseOrderModifyPolicy(raw [][]string) OrderModifyPolicy {
	kv := parseKeyValue(raw)
	cutoff, _ := strconv.Atoi(kv["cutoff_hours"])
	if cutoff <= 0 {
		cutoff = 24
	}
	return OrderModifyPolicy{
		CutoffHours:      cutoff,
		RequiresApproval: parseBool(kv["requires_approval"]),
		Notes:            kv["notes"],
	}
}

func parseModelRouting(raw [][]string) map[string]llm.ModelConfig {
	t := newTabRows(raw)
	out := make(map[string]llm.ModelConfig, len(t.rows))
	for _, row := range t.rows {
		task := t.get(row, "task")
		model := t.get(row, "model")
		if task == "" || model == "" {
			continue
		}
		cfg := llm.ModelConfig{Task: task, Model: model, Source: "sheet"}
		if v := t.get(row, "temperature"); v != "" {
			temp := float32(parseFloat(v))
			cfg.Temperature = &temp
		}
		if v := t.get(row, "max_tokens"); v != "" {
			cfg.MaxTokens, _ = strconv.Atoi(v)
		}
		out[task] = cfg
	}
	return out
}

// buildSnapshot assembles a snapshot from raw tabs. Absent tabs yield empty
// collections, never errors; a sheet edit must not take the bot down.
func buildSnapshot(tabs map[string][][]string, version int64, fetchedAt time.Time) *Snapshot {
	return &Snapshot{
		Version:           version,
		FetchedAt:         fetchedAt,
		Branches:          parseBranches(tabs[TabBranches]),
		Products:          parseProducts(tabs[TabProducts]),
		FAQs:              parseFAQs(tabs[TabFAQs]),
		Canned:            parseCanned(tabs[TabCanned]),
		Knowledge:         parseKnowledge(tabs[TabKnowledge]),
		AgentConfig:       parseKeyValue(tabs[TabAgentConfig]),
		Tools:             parseTools(tabs[TabTools]),
		SeasonRules:       parseSeasonRules(tabs[TabSeasonRules]),
		SeasonConfig:      parseKeyValue(tabs[TabSeasonConfig]),
		OrderModifyPolicy: parseOrderModifyPolicy(tabs[TabOrderModifyPolicy]),
		ModelRouting:      parseModelRouting(tabs[TabModelRouting]),
	}
}
