// Package knowledge loads the spreadsheet-backed configuration hub into
// immutable snapshots, refreshes them on an interval and projects the active
// entities into the vector store.
package knowledge

import (
	"time"

	"github.com/taniahq/tania/pkg/llm"
)

// Tab titles in the configuration spreadsheet.
const (
	TabBranches          = "branches"
	TabProducts          = "products"
	TabFAQs              = "faqs"
	TabKnowledge         = "knowledge"
	TabCanned            = "canned"
	TabAgentConfig       = "agent_config"
	TabTools             = "tools"
	TabSeasonRules       = "season_rules"
	TabSeasonConfig      = "season_config"
	TabOrderModifyPolicy = "order_modify_policy"
	TabModelRouting      = "model_routing"
)

// AllTabs is the fetch order for a full refresh.
var AllTabs = []string{
	TabBranches, TabProducts, TabFAQs, TabKnowledge, TabCanned,
	TabAgentConfig, TabTools, TabSeasonRules, TabSeasonConfig,
	TabOrderModifyPolicy, TabModelRouting,
}

// Vector store categories the hub projects into.
const (
	CategoryBranchInfo = "branch_info"
	CategoryProduct    = "product"
	CategoryFAQ        = "faq"
	CategoryCanned     = "canned"
	CategoryKnowledge  = "knowledge"
)

// SourceConfigHub marks vector rows owned by the hub projection.
const SourceConfigHub = "config_hub"

// Branch is one physical location.
type Branch struct {
	ID        string
	Name      string
	ShortName string
	Address   string
	City      string
	Phone     string
	Synonyms  []string
	Enabled   bool
}

// Product is one sellable item.
type Product struct {
	WooID         string
	SKU           string
	Name          string
	Category      string
	Description   string
	Price         float64
	FuzzyKeywords []string
	Season        string
	Enabled       bool
}

// FAQ is one question/answer pair.
type FAQ struct {
	Question string
	Answer   string
	Category string
	Enabled  bool
}

// CannedResponse is a pre-written reply keyed by trigger phrases. Season-bound
// responses only apply while their season is active.
type CannedResponse struct {
	Trigger  string
	Response string
	Season   string
	Enabled  bool
}

// KnowledgeItem is free-form reference content.
type KnowledgeItem struct {
	Topic    string
	Content  string
	Category string
	Enabled  bool
}

// ToolConfig describes an external action endpoint the bot may propose.
type ToolConfig struct {
	Name        string
	Description string
	HandlerKind string
	Endpoint    string
	Enabled     bool
}

// SeasonRule activates season-specific behavior inside a date window.
type SeasonRule struct {
	Name     string
	StartsAt time.Time
	EndsAt   time.Time
	Message  string
	Products []string
	Enabled  bool
}

// Active reports whether the rule's window contains now.
func (r SeasonRule) Active(now time.Time) bool {
	return r.Enabled && !now.Before(r.StartsAt) && now.Before(r.EndsAt)
}

// OrderModifyPolicy governs how close to pickup an order may still change.
type OrderModifyPolicy struct {
	CutoffHours      int
	RequiresApproval bool
	Notes            string
}

// Snapshot is one immutable view of the configuration hub. Readers pin a
// snapshot for the duration of a request; the registry swaps the current
// pointer atomically on refresh.
type Snapshot struct {
	Version    int64
	FetchedAt  time.Time
	IsFallback bool

	Branches          []Branch
	Products          []Product
	FAQs              []FAQ
	Canned            []CannedResponse
	Knowledge         []KnowledgeItem
	AgentConfig       map[string]string
	Tools             []ToolConfig
	SeasonRules       []SeasonRule
	SeasonConfig      map[string]string
	OrderModifyPolicy OrderModifyPolicy
	ModelRouting      map[string]llm.ModelConfig
}

// ActiveSeason returns the first season rule whose window contains now.
func (s *Snapshot) ActiveSeason(now time.Time) *SeasonRule {
	for i := range s.SeasonRules {
		if s.SeasonRules[i].Active(now) {
			return &s.SeasonRules[i]
		}
	}
	return nil
}

// ActiveCanned returns enabled canned responses applicable right now: the
// season-neutral set plus those bound to the active season.
func (s *Snapshot) ActiveCanned(now time.Time) []CannedResponse {
	season := s.ActiveSeason(now)
	out := make([]CannedResponse, 0, len(s.Canned))
	for _, c := range s.Canned {
		if !c.Enabled {
			continue
		}
		if c.Season == "" || (season != nil && c.Season == season.Name) {
			out = append(out, c)
		}
	}
	return out
}

// Age reports how stale the snapshot is.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}
