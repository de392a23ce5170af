package llm

import "encoding/json"

// Structured-output payloads. Each schema key names one closed output shape;
// the JSON schemas below are sent as response_format when the model supports
// JSON mode, and the same structs decode the reply either way.

// Reply is the tania_reply structured output of the reply pipelines.
type Reply struct {
	Reply        string  `json:"reply"`
	Confidence   float64 `json:"confidence"`
	Intent       string  `json:"intent,omitempty"`
	NeedsHandoff bool    `json:"needs_handoff,omitempty"`
}

// ExtractedFact is one durable claim pulled out during summarization.
type ExtractedFact struct {
	FactType   string  `json:"fact_type"`
	FactKey    string  `json:"fact_key"`
	FactValue  string  `json:"fact_value"`
	Confidence float64 `json:"confidence"`
}

// ConversationSummary is the conversation_summary structured output.
type ConversationSummary struct {
	Summary           string          `json:"summary"`
	PrimaryIntent     string          `json:"primary_intent"`
	ResolutionStatus  string          `json:"resolution_status"`
	Sentiment         string          `json:"sentiment"`
	ProductsMentioned []string        `json:"products_mentioned"`
	ExtractedFacts    []ExtractedFact `json:"extracted_facts"`
}

// MessageAnalysis is the message_analysis structured output of the legacy
// pipeline's analyzer stage.
type MessageAnalysis struct {
	Intent       string   `json:"intent"`
	Frustration  int      `json:"frustration"`
	LoopDetected bool     `json:"loop_detected"`
	Strategy     string   `json:"strategy"`
	DataNeeds    []string `json:"data_needs"`
}

// ValidationVerdict is the response_validation structured output of the
// legacy pipeline's validator stage.
type ValidationVerdict struct {
	Verdict              string `json:"verdict"` // approve | reject | needs_revision
	Reason               string `json:"reason,omitempty"`
	RevisionInstructions string `json:"revision_instructions,omitempty"`
}

// TabClassification is the sheet_schema_analysis structured output of the
// knowledge registry's auto-discovery step.
type TabClassification struct {
	Tabs []struct {
		Title    string `json:"title"`
		Category string `json:"category"`
		Column   string `json:"content_column"`
	} `json:"tabs"`
}

// schemas maps schema keys to their JSON schema documents.
var schemas = map[string]json.RawMessage{
	"tania_reply": json.RawMessage(`{
		"type": "object",
		"properties": {
			"reply": {"type": "string"},
			"confidence": {"type": "number"},
			"intent": {"type": "string"},
			"needs_handoff": {"type": "boolean"}
		},
		"required": ["reply", "confidence"],
		"additionalProperties": false
	}`),
	"conversation_summary": json.RawMessage(`{
		"type": "object",
		"properties": {
			"summary": {"type": "string"},
			"primary_intent": {"type": "string"},
			"resolution_status": {"type": "string"},
			"sentiment": {"type": "string"},
			"products_mentioned": {"type": "array", "items": {"type": "string"}},
			"extracted_facts": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"fact_type": {"type": "string"},
						"fact_key": {"type": "string"},
						"fact_value": {"type": "string"},
						"confidence": {"type": "number"}
					},
					"required": ["fact_type", "fact_key", "fact_value"],
					"additionalProperties": false
				}
			}
		},
		"required": ["summary"],
		"additionalProperties": false
	}`),
	"message_analysis": json.RawMessage(`{
		"type": "object",
		"properties": {
			"intent": {"type": "string"},
			"frustration": {"type": "integer", "minimum": 0, "maximum": 5},
			"loop_detected": {"type": "boolean"},
			"strategy": {"type": "string"},
			"data_needs": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["intent"],
		"additionalProperties": false
	}`),
	"response_validation": json.RawMessage(`{
		"type": "object",
		"properties": {
			"verdict": {"type": "string", "enum": ["approve", "reject", "needs_revision"]},
			"reason": {"type": "string"},
			"revision_instructions": {"type": "string"}
		},
		"required": ["verdict"],
		"additionalProperties": false
	}`),
	"sheet_schema_analysis": json.RawMessage(`{
		"type": "object",
		"properties": {
			"tabs": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"title": {"type": "string"},
						"category": {"type": "string"},
						"content_column": {"type": "string"}
					},
					"required": ["title", "category"],
					"additionalProperties": false
				}
			}
		},
		"required": ["tabs"],
		"additionalProperties": false
	}`),
}

// SchemaFor returns the JSON schema for a key, or nil when unknown.
func SchemaFor(key string) json.RawMessage {
	return schemas[key]
}
