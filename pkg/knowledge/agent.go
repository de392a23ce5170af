package knowledge

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// AgentSettings are the typed values behind the agent_config tab. The sheet
// stores everything as strings; decoding is weakly typed so "500" becomes an
// int and "true" a bool.
type AgentSettings struct {
	HandoffMessage   string `mapstructure:"handoff_message"`
	GreetingMessage  string `mapstructure:"greeting_message"`
	Tone             string `mapstructure:"tone"`
	MaxResponseChars int    `mapstructure:"max_response_chars"`
	SignReplies      bool   `mapstructure:"sign_replies"`
}

// AgentSettings decodes the snapshot's agent_config map into typed settings.
func (s *Snapshot) AgentSettings() (AgentSettings, error) {
	var out AgentSettings
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, errors.Wrap(err, "failed to build agent settings decoder")
	}
	input := make(map[string]any, len(s.AgentConfig))
	for key, value := range s.AgentConfig {
		input[key] = value
	}
	if err := decoder.Decode(input); err != nil {
		return out, errors.Wrap(err, "failed to decode agent settings")
	}
	return out, nil
}
