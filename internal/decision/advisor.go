package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"missioncore/internal/config"
	"missioncore/internal/domain"
)

// Request is what an advisor sees: the mission, the event, the rule result
// and the only actions it may answer with.
type Request struct {
	Mission domain.Mission
	Event   Event
	Rule    Decision
	Allowed []Action
}

// Advisor returns a raw suggestion. It never drives control flow directly;
// callers parse the answer with ParseSuggestion.
type Advisor interface {
	Suggest(ctx context.Context, req Request) (string, error)
}

var ErrUnparseable = errors.New("unparseable advisor answer")

// ParseSuggestion accepts either a bare action token or {"action": "..."}.
// Anything else, or an action outside allowed, is rejected.
func ParseSuggestion(raw string, allowed []Action) (Action, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrUnparseable
	}
	var action Action
	if strings.HasPrefix(s, "{") {
		var body struct {
			Action string `json:"action"`
		}
		dec := json.NewDecoder(strings.NewReader(s))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		action = Action(strings.TrimSpace(body.Action))
	} else {
		if strings.ContainsAny(s, " \n\t") {
			return "", ErrUnparseable
		}
		action = Action(s)
	}
	if !action.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrUnparseable, action)
	}
	for _, a := range allowed {
		if a == action {
			return action, nil
		}
	}
	return "", fmt.Errorf("action %q not allowed here", action)
}

const advisorSystemPrompt = `You triage failed outreach automation missions.
Answer with exactly one JSON object {"action": "<action>"} and nothing else.
The action must be one of the allowed actions listed in the request.`

// AnthropicAdvisor asks a Claude model for a retry-or-escalate opinion.
type AnthropicAdvisor struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
}

// NewAnthropicAdvisor builds an advisor from config. The API key is read from
// the configured environment variable.
func NewAnthropicAdvisor(cfg config.Advisor) (*AnthropicAdvisor, error) {
	envName := cfg.APIKeyEnv
	if envName == "" {
		envName = "ANTHROPIC_API_KEY"
	}
	key := os.Getenv(envName)
	if key == "" {
		return nil, fmt.Errorf("advisor enabled but %s is not set", envName)
	}
	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 64
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AnthropicAdvisor{
		client:    anthropic.NewClient(option.WithAPIKey(key)),
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
	}, nil
}

func (a *AnthropicAdvisor) Suggest(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: advisorSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(req))),
		},
	})
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(variant.Text)
		}
	}
	return out.String(), nil
}

// BuildPrompt renders the request as a compact JSON document for the model.
func BuildPrompt(req Request) string {
	allowed := make([]string, 0, len(req.Allowed))
	for _, a := range req.Allowed {
		allowed = append(allowed, string(a))
	}
	doc := map[string]any{
		"mission_type":    req.Mission.Type,
		"priority":        req.Mission.Priority,
		"retry_count":     req.Mission.RetryCount,
		"stage":           req.Mission.Stage,
		"event":           string(req.Event.Kind),
		"rule_suggestion": string(req.Rule.Action),
		"allowed_actions": allowed,
	}
	if req.Event.Error != nil {
		doc["error"] = map[string]any{
			"kind":        string(req.Event.Error.Kind),
			"message":     req.Event.Error.Message,
			"recoverable": req.Event.Error.Recoverable,
		}
	}
	if n := len(req.Mission.ErrorHistory); n > 0 {
		doc["previous_errors"] = n
	}
	data, _ := json.Marshal(doc)
	return string(data)
}
