package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/cache"
	"github.com/harun/conductor/pkg/llm"
	"github.com/harun/conductor/pkg/retry"
)

// DecisionSource tells where a decision came from.
type DecisionSource string

const (
	SourceCache    DecisionSource = "cache"
	SourceLLM      DecisionSource = "llm"
	SourceFallback DecisionSource = "fallback"
)

const defaultDecisionMaxTokens = 2048

var ErrUnparseableDecision = errors.New("reply contains no decision")

// FallbackPolicy picks the decision used when routing fails.
type FallbackPolicy func(task agent.Task, cause error) Decision

// AskForClarification is the default fallback policy.
func AskForClarification(agent.Task, error) Decision {
	return AskUser("I could not work out how to handle this request. Could you describe what you need in more detail?")
}

// DecisionEngineConfig configures a DecisionEngine
type DecisionEngineConfig struct {
	Provider     llm.Provider
	Registry     *Registry
	Cache        cache.Cache[string, Decision]
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	RateLimit    retry.Strategy
	Fallback     FallbackPolicy
	Logger       zerolog.Logger
}

// DecisionEngine routes tasks with a single LLM turn, memoizing verdicts by
// normalized prompt.
type DecisionEngine struct {
	cfg    DecisionEngineConfig
	logger zerolog.Logger
}

// NewDecisionEngine creates a decision engine. A nil cache disables caching.
func NewDecisionEngine(cfg DecisionEngineConfig) (*DecisionEngine, error) {
	if cfg.Provider == nil {
		return nil, errors.New("decision engine requires a provider")
	}
	if cfg.Registry == nil {
		return nil, errors.New("decision engine requires a registry")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.Noop[string, Decision]{}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultDecisionMaxTokens
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = retry.DefaultRateLimitStrategy()
	}
	if cfg.Fallback == nil {
		cfg.Fallback = AskForClarification
	}
	return &DecisionEngine{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "decision_engine").Logger(),
	}, nil
}

// Decide returns the routing decision for task. It never fails; routing
// problems yield the fallback decision.
func (e *DecisionEngine) Decide(ctx context.Context, task agent.Task) Decision {
	d, _ := e.DecideWithSource(ctx, task)
	return d
}

// DecideWithSource is Decide that also reports where the decision came from.
func (e *DecisionEngine) DecideWithSource(ctx context.Context, task agent.Task) (Decision, DecisionSource) {
	key := cache.NormalizeKey(task.Prompt)

	if cached, ok := e.cfg.Cache.Get(key); ok {
		e.record(ctx, task, cached, SourceCache, nil)
		return cached.Clone(), SourceCache
	}

	d, err := e.analyze(ctx, task)
	if err != nil {
		fallback := e.cfg.Fallback(task, err)
		e.logger.Warn().Err(err).Str("task_id", task.ID).Str("fallback", string(fallback.Type)).Msg("Routing failed, using fallback decision")
		e.record(ctx, task, fallback, SourceFallback, err)
		return fallback, SourceFallback
	}

	e.cfg.Cache.Set(key, d.Clone())
	e.record(ctx, task, d, SourceLLM, nil)
	return d, SourceLLM
}

func (e *DecisionEngine) analyze(ctx context.Context, task agent.Task) (Decision, error) {
	req := llm.Request{
		Model:        e.cfg.Model,
		SystemPrompt: e.systemPrompt(),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: analysisPrompt(task)}},
		Tools:        decisionTools(),
		MaxTokens:    e.cfg.MaxTokens,
		Temperature:  e.cfg.Temperature,
	}

	resp, err := retry.Do(ctx, e.cfg.RateLimit, func(ctx context.Context) (*llm.Response, error) {
		start := time.Now()
		resp, err := e.cfg.Provider.Call(ctx, req)
		if err == nil && resp == nil {
			err = errors.New("provider returned no response")
		}
		var in, out int
		if resp != nil {
			in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
		}
		observability.RecordLLMCall("decision_engine", time.Since(start), err == nil, in, out)
		return resp, err
	}, retry.WithTaskInfo(task.ID, "decision_engine"), retry.WithLogger(e.logger))
	if err != nil {
		return Decision{}, fmt.Errorf("routing call failed: %w", err)
	}

	d, err := ParseDecision(resp)
	if err != nil {
		return Decision{}, err
	}
	if err := d.Validate(e.cfg.Registry.Exists); err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (e *DecisionEngine) record(ctx context.Context, task agent.Task, d Decision, source DecisionSource, cause error) {
	observability.RecordDecision(string(d.Type), string(source))
	meta := map[string]interface{}{
		"task_id": task.ID,
	}
	if d.TargetAgent != "" {
		meta["target_agent"] = d.TargetAgent
	}
	if len(d.Subtasks) > 0 {
		meta["subtasks"] = len(d.Subtasks)
	}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	observability.RecordDecisionAudit(ctx, "orchestrator", string(d.Type), string(source), meta)
}

func (e *DecisionEngine) systemPrompt() string {
	var b strings.Builder
	if e.cfg.SystemPrompt != "" {
		b.WriteString(e.cfg.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("You route user requests to specialist agents. Answer by calling exactly one of the tools:\n")
	b.WriteString("- delegate: one agent can do the whole task\n")
	b.WriteString("- decompose: several agents are needed; list subtasks with depends_on step indices\n")
	b.WriteString("- execute_directly: you can answer without any agent\n")
	b.WriteString("- ask_user: the request is ambiguous\n")
	b.WriteString("- complete: the request is already satisfied\n\n")
	b.WriteString("Available agents:\n")

	agents := e.cfg.Registry.List()
	if len(agents) == 0 {
		b.WriteString("(none)\n")
	}
	for _, info := range agents {
		fmt.Fprintf(&b, "- %s: %s", info.Name, info.Description)
		if len(info.Capabilities) > 0 {
			fmt.Fprintf(&b, " [capabilities: %s]", strings.Join(info.Capabilities, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func analysisPrompt(task agent.Task) string {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(task.Prompt)
	if len(task.Context) > 0 {
		b.WriteString("\n\nContext:\n")
		if data, err := json.Marshal(task.Context); err == nil {
			b.Write(data)
		}
	}
	return b.String()
}

func decisionTools() []llm.ToolSpec {
	str := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	object := func(props map[string]interface{}, required ...string) map[string]interface{} {
		return map[string]interface{}{"type": "object", "properties": props, "required": required}
	}

	return []llm.ToolSpec{
		{
			Name:        string(DecisionDelegate),
			Description: "Hand the whole task to one agent.",
			InputSchema: object(map[string]interface{}{
				"target_agent": str("Name of the agent"),
				"task":         str("Task for the agent, self-contained"),
			}, "target_agent", "task"),
		},
		{
			Name:        string(DecisionDecompose),
			Description: "Split the task into subtasks run by several agents.",
			InputSchema: object(map[string]interface{}{
				"reasoning": str("Why the split is needed"),
				"subtasks": map[string]interface{}{
					"type": "array",
					"items": object(map[string]interface{}{
						"agent":       str("Name of the agent"),
						"task":        str("Subtask prompt"),
						"description": str("Short label"),
						"depends_on": map[string]interface{}{
							"type":  "array",
							"items": map[string]interface{}{"type": "integer"},
						},
						"optional": map[string]interface{}{"type": "boolean"},
					}, "agent", "task"),
				},
			}, "subtasks"),
		},
		{
			Name:        string(DecisionExecuteDirectly),
			Description: "Answer the request yourself.",
			InputSchema: object(map[string]interface{}{"response": str("The answer")}, "response"),
		},
		{
			Name:        string(DecisionAskUser),
			Description: "Ask the user a clarifying question.",
			InputSchema: object(map[string]interface{}{
				"question": str("The question"),
				"options": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
			}, "question"),
		},
		{
			Name:        string(DecisionComplete),
			Description: "The request needs no further work.",
			InputSchema: object(map[string]interface{}{"response": str("Closing message")}, "response"),
		},
	}
}

// ParseDecision extracts exactly one decision from a routing reply. A tool
// call wins over text; JSON text is repaired if malformed; other non-empty
// text becomes an execute_directly decision.
func ParseDecision(resp *llm.Response) (Decision, error) {
	if resp == nil {
		return Decision{}, ErrUnparseableDecision
	}

	if len(resp.ToolCalls) > 0 {
		call := resp.ToolCalls[0]
		data, err := json.Marshal(call.Input)
		if err != nil {
			return Decision{}, fmt.Errorf("encode %s input: %w", call.Name, err)
		}
		var d Decision
		if err := json.Unmarshal(data, &d); err != nil {
			return Decision{}, fmt.Errorf("decode %s input: %w", call.Name, err)
		}
		d.Type = DecisionType(call.Name)
		return d, nil
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return Decision{}, ErrUnparseableDecision
	}

	if raw, ok := extractObject(text); ok {
		d, err := decodeDecisionJSON(raw)
		if err == nil {
			return d, nil
		}
		if looksLikeDecision(raw) {
			return Decision{}, err
		}
	}

	return ExecuteDirectly(text), nil
}

func decodeDecisionJSON(raw string) (Decision, error) {
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return Decision{}, fmt.Errorf("malformed decision json: %w", err)
		}
		d = Decision{}
		if err := json.Unmarshal([]byte(repaired), &d); err != nil {
			return Decision{}, fmt.Errorf("malformed decision json after repair: %w", err)
		}
	}
	if d.Type == "" {
		return Decision{}, fmt.Errorf("%w: missing type", ErrInvalidDecision)
	}
	return d, nil
}

// extractObject returns the outermost {...} span of text, allowing a
// markdown code fence around it.
func extractObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	if start < 0 {
		return "", false
	}
	end := strings.LastIndex(text, "}")
	if end <= start {
		// an unterminated object is still worth repairing
		return text[start:], true
	}
	return text[start : end+1], true
}

func looksLikeDecision(raw string) bool {
	return strings.Contains(raw, `"type"`)
}
