package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/llm"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

const (
	defaultTimeout = 30 * time.Second
	maxOutputSize  = 10 * 1024 // 10KB
)

// ToolPolicy defines which tools an agent can use
type ToolPolicy struct {
	Allow           []string       `json:"allow" mapstructure:"allow"` // List of allowed tools (* for all)
	Deny            []string       `json:"deny" mapstructure:"deny"`   // List of denied tools (overrides allow)
	AllowCategories []ToolCategory `json:"allow_categories,omitempty" mapstructure:"allow_categories"`
	DenyCategories  []ToolCategory `json:"deny_categories,omitempty" mapstructure:"deny_categories"`
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	return tp.IsAllowed(toolName, "")
}

// IsAllowed checks a tool by name and category. Deny rules win over allow
// rules; a policy with no allow rules at all denies everything.
func (tp *ToolPolicy) IsAllowed(toolName string, category ToolCategory) bool {
	if tp == nil {
		// No policy means allow all
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}
	if category != "" {
		for _, denied := range tp.DenyCategories {
			if denied == category {
				return false
			}
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}
	if category != "" {
		for _, allowed := range tp.AllowCategories {
			if allowed == category {
				return true
			}
		}
	}

	return false
}

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Category         ToolCategory    `json:"category"`
	Parameters       []ToolParameter `json:"parameters"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	Handler          ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success       bool                   `json:"success"`
	Output        interface{}            `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Truncated     bool                   `json:"truncated,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// OutputString renders the output for the model.
func (r ToolResult) OutputString() string {
	switch v := r.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools           map[string]*ToolDefinition
	schemas         map[string]*gojsonschema.Schema
	approvalManager *ApprovalManager
	mu              sync.RWMutex
}

// New creates a new ToolExecutor
func New() *ToolExecutor {
	observability.EnsureRegistered()

	te := &ToolExecutor{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
	}

	log.Debug().Msg("Tool executor initialized")

	return te
}

// SetApprovalManager sets the approval manager for the tool executor
func (te *ToolExecutor) SetApprovalManager(manager *ApprovalManager) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.approvalManager = manager
	log.Debug().Msg("Approval manager configured for tool executor")
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if def.Category == "" {
		def.Category = CategoryGeneral
	}

	if err := te.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := te.generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Str("category", string(def.Category)).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

// GetToolCount returns the number of registered tools
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// Specs returns the model-facing descriptions of every tool the policy allows, sorted by name.
func (te *ToolExecutor) Specs(policy *ToolPolicy) []llm.ToolSpec {
	te.mu.RLock()
	defer te.mu.RUnlock()

	specs := make([]llm.ToolSpec, 0, len(te.tools))
	for _, def := range te.tools {
		if !policy.IsAllowed(def.Name, def.Category) {
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schemaMap(*def),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute executes a tool with the given parameters. Failures of any kind,
// including unknown tools, come back as a ToolResult with Success false.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) (result ToolResult) {
	startTime := time.Now()
	defer func() {
		result.ExecutionTime = time.Since(startTime)
		if result.Metadata == nil {
			result.Metadata = map[string]interface{}{}
		}
		result.Metadata["duration"] = result.ExecutionTime.Milliseconds()
		observability.RecordToolExecution(toolName, result.ExecutionTime, result.Success)
		observability.RecordToolAudit(ctx, toolName, execCtx.agent(), auditStatus(result), map[string]interface{}{
			"task_id":     execCtx.task(),
			"duration_ms": result.ExecutionTime.Milliseconds(),
		})
	}()

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	approvals := te.approvalManager
	te.mu.RUnlock()

	if tool == nil {
		log.Warn().Str("tool", toolName).Msg("Tool not found")
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s", toolName),
		}
	}

	if execCtx != nil && execCtx.ToolPolicy != nil {
		if !execCtx.ToolPolicy.IsAllowed(toolName, tool.Category) {
			log.Warn().
				Str("tool", toolName).
				Str("agent_id", execCtx.AgentID).
				Msg("Tool execution blocked by policy")
			return ToolResult{
				Success: false,
				Error:   fmt.Sprintf("tool '%s' is not allowed by agent policy", toolName),
				Metadata: map[string]interface{}{
					"policy_violation": true,
					"agent_id":         execCtx.AgentID,
				},
			}
		}
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	if err := te.validateParameters(schema, params); err != nil {
		log.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("parameter validation failed: %v", err),
		}
	}

	if tool.RequiresApproval {
		req := ApprovalRequest{Tool: toolName, Params: params}
		if execCtx != nil {
			req.AgentID = execCtx.AgentID
			req.TaskID = execCtx.TaskID
		}
		approved, err := approvals.RequestApproval(ctx, req)
		observability.RecordApprovalAudit(ctx, toolName, req.AgentID, approved)
		if !approved {
			msg := fmt.Sprintf("tool '%s' requires approval and was denied", toolName)
			if err != nil {
				msg = fmt.Sprintf("%s: %v", msg, err)
			}
			return ToolResult{
				Success:  false,
				Error:    msg,
				Metadata: map[string]interface{}{"approval_denied": true},
			}
		}
	}

	timeout := defaultTimeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(WithExecutionContext(ctx, execCtx), timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("tool panicked: %v", r)
			}
		}()
		result, err := tool.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		output, truncated := te.truncateOutput(result)

		log.Debug().
			Str("tool", toolName).
			Dur("duration", time.Since(startTime)).
			Bool("truncated", truncated).
			Msg("Tool execution completed")

		return ToolResult{
			Success:   true,
			Output:    output,
			Truncated: truncated,
		}

	case err := <-errChan:
		if timeoutCtx.Err() != nil {
			return te.interruptedResult(ctx, toolName, timeout)
		}

		log.Debug().
			Str("tool", toolName).
			Dur("duration", time.Since(startTime)).
			Err(err).
			Msg("Tool execution failed")

		return ToolResult{
			Success: false,
			Error:   err.Error(),
		}

	case <-timeoutCtx.Done():
		return te.interruptedResult(ctx, toolName, timeout)
	}
}

// interruptedResult reports a handler stopped by cancellation of the caller or by its own timeout.
func (te *ToolExecutor) interruptedResult(parent context.Context, toolName string, timeout time.Duration) ToolResult {
	if parent.Err() != nil {
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool execution cancelled: %v", parent.Err()),
		}
	}

	log.Warn().
		Str("tool", toolName).
		Dur("timeout", timeout).
		Msg("Tool execution timeout")

	return ToolResult{
		Success: false,
		Error:   fmt.Sprintf("tool execution timeout after %v", timeout),
	}
}

// validateToolDefinition validates a tool definition
func (te *ToolExecutor) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if !IsValidCategory(string(def.Category)) {
		return fmt.Errorf("invalid category: %s", def.Category)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

func schemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	out := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// generateJSONSchema generates a JSON Schema from tool parameters
func (te *ToolExecutor) generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap(def)))
}

// validateParameters validates parameters against a JSON Schema
func (te *ToolExecutor) validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errors := []string{}
		for _, err := range result.Errors() {
			errors = append(errors, err.String())
		}
		return fmt.Errorf("validation errors: %v", errors)
	}

	return nil
}

// truncateOutput truncates output if it exceeds the size limit
func (te *ToolExecutor) truncateOutput(output interface{}) (interface{}, bool) {
	str, ok := output.(string)
	if !ok {
		str = ToolResult{Output: output}.OutputString()
	}

	if len(str) <= maxOutputSize {
		return output, false
	}

	log.Warn().
		Int("original", len(str)).
		Int("truncated", maxOutputSize).
		Msg("Output truncated")

	return truncateUTF8(str, maxOutputSize) + "\n... [output truncated]", true
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
