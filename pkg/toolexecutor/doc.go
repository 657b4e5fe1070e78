// Package toolexecutor is the tool dispatcher agents call into.
//
// Tools are registered once with a JSON-schema-like parameter list and a
// category. An agent's ToolPolicy decides which of them it sees and may call.
// Every execution yields a ToolResult; unknown tools, invalid parameters,
// policy blocks, denied approvals, handler errors and timeouts are all
// reported there and never as Go errors. ExecuteBatch runs the calls of one
// model turn concurrently and returns the results in call order.
//
//	te := toolexecutor.New()
//	_ = te.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
//	results := te.ExecuteBatch(ctx, calls, &toolexecutor.ExecutionContext{AgentID: "coder"})
package toolexecutor
