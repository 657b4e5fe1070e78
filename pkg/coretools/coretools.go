// Package coretools registers the baseline workspace file tools agents can
// call through the tool executor.
package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/conductor/pkg/toolexecutor"
)

const defaultMaxBytes = 200000

// Options configures core tool registration.
type Options struct {
	WorkspaceRoot string
	// RequireWriteApproval gates write_file and edit_file behind the
	// executor's approval manager.
	RequireWriteApproval bool
}

// RegisterCoreTools registers the filesystem tools rooted at the workspace.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	if strings.TrimSpace(opts.WorkspaceRoot) == "" {
		return errors.New("workspace root is required")
	}
	root, err := filepath.Abs(opts.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	opts.WorkspaceRoot = root

	tools := []toolexecutor.ToolDefinition{
		readFileTool(opts),
		listDirTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
	}

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func readFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Required: false, Default: defaultMaxBytes},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultMaxBytes)
			if raw, ok := params["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func listDirTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory.",
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative directory path (default workspace root)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			if strings.TrimSpace(pathValue) == "" {
				pathValue = "."
			}
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)

			return map[string]interface{}{
				"path":    pathValue,
				"entries": names,
			}, nil
		},
	}
}

func writeFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:             "write_file",
		Description:      "Write content to a file in the workspace.",
		Category:         toolexecutor.CategoryWrite,
		RequiresApproval: opts.RequireWriteApproval,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			file, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			defer file.Close()
			if _, err := file.WriteString(content); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func editFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:             "edit_file",
		Description:      "Replace text in a workspace file.",
		Category:         toolexecutor.CategoryWrite,
		RequiresApproval: opts.RequireWriteApproval,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			search, _ := params["search"].(string)
			replace, _ := params["replace"].(string)
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := strings.Count(content, search)
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found")
			}
			var updated string
			if replaceAll {
				updated = strings.ReplaceAll(content, search, replace)
			} else {
				occurrences = 1
				updated = strings.Replace(content, search, replace, 1)
			}

			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":        pathValue,
				"occurrences": occurrences,
			}, nil
		},
	}
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if limit <= 0 {
		limit = defaultMaxBytes
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}
