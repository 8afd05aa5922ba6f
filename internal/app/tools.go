package app

import (
	"github.com/querymt/querymt/internal/agent"
	"github.com/querymt/querymt/internal/storage"
	"github.com/querymt/querymt/internal/tool"
)

// BuildTools registers the teacher's built-in tool set plus the delegate
// tool, mirroring cmd/opencode/commands/serve.go's tool-registration block.
func BuildTools(workDir string, store *storage.Storage, agents *agent.Registry) *tool.Registry {
	registry := tool.NewRegistry(workDir, store)

	registry.Register(tool.NewBashTool(workDir))
	registry.Register(tool.NewReadTool(workDir))
	registry.Register(tool.NewWriteTool(workDir))
	registry.Register(tool.NewEditTool(workDir))
	registry.Register(tool.NewGlobTool(workDir))
	registry.Register(tool.NewGrepTool(workDir))
	registry.Register(tool.NewListTool(workDir))
	registry.Register(tool.NewWebFetchTool(workDir))
	registry.Register(tool.NewTodoReadTool(workDir, store))
	registry.Register(tool.NewTodoWriteTool(workDir, store))
	registry.Register(tool.NewBatchTool(workDir, registry))
	registry.Register(tool.NewDelegateTool(workDir, agents))

	return registry
}
