package server

import (
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/session"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/storage"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/tools"
)

// Version is reported in the MCP implementation info.
const Version = "0.2.0"

// New creates a fully configured MCP server with all tools registered.
// The caller owns sess and closes it on shutdown.
func New(meta *storage.MetaStore, sess *session.Session, logger *slog.Logger) *mcp.Server {
	if logger == nil {
		logger = slog.Default()
	}

	pt := &tools.ProjectTools{Meta: meta, Session: sess, Logger: logger}
	ht := &tools.HistoryTools{Meta: meta, Session: sess, Logger: logger}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "tracevault",
		Version: Version,
	}, nil)

	// Project management tools
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_projects",
		Description: "List all projects with optional status filter (active, archived, all)",
	}, pt.ListProjects)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "create_project",
		Description: "Create a new project with its own isolated versioned store",
	}, pt.CreateProject)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "switch_project",
		Description: "Switch the active project context for the current session",
	}, pt.SwitchProject)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_current_project",
		Description: "Get the currently active project and its latest version",
	}, pt.GetCurrentProject)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "archive_project",
		Description: "Archive a project (preserves data, makes it inactive)",
	}, pt.ArchiveProject)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "delete_project",
		Description: "Permanently delete a project and all its history (irreversible)",
	}, pt.DeleteProject)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "restore_project",
		Description: "Restore an archived project back to active status",
	}, pt.RestoreProject)

	// Version history tools
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "cut_version",
		Description: "Create a new project version by bumping the latest one or from an explicit number (requires active project)",
	}, ht.CutVersion)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_versions",
		Description: "List the project's versions in ascending order (requires active project)",
	}, ht.ListVersions)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "commit_artifacts",
		Description: "Commit artifacts at a version; mode full removes artifacts missing from the batch (requires active project)",
	}, ht.CommitArtifacts)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "commit_traces",
		Description: "Commit trace links at a version; mode full removes links missing from the batch (requires active project)",
	}, ht.CommitTraces)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "run_import",
		Description: "Run an import job (full_import or incremental_update) over artifacts, traces and deletions (requires active project)",
	}, ht.RunImport)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "delete_entity",
		Description: "Record the removal of an artifact or trace link at a version (requires active project)",
	}, ht.DeleteEntity)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "checkout",
		Description: "List every artifact and trace link present at a version (requires active project)",
	}, ht.Checkout)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "delta",
		Description: "Compute added, modified and removed entities between two versions (requires active project)",
	}, ht.Delta)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "entity_history",
		Description: "Show every recorded snapshot of one artifact or trace link (requires active project)",
	}, ht.EntityHistory)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_commit_errors",
		Description: "List commit errors recorded at a version (requires active project)",
	}, ht.ListCommitErrors)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "create_artifact_type",
		Description: "Register an artifact type name (requires active project)",
	}, ht.CreateArtifactType)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_artifact_types",
		Description: "List registered artifact types (requires active project)",
	}, ht.ListArtifactTypes)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "search_artifacts",
		Description: "Full-text search over artifact content history using FTS5 (requires active project on the sqlite backend)",
	}, ht.SearchArtifacts)

	return srv
}
