package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/session"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/storage"
)

// ProjectTools holds references needed by project management tool handlers.
type ProjectTools struct {
	Meta    *storage.MetaStore
	Session *session.Session
	Logger  *slog.Logger
}

// --- Input types ---

type ListProjectsInput struct {
	Status string `json:"status" jsonschema:"Filter projects by status: active, archived, or all"`
}

type CreateProjectInput struct {
	Name        string `json:"name" jsonschema:"Unique project name (slug-friendly)"`
	Description string `json:"description,omitempty" jsonschema:"Optional project description"`
}

type ProjectNameInput struct {
	Name string `json:"name" jsonschema:"Project name"`
}

// currentProject is the get_current_project response.
type currentProject struct {
	Project       *models.Project `json:"project"`
	Versions      int             `json:"versions"`
	LatestVersion string          `json:"latest_version,omitempty"`
}

// --- Handlers ---

func (t *ProjectTools) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

func (t *ProjectTools) ListProjects(_ context.Context, _ *mcp.CallToolRequest, input ListProjectsInput) (*mcp.CallToolResult, any, error) {
	status := input.Status
	if status == "" {
		status = "active"
	}

	projects, err := t.Meta.ListProjects(status)
	if err != nil {
		return toolError("Failed to list projects: %v", err), nil, nil
	}
	if projects == nil {
		projects = []models.Project{}
	}

	return toolJSON(projects)
}

func (t *ProjectTools) CreateProject(_ context.Context, _ *mcp.CallToolRequest, input CreateProjectInput) (*mcp.CallToolResult, any, error) {
	if input.Name == "" {
		return toolError("Project name is required"), nil, nil
	}

	proj, err := t.Meta.CreateProject(input.Name, input.Description)
	if err != nil {
		return toolError("Failed to create project: %v", err), nil, nil
	}
	t.logger().Info("project created", "project", proj.Name, "id", proj.ID)

	// New projects become the active one.
	if _, err := t.Session.SwitchProject(t.Meta, proj.Name); err != nil {
		return toolError("Project created but failed to switch: %v", err), nil, nil
	}

	return toolJSON(proj)
}

func (t *ProjectTools) SwitchProject(_ context.Context, _ *mcp.CallToolRequest, input ProjectNameInput) (*mcp.CallToolResult, any, error) {
	if input.Name == "" {
		return toolError("Project name is required"), nil, nil
	}

	proj, err := t.Session.SwitchProject(t.Meta, input.Name)
	if err != nil {
		return toolError("Failed to switch project: %v", err), nil, nil
	}

	return toolJSON(proj)
}

func (t *ProjectTools) GetCurrentProject(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	id, name, ok := t.Session.GetCurrent()
	if !ok {
		return toolText("No project is currently active. Use switch_project to select one."), nil, nil
	}

	proj, err := t.Meta.GetProjectByID(id)
	if err != nil {
		return toolText(fmt.Sprintf("Active project: %s (details unavailable)", name)), nil, nil
	}

	cur := currentProject{Project: proj}
	if svc := t.Session.Service(); svc != nil {
		versions, err := svc.Versions(ctx)
		if err != nil {
			return toolError("Failed to read versions: %v", err), nil, nil
		}
		cur.Versions = len(versions)
		if len(versions) > 0 {
			cur.LatestVersion = versions[len(versions)-1].String()
		}
	}

	return toolJSON(cur)
}

func (t *ProjectTools) ArchiveProject(_ context.Context, _ *mcp.CallToolRequest, input ProjectNameInput) (*mcp.CallToolResult, any, error) {
	if input.Name == "" {
		return toolError("Project name is required"), nil, nil
	}

	t.releaseIfCurrent(input.Name)

	proj, err := t.Meta.ArchiveProject(input.Name)
	if err != nil {
		return toolError("Failed to archive project: %v", err), nil, nil
	}
	t.logger().Info("project archived", "project", proj.Name)

	return toolJSON(proj)
}

func (t *ProjectTools) DeleteProject(_ context.Context, _ *mcp.CallToolRequest, input ProjectNameInput) (*mcp.CallToolResult, any, error) {
	if input.Name == "" {
		return toolError("Project name is required"), nil, nil
	}

	t.releaseIfCurrent(input.Name)

	if err := t.Meta.DeleteProject(input.Name); err != nil {
		return toolError("Failed to delete project: %v", err), nil, nil
	}
	t.logger().Warn("project deleted", "project", input.Name)

	return toolText(fmt.Sprintf("Project %q permanently deleted.", input.Name)), nil, nil
}

func (t *ProjectTools) RestoreProject(_ context.Context, _ *mcp.CallToolRequest, input ProjectNameInput) (*mcp.CallToolResult, any, error) {
	if input.Name == "" {
		return toolError("Project name is required"), nil, nil
	}

	proj, err := t.Meta.RestoreProject(input.Name)
	if err != nil {
		return toolError("Failed to restore project: %v", err), nil, nil
	}
	t.logger().Info("project restored", "project", proj.Name)

	return toolJSON(proj)
}

// releaseIfCurrent closes the session's store when it belongs to the named
// project, so the project files can be moved or removed.
func (t *ProjectTools) releaseIfCurrent(name string) {
	if _, current, ok := t.Session.GetCurrent(); ok && current == name {
		t.Session.Clear()
	}
}
