package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/jobs"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/report"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/session"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/storage"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/versioning"
)

// HistoryTools holds references needed by the versioned history tool handlers.
type HistoryTools struct {
	Meta    *storage.MetaStore
	Session *session.Session
	Logger  *slog.Logger
}

// searcher is implemented by stores with a full-text index over snapshot content.
type searcher interface {
	Search(ctx context.Context, class models.EntityClass, query string) ([]storage.SearchHit, error)
}

// --- Input types ---

type CutVersionInput struct {
	Bump    string `json:"bump,omitempty" jsonschema:"Component to bump from the latest version: major, minor or revision (default revision)"`
	Version string `json:"version,omitempty" jsonschema:"Explicit version to create (e.g. 2.1.0); overrides bump"`
}

type CommitArtifactsInput struct {
	Version   string            `json:"version,omitempty" jsonschema:"Target version (dotted form or latest; default latest)"`
	Mode      string            `json:"mode,omitempty" jsonschema:"full replaces the version content (missing artifacts are removed); incremental only writes the given artifacts (default incremental)"`
	Artifacts []models.Artifact `json:"artifacts" jsonschema:"Artifacts to commit"`
}

type CommitTracesInput struct {
	Version string             `json:"version,omitempty" jsonschema:"Target version (dotted form or latest; default latest)"`
	Mode    string             `json:"mode,omitempty" jsonschema:"full or incremental (default incremental)"`
	Traces  []models.TraceLink `json:"traces" jsonschema:"Trace links to commit"`
}

type RunImportInput struct {
	Type    string       `json:"type,omitempty" jsonschema:"Job type: full_import or incremental_update (default incremental_update)"`
	Request jobs.Request `json:"request" jsonschema:"Import document with version, artifacts, traces and deletions"`
}

type DeleteEntityInput struct {
	Version string `json:"version,omitempty" jsonschema:"Version at which the entity is removed (default latest)"`
	Class   string `json:"class" jsonschema:"Entity class: artifacts or traces"`
	ID      string `json:"id" jsonschema:"Base entity id"`
}

type CheckoutInput struct {
	Version string `json:"version,omitempty" jsonschema:"Version to check out (default latest)"`
	Format  string `json:"format,omitempty" jsonschema:"json (default) or text"`
}

type DeltaInput struct {
	Baseline string `json:"baseline,omitempty" jsonschema:"Baseline version"`
	Target   string `json:"target,omitempty" jsonschema:"Target version (default latest)"`
	Format   string `json:"format,omitempty" jsonschema:"json (default) or text"`
	Diffs    bool   `json:"diffs,omitempty" jsonschema:"Include unified diffs of modified artifact bodies in text output"`
}

type EntityHistoryInput struct {
	Class  string `json:"class" jsonschema:"Entity class: artifacts or traces"`
	ID     string `json:"id,omitempty" jsonschema:"Base entity id"`
	Name   string `json:"name,omitempty" jsonschema:"Artifact name (when id is not given)"`
	Source string `json:"source,omitempty" jsonschema:"Trace source artifact name (when id is not given)"`
	Target string `json:"target,omitempty" jsonschema:"Trace target artifact name (when id is not given)"`
}

type ListCommitErrorsInput struct {
	Version string `json:"version,omitempty" jsonschema:"Version (default latest)"`
	Class   string `json:"class,omitempty" jsonschema:"Entity class filter: artifacts or traces (default all)"`
}

type CreateArtifactTypeInput struct {
	Name string `json:"name" jsonschema:"Artifact type name (e.g. requirement, test, design)"`
}

type SearchArtifactsInput struct {
	Query string `json:"query" jsonschema:"Search query over artifact content history (supports FTS5 syntax: AND, OR, NOT, prefix*)"`
}

// --- Handlers ---

func (t *HistoryTools) requireService() (*versioning.Service, *mcp.CallToolResult) {
	svc := t.Session.Service()
	if svc == nil {
		return nil, toolError("No active project. Use switch_project to select one.")
	}
	return svc, nil
}

func (t *HistoryTools) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

func (t *HistoryTools) CutVersion(ctx context.Context, _ *mcp.CallToolRequest, input CutVersionInput) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}

	var (
		v   *models.ProjectVersion
		err error
	)
	if input.Version != "" {
		major, minor, revision, perr := models.ParseVersion(input.Version)
		if perr != nil {
			return toolError("Invalid version: %v", perr), nil, nil
		}
		v, err = svc.CreateVersion(ctx, major, minor, revision)
	} else {
		v, err = svc.CutVersion(ctx, models.Bump(strings.ToLower(input.Bump)))
	}
	if err != nil {
		return toolError("Failed to create version: %v", err), nil, nil
	}

	t.logger().Info("version created", "version", v.String())
	return toolJSON(v)
}

func (t *HistoryTools) ListVersions(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}

	versions, err := svc.Versions(ctx)
	if err != nil {
		return toolError("Failed to list versions: %v", err), nil, nil
	}
	if versions == nil {
		versions = []models.ProjectVersion{}
	}
	return toolJSON(versions)
}

// commitResult is the response of the batch commit tools.
type commitResult[P any] struct {
	Version  string                  `json:"version"`
	Mode     string                  `json:"mode"`
	Summary  versioning.Summary      `json:"summary"`
	Outcomes []versioning.Outcome[P] `json:"outcomes"`
}

func (t *HistoryTools) CommitArtifacts(ctx context.Context, _ *mcp.CallToolRequest, input CommitArtifactsInput) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}
	return commitBatch(ctx, svc, svc.Artifacts, input.Version, input.Mode, input.Artifacts)
}

func (t *HistoryTools) CommitTraces(ctx context.Context, _ *mcp.CallToolRequest, input CommitTracesInput) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}
	return commitBatch(ctx, svc, svc.Traces, input.Version, input.Mode, input.Traces)
}

func commitBatch[P any](ctx context.Context, svc *versioning.Service, engine *versioning.CommitEngine[P], version, mode string, payloads []P) (*mcp.CallToolResult, any, error) {
	v, err := svc.ResolveVersion(ctx, version)
	if err != nil {
		return toolError("Failed to resolve version: %v", err), nil, nil
	}

	var outcomes []versioning.Outcome[P]
	switch strings.ToLower(mode) {
	case "full":
		mode = "full"
		outcomes, err = engine.CommitAll(ctx, v, payloads)
	case "", "incremental":
		mode = "incremental"
		outcomes, err = engine.CommitIncremental(ctx, v, payloads)
	default:
		return toolError("Unknown mode %q: use full or incremental", mode), nil, nil
	}
	if err != nil {
		return toolError("Commit failed: %v", err), nil, nil
	}

	return toolJSON(commitResult[P]{
		Version:  v.String(),
		Mode:     mode,
		Summary:  versioning.Summarize(outcomes),
		Outcomes: outcomes,
	})
}

func (t *HistoryTools) RunImport(ctx context.Context, _ *mcp.CallToolRequest, input RunImportInput) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}

	jobType := jobs.Type(input.Type)
	if jobType == "" {
		jobType = jobs.IncrementalUpdate
	}
	rep, err := jobs.NewRunner(svc, t.logger()).Run(ctx, jobType, input.Request)
	if err != nil {
		if rep == nil {
			return toolError("Import failed: %v", err), nil, nil
		}
		res, _, _ := toolJSON(rep)
		res.IsError = true
		return res, nil, nil
	}
	return toolJSON(rep)
}

func (t *HistoryTools) DeleteEntity(ctx context.Context, _ *mcp.CallToolRequest, input DeleteEntityInput) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}
	if input.ID == "" {
		return toolError("Entity id is required"), nil, nil
	}
	class, err := parseClass(input.Class, false)
	if err != nil {
		return toolError("%v", err), nil, nil
	}
	v, err := svc.ResolveVersion(ctx, input.Version)
	if err != nil {
		return toolError("Failed to resolve version: %v", err), nil, nil
	}

	if class == models.ClassArtifacts {
		out, err := svc.Artifacts.DeleteByBaseEntityID(ctx, v, input.ID)
		return deleteResult(out, err)
	}
	out, err := svc.Traces.DeleteByBaseEntityID(ctx, v, input.ID)
	return deleteResult(out, err)
}

func deleteResult[P any](out versioning.Outcome[P], err error) (*mcp.CallToolResult, any, error) {
	if err != nil {
		return toolError("Delete failed: %v", err), nil, nil
	}
	if out.Err != nil {
		return toolError("Delete failed (%s): %s", out.Err.Kind, out.Err.Description), nil, nil
	}
	if out.NoOp() {
		return toolText("Entity already absent at this version; nothing recorded."), nil, nil
	}
	return toolJSON(out)
}

// checkoutResult is the JSON response of the checkout tool.
type checkoutResult struct {
	Version   string             `json:"version"`
	Artifacts []models.Artifact  `json:"artifacts"`
	Traces    []models.TraceLink `json:"traces"`
}

func (t *HistoryTools) Checkout(ctx context.Context, _ *mcp.CallToolRequest, input CheckoutInput) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}
	v, err := svc.ResolveVersion(ctx, input.Version)
	if err != nil {
		return toolError("Failed to resolve version: %v", err), nil, nil
	}

	arts, err := svc.ArtifactDeltas.CheckoutAll(ctx, v)
	if err != nil {
		return toolError("Checkout failed: %v", err), nil, nil
	}
	traces, err := svc.TraceDeltas.CheckoutAll(ctx, v)
	if err != nil {
		return toolError("Checkout failed: %v", err), nil, nil
	}

	if strings.EqualFold(input.Format, "text") {
		var buf bytes.Buffer
		if err := report.WriteCheckout(&buf, *v, arts, traces, report.Options{}); err != nil {
			return toolError("Failed to render checkout: %v", err), nil, nil
		}
		return toolText(buf.String()), nil, nil
	}

	if arts == nil {
		arts = []models.Artifact{}
	}
	if traces == nil {
		traces = []models.TraceLink{}
	}
	return toolJSON(checkoutResult{Version: v.String(), Artifacts: arts, Traces: traces})
}

// deltaResult is the JSON response of the delta tool.
type deltaResult struct {
	Artifacts versioning.Delta[models.Artifact]  `json:"artifacts"`
	Traces    versioning.Delta[models.TraceLink] `json:"traces"`
}

func (t *HistoryTools) Delta(ctx context.Context, _ *mcp.CallToolRequest, input DeltaInput) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}
	if input.Baseline == "" {
		return toolError("Baseline version is required"), nil, nil
	}
	baseline, err := svc.ResolveVersion(ctx, input.Baseline)
	if err != nil {
		return toolError("Failed to resolve baseline: %v", err), nil, nil
	}
	target, err := svc.ResolveVersion(ctx, input.Target)
	if err != nil {
		return toolError("Failed to resolve target: %v", err), nil, nil
	}

	arts, err := svc.ArtifactDeltas.Delta(ctx, baseline, target)
	if err != nil {
		return toolError("Delta failed: %v", err), nil, nil
	}
	traces, err := svc.TraceDeltas.Delta(ctx, baseline, target)
	if err != nil {
		return toolError("Delta failed: %v", err), nil, nil
	}

	if strings.EqualFold(input.Format, "text") {
		var buf bytes.Buffer
		if err := report.WriteDelta(&buf, arts, traces, report.Options{Diffs: input.Diffs}); err != nil {
			return toolError("Failed to render delta: %v", err), nil, nil
		}
		return toolText(buf.String()), nil, nil
	}
	return toolJSON(deltaResult{Artifacts: arts, Traces: traces})
}

func (t *HistoryTools) EntityHistory(ctx context.Context, _ *mcp.CallToolRequest, input EntityHistoryInput) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}
	class, err := parseClass(input.Class, false)
	if err != nil {
		return toolError("%v", err), nil, nil
	}

	id := input.ID
	if id == "" {
		ident := models.Identity{Name: input.Name}
		if class == models.ClassTraces {
			ident = models.Identity{Source: input.Source, Target: input.Target}
		}
		var ent *models.BaseEntity
		if class == models.ClassArtifacts {
			ent, err = svc.ArtifactDeltas.Lookup(ctx, ident)
		} else {
			ent, err = svc.TraceDeltas.Lookup(ctx, ident)
		}
		if err != nil {
			return toolError("Entity %s not found: %v", ident, err), nil, nil
		}
		id = ent.ID
	}

	var history []models.VersionSnapshot
	if class == models.ClassArtifacts {
		history, err = svc.ArtifactDeltas.History(ctx, id)
	} else {
		history, err = svc.TraceDeltas.History(ctx, id)
	}
	if err != nil {
		return toolError("Failed to read history: %v", err), nil, nil
	}
	if history == nil {
		history = []models.VersionSnapshot{}
	}
	return toolJSON(history)
}

func (t *HistoryTools) ListCommitErrors(ctx context.Context, _ *mcp.CallToolRequest, input ListCommitErrorsInput) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}
	class, err := parseClass(input.Class, true)
	if err != nil {
		return toolError("%v", err), nil, nil
	}
	v, err := svc.ResolveVersion(ctx, input.Version)
	if err != nil {
		return toolError("Failed to resolve version: %v", err), nil, nil
	}

	errs, err := svc.CommitErrors(ctx, v, class)
	if err != nil {
		return toolError("Failed to list commit errors: %v", err), nil, nil
	}
	if errs == nil {
		errs = []models.CommitError{}
	}
	return toolJSON(errs)
}

func (t *HistoryTools) CreateArtifactType(ctx context.Context, _ *mcp.CallToolRequest, input CreateArtifactTypeInput) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}
	at, err := svc.CreateArtifactType(ctx, input.Name)
	if err != nil {
		return toolError("Failed to create artifact type: %v", err), nil, nil
	}
	return toolJSON(at)
}

func (t *HistoryTools) ListArtifactTypes(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}
	types, err := svc.ArtifactTypes(ctx)
	if err != nil {
		return toolError("Failed to list artifact types: %v", err), nil, nil
	}
	if types == nil {
		types = []models.ArtifactType{}
	}
	return toolJSON(types)
}

func (t *HistoryTools) SearchArtifacts(ctx context.Context, _ *mcp.CallToolRequest, input SearchArtifactsInput) (*mcp.CallToolResult, any, error) {
	svc, errResult := t.requireService()
	if errResult != nil {
		return errResult, nil, nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return toolError("Search query is required"), nil, nil
	}
	s, ok := svc.Store().(searcher)
	if !ok {
		return toolError("Full-text search is not available for this project's storage backend."), nil, nil
	}

	hits, err := s.Search(ctx, models.ClassArtifacts, input.Query)
	if err != nil {
		return toolError("Search failed: %v", err), nil, nil
	}
	if hits == nil {
		hits = []storage.SearchHit{}
	}
	return toolJSON(hits)
}

func parseClass(s string, allowEmpty bool) (models.EntityClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "artifacts", "artifact":
		return models.ClassArtifacts, nil
	case "traces", "trace", "trace_links":
		return models.ClassTraces, nil
	case "":
		if allowEmpty {
			return "", nil
		}
	}
	return "", fmt.Errorf("unknown entity class %q: use artifacts or traces", s)
}
