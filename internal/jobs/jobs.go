// Package jobs runs import jobs as explicit, ordered step sequences over a
// versioning.Service.
//
// Each job type maps to a fixed flow of named steps. Steps run in order; a
// step that returns an error aborts the job. Per-entity CommitErrors are data
// and never abort a job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/versioning"
)

// Type names a job flow.
type Type string

const (
	// FullImport replaces the project content at a version with the request.
	FullImport Type = "full_import"
	// IncrementalUpdate commits the request entities and explicit deletions only.
	IncrementalUpdate Type = "incremental_update"
)

// Step names.
const (
	StepResolveVersion  = "resolve-version"
	StepValidate        = "validate"
	StepCommitArtifacts = "commit-artifacts"
	StepCommitTraces    = "commit-traces"
	StepApplyDeletions  = "apply-deletions"
	StepSummarize       = "summarize"
)

// ErrInvalidRequest reports a malformed job request.
var ErrInvalidRequest = errors.New("invalid job request")

// Deletion removes one entity by its BaseEntity id.
type Deletion struct {
	Class models.EntityClass `json:"class" yaml:"class"`
	ID    string             `json:"id" yaml:"id"`
}

// Request is the input document of a job.
type Request struct {
	// Version is a dotted version or "latest".
	Version   string             `json:"version" yaml:"version"`
	Artifacts []models.Artifact  `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Traces    []models.TraceLink `json:"traces,omitempty" yaml:"traces,omitempty"`
	Deletions []Deletion         `json:"deletions,omitempty" yaml:"deletions,omitempty"`
}

// StepResult records one executed step.
type StepResult struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report describes a job run. A failed run still returns its partial report.
type Report struct {
	ID         string               `json:"id"`
	Type       Type                 `json:"type"`
	Version    string               `json:"version,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Steps      []StepResult         `json:"steps"`
	Artifacts  versioning.Summary   `json:"artifacts"`
	Traces     versioning.Summary   `json:"traces"`
	Deletions  versioning.Summary   `json:"deletions"`
	Errors     []models.CommitError `json:"errors,omitempty"`
}

// step is one named unit of a flow.
type step struct {
	name string
	fn   func(ctx context.Context, r *run) error
}

// run carries the state shared by the steps of one job.
type run struct {
	svc     *versioning.Service
	logger  *slog.Logger
	req     Request
	version *models.ProjectVersion
	report  *Report
}

// Runner executes jobs against one project.
type Runner struct {
	svc    *versioning.Service
	logger *slog.Logger
	flows  map[Type][]step
}

// NewRunner returns a Runner with the built-in flows.
func NewRunner(svc *versioning.Service, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		svc:    svc,
		logger: logger,
		flows: map[Type][]step{
			FullImport: {
				{StepResolveVersion, resolveVersion},
				{StepValidate, validateRequest},
				{StepCommitArtifacts, commitArtifacts(true)},
				{StepCommitTraces, commitTraces(true)},
				{StepSummarize, summarize},
			},
			IncrementalUpdate: {
				{StepResolveVersion, resolveVersion},
				{StepValidate, validateRequest},
				{StepCommitArtifacts, commitArtifacts(false)},
				{StepCommitTraces, commitTraces(false)},
				{StepApplyDeletions, applyDeletions},
				{StepSummarize, summarize},
			},
		},
	}
}

// Steps returns the step names of a job type in execution order.
func (rn *Runner) Steps(t Type) ([]string, error) {
	flow, ok := rn.flows[t]
	if !ok {
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	names := make([]string, len(flow))
	for i, s := range flow {
		names[i] = s.name
	}
	return names, nil
}

// Run executes the flow of job type t.
func (rn *Runner) Run(ctx context.Context, t Type, req Request) (*Report, error) {
	flow, ok := rn.flows[t]
	if !ok {
		return nil, fmt.Errorf("unknown job type %q", t)
	}

	report := &Report{
		ID:        ulid.Make().String(),
		Type:      t,
		StartedAt: time.Now().UTC(),
	}
	logger := rn.logger.With("job_id", report.ID, "job_type", string(t))
	r := &run{svc: rn.svc, logger: logger, req: req, report: report}

	logger.Info("job started")
	for _, s := range flow {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = time.Now().UTC()
			return report, fmt.Errorf("job %s: %w", report.ID, err)
		}

		start := time.Now()
		err := s.fn(ctx, r)
		res := StepResult{Name: s.name, Duration: time.Since(start)}
		if err != nil {
			res.Error = err.Error()
		}
		report.Steps = append(report.Steps, res)

		if err != nil {
			report.FinishedAt = time.Now().UTC()
			logger.Error("job step failed", "step", s.name, "error", err)
			return report, fmt.Errorf("job %s step %s: %w", report.ID, s.name, err)
		}
		logger.Debug("job step done", "step", s.name, "duration", res.Duration)
	}
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

func resolveVersion(ctx context.Context, r *run) error {
	v, err := r.svc.ResolveVersion(ctx, r.req.Version)
	if err != nil {
		return err
	}
	r.version = v
	r.report.Version = v.String()
	return nil
}

// validateRequest rejects requests that name the same entity twice.
// Payload field validation happens per entity in the commit engine.
func validateRequest(_ context.Context, r *run) error {
	names := make(map[string]bool, len(r.req.Artifacts))
	for _, a := range r.req.Artifacts {
		if names[a.Name] {
			return fmt.Errorf("%w: artifact %q appears more than once", ErrInvalidRequest, a.Name)
		}
		names[a.Name] = true
	}

	links := make(map[models.Identity]bool, len(r.req.Traces))
	for _, t := range r.req.Traces {
		ident := versioning.TraceKind{}.Identity(t)
		if links[ident] {
			return fmt.Errorf("%w: trace link %s appears more than once", ErrInvalidRequest, ident)
		}
		links[ident] = true
	}

	for i, d := range r.req.Deletions {
		if d.ID == "" {
			return fmt.Errorf("%w: deletion %d has no id", ErrInvalidRequest, i)
		}
		if d.Class != models.ClassArtifacts && d.Class != models.ClassTraces {
			return fmt.Errorf("%w: deletion %d has unknown class %q", ErrInvalidRequest, i, d.Class)
		}
	}
	return nil
}

func commitArtifacts(full bool) func(context.Context, *run) error {
	return func(ctx context.Context, r *run) error {
		commit := r.svc.Artifacts.CommitIncremental
		if full {
			commit = r.svc.Artifacts.CommitAll
		}
		outcomes, err := commit(ctx, r.version, r.req.Artifacts)
		if err != nil {
			return err
		}
		r.report.Artifacts = add(r.report.Artifacts, versioning.Summarize(outcomes))
		r.report.Errors = append(r.report.Errors, commitErrors(outcomes)...)
		return nil
	}
}

func commitTraces(full bool) func(context.Context, *run) error {
	return func(ctx context.Context, r *run) error {
		commit := r.svc.Traces.CommitIncremental
		if full {
			commit = r.svc.Traces.CommitAll
		}
		outcomes, err := commit(ctx, r.version, r.req.Traces)
		if err != nil {
			return err
		}
		r.report.Traces = add(r.report.Traces, versioning.Summarize(outcomes))
		r.report.Errors = append(r.report.Errors, commitErrors(outcomes)...)
		return nil
	}
}

func applyDeletions(ctx context.Context, r *run) error {
	for _, d := range r.req.Deletions {
		var (
			sum  versioning.Summary
			errs []models.CommitError
		)
		switch d.Class {
		case models.ClassArtifacts:
			o, err := r.svc.Artifacts.DeleteByBaseEntityID(ctx, r.version, d.ID)
			if err != nil {
				return err
			}
			outcomes := []versioning.Outcome[models.Artifact]{o}
			sum, errs = versioning.Summarize(outcomes), commitErrors(outcomes)
		case models.ClassTraces:
			o, err := r.svc.Traces.DeleteByBaseEntityID(ctx, r.version, d.ID)
			if err != nil {
				return err
			}
			outcomes := []versioning.Outcome[models.TraceLink]{o}
			sum, errs = versioning.Summarize(outcomes), commitErrors(outcomes)
		}
		r.report.Deletions = add(r.report.Deletions, sum)
		r.report.Errors = append(r.report.Errors, errs...)
	}
	return nil
}

func summarize(_ context.Context, r *run) error {
	rep := r.report
	r.logger.Info("job summary",
		"version", rep.Version,
		"artifacts_added", rep.Artifacts.Added,
		"artifacts_modified", rep.Artifacts.Modified,
		"artifacts_removed", rep.Artifacts.Removed,
		"traces_added", rep.Traces.Added,
		"traces_modified", rep.Traces.Modified,
		"traces_removed", rep.Traces.Removed,
		"deletions", rep.Deletions.Removed,
		"commit_errors", len(rep.Errors),
	)
	return nil
}

func commitErrors[P any](outcomes []versioning.Outcome[P]) []models.CommitError {
	var out []models.CommitError
	for _, o := range outcomes {
		if o.Err != nil {
			out = append(out, *o.Err)
		}
	}
	return out
}

func add(a, b versioning.Summary) versioning.Summary {
	return versioning.Summary{
		Added:     a.Added + b.Added,
		Modified:  a.Modified + b.Modified,
		Removed:   a.Removed + b.Removed,
		Unchanged: a.Unchanged + b.Unchanged,
		Errors:    a.Errors + b.Errors,
	}
}
