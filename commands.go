package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/jobs"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/report"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/versioning"
)

// withService opens the named project and runs fn against its versioning service.
func withService(ctx context.Context, project string, fn func(context.Context, *versioning.Service) error) error {
	if project == "" {
		return errors.New("--project is required")
	}
	meta, err := openMeta()
	if err != nil {
		return err
	}
	defer meta.Close()

	proj, err := meta.GetProjectByName(project)
	if err != nil {
		return err
	}
	if proj.Status == "archived" {
		return fmt.Errorf("project %q is archived, restore it first", project)
	}
	store, err := meta.OpenProjectStore(proj)
	if err != nil {
		return fmt.Errorf("open project store: %w", err)
	}
	defer store.Close()

	return fn(ctx, versioning.NewService(store, versioning.WithLogger(logger.With("project", proj.Name))))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reportOptions(cmd *cobra.Command) report.Options {
	noColor, _ := cmd.Flags().GetBool("no-color")
	diffs, _ := cmd.Flags().GetBool("diff")
	return report.Options{Color: !noColor && !color.NoColor, Diffs: diffs}
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project with its own isolated store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := openMeta()
			if err != nil {
				return err
			}
			defer meta.Close()

			proj, err := meta.CreateProject(args[0], description)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s project %s (%s)\n", color.GreenString("✓"), proj.Name, proj.ID)
			return nil
		},
	}
	create.Flags().StringVar(&description, "description", "", "Project description")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			meta, err := openMeta()
			if err != nil {
				return err
			}
			defer meta.Close()

			projects, err := meta.ListProjects(status)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(projects) == 0 {
				fmt.Fprintln(out, "No projects found")
				return nil
			}
			for _, p := range projects {
				fmt.Fprintf(out, "%-24s %-8s %s\n", p.Name, p.Status, color.HiBlackString(p.Description))
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "active", "Filter by status: active, archived, or all")

	cmd.AddCommand(create, list)
	return cmd
}

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Manage project versions",
	}

	var project, bump, explicit string
	cut := &cobra.Command{
		Use:   "cut",
		Short: "Create the next project version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), project, func(ctx context.Context, svc *versioning.Service) error {
				var (
					v   *models.ProjectVersion
					err error
				)
				if explicit != "" {
					major, minor, revision, perr := models.ParseVersion(explicit)
					if perr != nil {
						return perr
					}
					v, err = svc.CreateVersion(ctx, major, minor, revision)
				} else {
					v, err = svc.CutVersion(ctx, models.Bump(bump))
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", color.GreenString("✓"), v)
				return nil
			})
		},
	}
	cut.Flags().StringVar(&project, "project", "", "Project name")
	cut.Flags().StringVar(&bump, "bump", "revision", "Component to bump: major, minor or revision")
	cut.Flags().StringVar(&explicit, "version", "", "Explicit version to create, e.g. 2.0.0")

	list := &cobra.Command{
		Use:   "list",
		Short: "List project versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), project, func(ctx context.Context, svc *versioning.Service) error {
				versions, err := svc.Versions(ctx)
				if err != nil {
					return err
				}
				for _, v := range versions {
					fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", v, color.HiBlackString(v.CreatedAt))
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&project, "project", "", "Project name")

	cmd.AddCommand(cut, list)
	return cmd
}

func importCmd() *cobra.Command {
	var project, jobType, version string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import artifacts, trace links and deletions from a YAML document",
		Long: `Import runs a job over a YAML document:

  version: 1.2.0
  artifacts:
    - name: REQ-1
      type: requirement
      body: The system shall ...
  traces:
    - source: REQ-1
      target: TEST-1
      trace_type: MANUAL
  deletions:
    - class: artifacts
      id: <base entity id>

full_import replaces the content of the version; incremental_update only
writes the listed entities and deletions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var req jobs.Request
			if err := yaml.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if version != "" {
				req.Version = version
			}

			return withService(cmd.Context(), project, func(ctx context.Context, svc *versioning.Service) error {
				rep, runErr := jobs.NewRunner(svc, logger).Run(ctx, jobs.Type(jobType), req)
				if rep != nil {
					if asJSON {
						if err := writeJSON(cmd.OutOrStdout(), rep); err != nil {
							return err
						}
					} else {
						printJobReport(cmd.OutOrStdout(), rep)
					}
				}
				return runErr
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Project name")
	cmd.Flags().StringVar(&jobType, "type", string(jobs.FullImport), "Job type: full_import or incremental_update")
	cmd.Flags().StringVar(&version, "version", "", "Target version, overrides the document's version")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the job report as JSON")
	return cmd
}

func printJobReport(w io.Writer, rep *jobs.Report) {
	fmt.Fprintf(w, "%s %s at %s\n", color.CyanString("Job "+rep.ID), rep.Type, rep.Version)
	for _, s := range rep.Steps {
		mark := color.GreenString("✓")
		if s.Error != "" {
			mark = color.RedString("✗")
		}
		fmt.Fprintf(w, "  %s %-18s %s\n", mark, s.Name, color.HiBlackString(s.Duration.String()))
	}
	line := func(label string, s versioning.Summary) {
		fmt.Fprintf(w, "  %-10s +%d ~%d -%d =%d errors:%d\n", label, s.Added, s.Modified, s.Removed, s.Unchanged, s.Errors)
	}
	line("artifacts", rep.Artifacts)
	line("traces", rep.Traces)
	if rep.Type == jobs.IncrementalUpdate {
		line("deletions", rep.Deletions)
	}
	for _, e := range rep.Errors {
		fmt.Fprintf(w, "  %s [%s] %s %s\n", color.RedString("!"), e.Kind, e.Identity, e.Description)
	}
}

func checkoutCmd() *cobra.Command {
	var project, version string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "List the artifacts and trace links present at a version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), project, func(ctx context.Context, svc *versioning.Service) error {
				v, err := svc.ResolveVersion(ctx, version)
				if err != nil {
					return err
				}
				arts, err := svc.ArtifactDeltas.CheckoutAll(ctx, v)
				if err != nil {
					return err
				}
				traces, err := svc.TraceDeltas.CheckoutAll(ctx, v)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]any{
						"version":   v.String(),
						"artifacts": arts,
						"traces":    traces,
					})
				}
				return report.WriteCheckout(cmd.OutOrStdout(), *v, arts, traces, reportOptions(cmd))
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Project name")
	cmd.Flags().StringVar(&version, "version", "latest", "Version to check out")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	cmd.Flags().Bool("no-color", false, "Disable colored output")
	return cmd
}

func deltaCmd() *cobra.Command {
	var project, from, to string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "delta",
		Short: "Show what changed between two versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if from == "" {
				return errors.New("--from is required")
			}
			return withService(cmd.Context(), project, func(ctx context.Context, svc *versioning.Service) error {
				baseline, err := svc.ResolveVersion(ctx, from)
				if err != nil {
					return err
				}
				target, err := svc.ResolveVersion(ctx, to)
				if err != nil {
					return err
				}
				arts, err := svc.ArtifactDeltas.Delta(ctx, baseline, target)
				if err != nil {
					return err
				}
				traces, err := svc.TraceDeltas.Delta(ctx, baseline, target)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"artifacts": arts, "traces": traces})
				}
				return report.WriteDelta(cmd.OutOrStdout(), arts, traces, reportOptions(cmd))
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Project name")
	cmd.Flags().StringVar(&from, "from", "", "Baseline version")
	cmd.Flags().StringVar(&to, "to", "latest", "Target version")
	cmd.Flags().Bool("diff", false, "Include unified diffs of modified artifact bodies")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	cmd.Flags().Bool("no-color", false, "Disable colored output")
	return cmd
}

func errorsCmd() *cobra.Command {
	var project, version, class string
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List commit errors recorded at a version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), project, func(ctx context.Context, svc *versioning.Service) error {
				v, err := svc.ResolveVersion(ctx, version)
				if err != nil {
					return err
				}
				errs, err := svc.CommitErrors(ctx, v, models.EntityClass(strings.ToLower(class)))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(errs) == 0 {
					fmt.Fprintf(out, "No commit errors at %s\n", v)
					return nil
				}
				for _, e := range errs {
					fmt.Fprintf(out, "%s %-9s %-16s %s: %s\n",
						color.HiBlackString(e.CreatedAt), e.Class, color.RedString(string(e.Kind)), e.Identity, e.Description)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Project name")
	cmd.Flags().StringVar(&version, "version", "latest", "Version")
	cmd.Flags().StringVar(&class, "class", "", "Entity class filter: artifacts or traces")
	return cmd
}
