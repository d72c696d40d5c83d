// Package report renders deltas and checkouts as terminal text.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/versioning"
)

// Options controls rendering.
type Options struct {
	// Color enables ANSI colors regardless of the terminal check in fatih/color.
	Color bool
	// Diffs adds unified diffs of modified artifact bodies.
	Diffs bool
	// Context is the number of context lines in body diffs. 0 means 3.
	Context int
}

type painter struct {
	enabled bool
	added   *color.Color
	removed *color.Color
	changed *color.Color
	header  *color.Color
	muted   *color.Color
}

func newPainter(enabled bool) painter {
	p := painter{
		enabled: enabled,
		added:   color.New(color.FgGreen),
		removed: color.New(color.FgRed),
		changed: color.New(color.FgYellow),
		header:  color.New(color.FgCyan, color.Bold),
		muted:   color.New(color.FgHiBlack),
	}
	if enabled {
		for _, c := range []*color.Color{p.added, p.removed, p.changed, p.header, p.muted} {
			c.EnableColor()
		}
	}
	return p
}

func (p painter) paint(c *color.Color, s string) string {
	if !p.enabled {
		return s
	}
	return c.Sprint(s)
}

// WriteDelta renders the artifact and trace link deltas between two versions.
func WriteDelta(w io.Writer, arts versioning.Delta[models.Artifact], traces versioning.Delta[models.TraceLink], opt Options) error {
	p := newPainter(opt.Color)
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s\n", p.paint(p.header, fmt.Sprintf("Delta %s -> %s", arts.Baseline, arts.Target)))
	if arts.Empty() && traces.Empty() {
		sb.WriteString("no changes\n")
		_, err := io.WriteString(w, sb.String())
		return err
	}

	writeArtifactDelta(&sb, p, arts, opt)
	writeTraceDelta(&sb, p, traces)

	_, err := io.WriteString(w, sb.String())
	return err
}

func writeArtifactDelta(sb *strings.Builder, p painter, d versioning.Delta[models.Artifact], opt Options) {
	fmt.Fprintf(sb, "\nArtifacts: %d added, %d modified, %d removed\n", len(d.Added), len(d.Modified), len(d.Removed))

	for _, a := range sortedArtifacts(d.Added) {
		fmt.Fprintf(sb, "%s %s (%s)\n", p.paint(p.added, "+"), a.Name, a.Type)
	}

	changes := make([]versioning.Change[models.Artifact], 0, len(d.Modified))
	for _, c := range d.Modified {
		changes = append(changes, c)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].After.Name < changes[j].After.Name })
	for _, c := range changes {
		fmt.Fprintf(sb, "%s %s (%s)\n", p.paint(p.changed, "~"), c.After.Name, c.After.Type)
		field(sb, p, "type", c.Before.Type, c.After.Type)
		field(sb, p, "summary", c.Before.Summary, c.After.Summary)
		for _, k := range attributeKeys(c.Before.Attributes, c.After.Attributes) {
			field(sb, p, "attributes."+k, c.Before.Attributes[k], c.After.Attributes[k])
		}
		if c.Before.Body != c.After.Body {
			if opt.Diffs {
				writeBodyDiff(sb, p, c, d.Baseline, d.Target, opt.Context)
			} else {
				fmt.Fprintf(sb, "    %s\n", p.paint(p.muted, "body changed"))
			}
		}
	}

	for _, a := range sortedArtifacts(d.Removed) {
		fmt.Fprintf(sb, "%s %s (%s)\n", p.paint(p.removed, "-"), a.Name, a.Type)
	}
}

func writeTraceDelta(sb *strings.Builder, p painter, d versioning.Delta[models.TraceLink]) {
	fmt.Fprintf(sb, "\nTrace links: %d added, %d modified, %d removed\n", len(d.Added), len(d.Modified), len(d.Removed))

	for _, t := range sortedTraces(d.Added) {
		fmt.Fprintf(sb, "%s %s\n", p.paint(p.added, "+"), traceLine(t))
	}

	changes := make([]versioning.Change[models.TraceLink], 0, len(d.Modified))
	for _, c := range d.Modified {
		changes = append(changes, c)
	}
	sort.Slice(changes, func(i, j int) bool { return traceKey(changes[i].After) < traceKey(changes[j].After) })
	for _, c := range changes {
		fmt.Fprintf(sb, "%s %s\n", p.paint(p.changed, "~"), traceLine(c.After))
		field(sb, p, "trace_type", c.Before.TraceType, c.After.TraceType)
		field(sb, p, "approval_status", c.Before.ApprovalStatus, c.After.ApprovalStatus)
		field(sb, p, "score", formatScore(c.Before.Score), formatScore(c.After.Score))
		field(sb, p, "explanation", c.Before.Explanation, c.After.Explanation)
	}

	for _, t := range sortedTraces(d.Removed) {
		fmt.Fprintf(sb, "%s %s\n", p.paint(p.removed, "-"), traceLine(t))
	}
}

func field(sb *strings.Builder, p painter, name, before, after string) {
	if before == after {
		return
	}
	fmt.Fprintf(sb, "    %s: %s -> %s\n", name, p.paint(p.removed, quote(before)), p.paint(p.added, quote(after)))
}

func writeBodyDiff(sb *strings.Builder, p painter, c versioning.Change[models.Artifact], from, to models.ProjectVersion, context int) {
	if context <= 0 {
		context = 3
	}
	u := difflib.UnifiedDiff{
		A:        difflib.SplitLines(c.Before.Body),
		B:        difflib.SplitLines(c.After.Body),
		FromFile: fmt.Sprintf("%s@%s", c.Before.Name, from),
		ToFile:   fmt.Sprintf("%s@%s", c.After.Name, to),
		Context:  context,
	}
	diff, err := difflib.GetUnifiedDiffString(u)
	if err != nil || diff == "" {
		fmt.Fprintf(sb, "    %s\n", p.paint(p.muted, "body changed"))
		return
	}
	for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			line = p.paint(p.muted, line)
		case strings.HasPrefix(line, "@@"):
			line = p.paint(p.header, line)
		case strings.HasPrefix(line, "+"):
			line = p.paint(p.added, line)
		case strings.HasPrefix(line, "-"):
			line = p.paint(p.removed, line)
		}
		fmt.Fprintf(sb, "    %s\n", line)
	}
}

// WriteCheckout lists the artifacts and trace links present at version.
func WriteCheckout(w io.Writer, version models.ProjectVersion, arts []models.Artifact, traces []models.TraceLink, opt Options) error {
	p := newPainter(opt.Color)
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s\n", p.paint(p.header, fmt.Sprintf("Checkout %s: %d artifacts, %d trace links", version, len(arts), len(traces))))

	if len(arts) > 0 {
		sb.WriteString("\nArtifacts\n")
		width := 0
		for _, a := range arts {
			width = max(width, len(a.Name))
		}
		for _, a := range arts {
			line := fmt.Sprintf("  %-*s  %s", width, a.Name, p.paint(p.muted, a.Type))
			if a.Summary != "" {
				line += "  " + a.Summary
			}
			sb.WriteString(line + "\n")
		}
	}

	if len(traces) > 0 {
		sb.WriteString("\nTrace links\n")
		for _, t := range traces {
			fmt.Fprintf(&sb, "  %s\n", traceLine(t))
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func traceLine(t models.TraceLink) string {
	var attrs []string
	if t.TraceType != "" {
		attrs = append(attrs, t.TraceType)
	}
	if t.ApprovalStatus != "" {
		attrs = append(attrs, t.ApprovalStatus)
	}
	attrs = append(attrs, "score="+formatScore(t.Score))
	return fmt.Sprintf("%s -> %s [%s]", t.Source, t.Target, strings.Join(attrs, " "))
}

func traceKey(t models.TraceLink) string {
	return t.Source + "\x00" + t.Target
}

func formatScore(s float64) string {
	return fmt.Sprintf("%.2f", s)
}

func quote(s string) string {
	if s == "" {
		return "(empty)"
	}
	return fmt.Sprintf("%q", s)
}

func sortedArtifacts(m map[string]models.Artifact) []models.Artifact {
	out := make([]models.Artifact, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedTraces(m map[string]models.TraceLink) []models.TraceLink {
	out := make([]models.TraceLink, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return traceKey(out[i]) < traceKey(out[j]) })
	return out
}

func attributeKeys(a, b map[string]string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var keys []string
	for _, m := range []map[string]string{a, b} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
