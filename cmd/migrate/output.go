package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/timmy/contentport/internal/domain"
)

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printProgress(cmd *cobra.Command, job *domain.ImportJob) {
	line := fmt.Sprintf("[%s", job.Status)
	if job.Phase != "" {
		line += " " + string(job.Phase)
	}
	line += "]"
	if job.ProgressTotal > 0 {
		line += fmt.Sprintf(" %d/%d", job.ProgressCurrent, job.ProgressTotal)
	}
	if job.ProgressMessage != "" {
		line += " " + job.ProgressMessage
	}
	fmt.Fprintln(cmd.ErrOrStderr(), line)
}

func printJob(cmd *cobra.Command, job *domain.ImportJob) error {
	if jsonOutput {
		return printJSON(cmd, job)
	}
	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Job:\t%s\n", job.ID)
	fmt.Fprintf(w, "Site:\t%s\n", job.Site)
	fmt.Fprintf(w, "Lineage:\t%s\n", job.LineageID)
	src := job.Descriptor()
	fmt.Fprintf(w, "Source:\t%s %s%s\n", src.Kind, src.Filename, src.URL)
	status := string(job.Status)
	if job.Outcome != domain.OutcomeNone {
		status += " (" + string(job.Outcome) + ")"
	}
	if job.RollbackState == domain.RollbackStatePartial {
		status += " rollback partial"
	}
	fmt.Fprintf(w, "Status:\t%s\n", status)
	if job.Phase != "" {
		fmt.Fprintf(w, "Phase:\t%s\n", job.Phase)
	}
	if job.ProgressMessage != "" {
		fmt.Fprintf(w, "Progress:\t%d/%d %s\n", job.ProgressCurrent, job.ProgressTotal, job.ProgressMessage)
	}
	fmt.Fprintf(w, "Issues:\t%d errors, %d warnings\n", job.ErrorCount, job.WarningCount)
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:\t%s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if a := job.Analysis.Data(); a != nil {
		printAnalysis(out, a)
	}
	if d := job.DryRun.Data(); d != nil && job.Status.PreImport() {
		printDryRun(out, d)
	}
	if job.StartedAt != nil {
		printCounters(out, job.Counters)
	}
	return nil
}

func printAnalysis(out io.Writer, a *domain.Analysis) {
	fmt.Fprintf(out, "\nAnalysis of %q (%s)\n", a.SiteTitle, a.SiteURL)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(a.Counts) {
		fmt.Fprintf(w, "  %s\t%d\n", k, a.Counts[k])
	}
	w.Flush()
	if len(a.Plugins) > 0 {
		fmt.Fprintf(out, "  plugins: %s\n", strings.Join(a.Plugins, ", "))
	}
	if a.PageErrors > 0 {
		fmt.Fprintf(out, "  unreadable pages: %d\n", a.PageErrors)
	}
	for _, warn := range a.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", warn)
	}
	fmt.Fprintf(out, "  estimated duration: %s\n", time.Duration(a.EstimatedSeconds)*time.Second)
}

func printDryRun(out io.Writer, d *domain.DryRunResult) {
	fmt.Fprintln(out, "\nDry run")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  \tcreate\tupdate")
	keys := sortedKeys(d.WouldCreate)
	for _, k := range sortedKeys(d.WouldUpdate) {
		if _, ok := d.WouldCreate[k]; !ok {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\t%d\t%d\n", k, d.WouldCreate[k], d.WouldUpdate[k])
	}
	w.Flush()
	fmt.Fprintf(out, "  unchanged %d, skipped %d, failed %d\n", d.Unchanged, d.Skipped, d.Failed)
	fmt.Fprintf(out, "  redirects %d, links to fix %d, unresolved links %d\n", d.Redirects, d.LinksToFix, d.UnresolvedLinks)
	for _, c := range d.Conflicts {
		fmt.Fprintf(out, "  conflict: %s %s %s=%q (%s, recommended %s)\n",
			c.Kind, c.ExternalID, c.Field, c.Value, c.Resolution, c.Recommendation)
	}
	for _, is := range d.Issues {
		fmt.Fprintf(out, "  %s [%s/%s] %s\n", is.Severity, is.Phase, is.Class, is.Message)
	}
	if d.IssuesTruncated {
		fmt.Fprintf(out, "  ... %d errors and %d warnings in total\n", d.Errors, d.Warnings)
	}
}

func printCounters(out io.Writer, c domain.Counters) {
	fmt.Fprintln(out, "\nResults")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	rows := []struct {
		name string
		n    int
	}{
		{"posts", c.Posts}, {"pages", c.Pages}, {"custom", c.Custom}, {"media", c.Media},
		{"categories", c.Categories}, {"tags", c.Tags}, {"terms", c.Terms},
		{"authors", c.Authors}, {"comments", c.Comments}, {"menus", c.Menus},
		{"menu items", c.MenuItems}, {"redirects", c.Redirects}, {"links fixed", c.LinksFixed},
		{"updated", c.Updated}, {"unchanged", c.Unchanged}, {"skipped", c.Skipped}, {"failed", c.Failed},
	}
	for _, r := range rows {
		if r.n > 0 {
			fmt.Fprintf(w, "  %s\t%d\n", r.name, r.n)
		}
	}
	w.Flush()
}

func printJobs(cmd *cobra.Command, jobs []domain.ImportJob, total int64) error {
	if jsonOutput {
		return printJSON(cmd, map[string]interface{}{"items": jobs, "total": total})
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSITE\tSTATUS\tSOURCE\tCREATED")
	for i := range jobs {
		j := &jobs[i]
		src := j.Descriptor()
		name := src.Filename
		if name == "" {
			name = src.URL
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Site, j.Status, name, j.CreatedAt.Format("2006-01-02 15:04"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if int64(len(jobs)) < total {
		fmt.Fprintf(cmd.OutOrStdout(), "(%d of %d)\n", len(jobs), total)
	}
	return nil
}

func printIssues(cmd *cobra.Command, issues []domain.Issue, total int64) error {
	if jsonOutput {
		return printJSON(cmd, map[string]interface{}{"items": issues, "total": total})
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tPHASE\tCLASS\tRECORD\tMESSAGE")
	for _, is := range issues {
		record := ""
		if is.ExternalKind != "" {
			record = string(is.ExternalKind) + ":" + is.ExternalID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", is.Severity, is.Phase, is.Class, record, is.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if int64(len(issues)) < total {
		fmt.Fprintf(cmd.OutOrStdout(), "(%d of %d)\n", len(issues), total)
	}
	return nil
}

func printDiff(cmd *cobra.Command, r *domain.DiffReport) error {
	if jsonOutput {
		return printJSON(cmd, r)
	}
	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNEW\tCHANGED\tUNCHANGED\tDELETED")
	for _, k := range sortedKeys(r.ByKind) {
		c := r.ByKind[k]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", k, c.New, c.Changed, c.Unchanged, c.Deleted)
	}
	t := r.Totals
	fmt.Fprintf(w, "total\t%d\t%d\t%d\t%d\n", t.New, t.Changed, t.Unchanged, t.Deleted)
	if err := w.Flush(); err != nil {
		return err
	}
	if r.Incomplete {
		fmt.Fprintln(out, "Source pages were lost; deletions are not reported.")
	}
	for _, d := range r.Deleted {
		fmt.Fprintf(out, "  gone: %s %s -> %s %s\n", d.Kind, d.ExternalID, d.EntityType, d.EntityID)
	}
	return nil
}

func printRollback(cmd *cobra.Command, res *domain.RollbackResult) error {
	if jsonOutput {
		return printJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Rolled back %s\n", res.JobID)
	for _, k := range sortedKeys(res.Deleted) {
		fmt.Fprintf(out, "  %s\t%d\n", k, res.Deleted[k])
	}
	fmt.Fprintf(out, "  redirects %d, media objects %d, retained %d\n", res.Redirects, res.Media, res.Retained)
	if res.Partial {
		fmt.Fprintf(out, "Rollback was partial; %d entities could not be deleted:\n", len(res.Failed))
		for _, f := range res.Failed {
			fmt.Fprintf(out, "  %s %s\n", f.EntityType, f.EntityID)
		}
	}
	return nil
}

// writeRedirects renders rules for a web server or a spreadsheet.
func writeRedirects(out io.Writer, rules []domain.Redirect, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rules)
	case "csv":
		w := csv.NewWriter(out)
		_ = w.Write([]string{"from", "to", "status"})
		for _, r := range rules {
			_ = w.Write([]string{r.FromPath, r.ToPath, strconv.Itoa(r.StatusCode)})
		}
		w.Flush()
		return w.Error()
	case "nginx":
		for _, r := range rules {
			if strings.Contains(r.FromPath, "?") {
				// location blocks never see the query string
				fmt.Fprintf(out, "# skipped %s -> %s (query string)\n", r.FromPath, r.ToPath)
				continue
			}
			fmt.Fprintf(out, "location = %s { return %d %s; }\n", r.FromPath, r.StatusCode, r.ToPath)
		}
		return nil
	case "apache":
		for _, r := range rules {
			if strings.Contains(r.FromPath, "?") {
				fmt.Fprintf(out, "# skipped %s -> %s (query string)\n", r.FromPath, r.ToPath)
				continue
			}
			fmt.Fprintf(out, "Redirect %d %s %s\n", r.StatusCode, r.FromPath, r.ToPath)
		}
		return nil
	}
	return fmt.Errorf("unknown format %q", format)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
