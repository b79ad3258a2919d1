package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/service"
)

// optionFlags binds the import options to a command's flags.
type optionFlags struct {
	noMedia       bool
	noDownload    bool
	noConvert     bool
	quality       int
	includeDrafts bool
	noComments    bool
	noMenus       bool
	conflict      string
}

func (o *optionFlags) register(fs *pflag.FlagSet) {
	def := domain.DefaultImportOptions()
	fs.BoolVar(&o.noMedia, "no-media", false, "skip media attachments")
	fs.BoolVar(&o.noDownload, "no-download", false, "reference media at the source instead of copying it")
	fs.BoolVar(&o.noConvert, "no-convert", false, "store images as downloaded")
	fs.IntVar(&o.quality, "quality", def.ImageQuality, "image quality (1-100)")
	fs.BoolVar(&o.includeDrafts, "include-drafts", false, "import drafts as well")
	fs.BoolVar(&o.noComments, "no-comments", false, "skip comments")
	fs.BoolVar(&o.noMenus, "no-menus", false, "skip navigation menus")
	fs.StringVar(&o.conflict, "conflict", string(def.ConflictStrategy), "slug conflict strategy (skip, overwrite, rename)")
}

func (o *optionFlags) options() domain.ImportOptions {
	return domain.ImportOptions{
		ImportMedia:      !o.noMedia,
		DownloadMedia:    !o.noDownload,
		ConvertImages:    !o.noConvert,
		ImageQuality:     o.quality,
		IncludeDrafts:    o.includeDrafts,
		ImportComments:   !o.noComments,
		ImportMenus:      !o.noMenus,
		ConflictStrategy: domain.ConflictStrategy(o.conflict),
	}
}

// changed reports whether any option flag was set on the command line.
func (o *optionFlags) changed(fs *pflag.FlagSet) bool {
	for _, name := range []string{"no-media", "no-download", "no-convert", "quality", "include-drafts", "no-comments", "no-menus", "conflict"} {
		if fs.Changed(name) {
			return true
		}
	}
	return false
}

var (
	analyzeFile     string
	analyzeURL      string
	analyzeUser     string
	analyzePassword string
	analyzeParent   string
	analyzeSite     string
	analyzeDryRun   bool
	analyzeOpts     optionFlags
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Create an import job and analyze its source",
	Long: `Create an import job for an interchange file or a REST site and analyze it.

Pass --parent with the id of an earlier job to re-import into the same
lineage: unchanged records are skipped and changed ones updated.`,
	Example: `  migrate analyze --file ./export.xml
  migrate analyze --url https://old.example.com --username admin --dry-run
  migrate analyze --file ./export-2.xml --parent 3f1c...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var desc domain.SourceDescriptor
		switch {
		case analyzeFile != "" && analyzeURL != "":
			return errors.New("use either --file or --url")
		case analyzeFile != "":
			abs, err := filepath.Abs(analyzeFile)
			if err != nil {
				return err
			}
			desc = domain.SourceDescriptor{Kind: domain.SourceKindFile, Path: abs, Filename: filepath.Base(abs)}
		case analyzeURL != "":
			desc = domain.SourceDescriptor{Kind: domain.SourceKindREST, URL: analyzeURL}
		default:
			return errors.New("--file or --url is required")
		}

		opts := analyzeOpts.options()
		job, err := engine.Imports.Submit(ctx, service.CreateRequest{
			Source:      desc,
			Credentials: domain.Credentials{Username: analyzeUser, AppPassword: analyzePassword},
			Options:     &opts,
			Site:        analyzeSite,
			ParentJobID: analyzeParent,
			CreatedBy:   "cli",
		})
		if err != nil {
			return err
		}
		if job, err = follow(ctx, cmd, job.ID); err != nil {
			return err
		}
		if job.Status != domain.JobStatusAnalyzed || !analyzeDryRun {
			return printJob(cmd, job)
		}

		if err := engine.Imports.DryRun(ctx, job.ID, nil); err != nil {
			return err
		}
		if job, err = follow(ctx, cmd, job.ID); err != nil {
			return err
		}
		return printJob(cmd, job)
	},
}

var dryRunOpts optionFlags

var dryRunCmd = &cobra.Command{
	Use:   "dry-run <job-id>",
	Short: "Simulate an import without writing to the target",
	Long: `Simulate the import of an analyzed job. Option flags, when given,
replace the job's options first; the import must then be approved by a
new dry run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts *domain.ImportOptions
		if dryRunOpts.changed(cmd.Flags()) {
			o := dryRunOpts.options()
			opts = &o
		}
		if err := engine.Imports.DryRun(cmd.Context(), args[0], opts); err != nil {
			return err
		}
		job, err := follow(cmd.Context(), cmd, args[0])
		if err != nil {
			return err
		}
		return printJob(cmd, job)
	},
}

var confirmed bool

var importCmd = &cobra.Command{
	Use:   "import <job-id>",
	Short: "Run an import approved by its dry run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := engine.Imports.Start(cmd.Context(), args[0], confirmed); err != nil {
			return explain(err)
		}
		job, err := follow(cmd.Context(), cmd, args[0])
		if err != nil {
			return err
		}
		return printJob(cmd, job)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Continue a failed or cancelled import from its checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := engine.Imports.Resume(cmd.Context(), args[0], confirmed); err != nil {
			return explain(err)
		}
		job, err := follow(cmd.Context(), cmd, args[0])
		if err != nil {
			return err
		}
		return printJob(cmd, job)
	},
}

var listLimit int

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show one job, or list recent jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			job, err := engine.Imports.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		}
		jobs, total, err := engine.Imports.List(cmd.Context(), "", listLimit, 0)
		if err != nil {
			return err
		}
		return printJobs(cmd, jobs, total)
	},
}

var (
	issuesSeverity string
	issuesLimit    int
)

var issuesCmd = &cobra.Command{
	Use:   "issues <job-id>",
	Short: "List the errors and warnings of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issues, total, err := engine.Imports.Issues(cmd.Context(), args[0], domain.Severity(issuesSeverity), issuesLimit, 0)
		if err != nil {
			return err
		}
		return printIssues(cmd, issues, total)
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff <job-id>",
	Short: "Compare a job's source with what its lineage imported",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := engine.Imports.Diff(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printDiff(cmd, report)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that is not running in another process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := engine.Imports.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		job, err := engine.Imports.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJob(cmd, job)
	},
}

var rollbackReason string

var rollbackCmd = &cobra.Command{
	Use:   "rollback <job-id>",
	Short: "Delete everything a completed job created",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := engine.Imports.Rollback(cmd.Context(), args[0], confirmed, rollbackReason)
		if err != nil {
			return explain(err)
		}
		return printRollback(cmd, res)
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune <job-id>",
	Short: "Delete imported entities whose source records are gone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := engine.Imports.Prune(cmd.Context(), args[0], confirmed)
		if err != nil {
			return explain(err)
		}
		if jsonOutput {
			return printJSON(cmd, map[string]int{"deleted": n})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d entities\n", n)
		return nil
	},
}

var redirectsFormat string

var redirectsCmd = &cobra.Command{
	Use:   "redirects [job-id]",
	Short: "Export redirect rules as csv, nginx or apache config",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			rules []domain.Redirect
			err   error
		)
		if len(args) == 1 {
			rules, err = engine.Imports.Redirects(cmd.Context(), args[0])
		} else {
			rules, err = engine.Imports.AllRedirects(cmd.Context())
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			redirectsFormat = "json"
		}
		return writeRedirects(cmd.OutOrStdout(), rules, redirectsFormat)
	},
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeFile, "file", "", "interchange (WXR) export file")
	f.StringVar(&analyzeURL, "url", "", "source site URL for the REST API")
	f.StringVar(&analyzeUser, "username", "", "REST API user (defaults to import.username)")
	f.StringVar(&analyzePassword, "app-password", "", "REST API application password (defaults to IMPORT_APP_PASSWORD)")
	f.StringVar(&analyzeParent, "parent", "", "earlier job whose lineage this import continues")
	f.StringVar(&analyzeSite, "site", "", "target site key (defaults to import.site)")
	f.BoolVar(&analyzeDryRun, "dry-run", false, "run the dry run right after analysis")
	analyzeOpts.register(f)

	dryRunOpts.register(dryRunCmd.Flags())

	for _, c := range []*cobra.Command{importCmd, resumeCmd, rollbackCmd, pruneCmd} {
		c.Flags().BoolVarP(&confirmed, "yes", "y", false, "confirm the operation")
	}
	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "why the import is rolled back")

	statusCmd.Flags().IntVar(&listLimit, "limit", 20, "jobs to list")
	issuesCmd.Flags().StringVar(&issuesSeverity, "severity", "", "only error or warning")
	issuesCmd.Flags().IntVar(&issuesLimit, "limit", 100, "issues to list")
	redirectsCmd.Flags().StringVar(&redirectsFormat, "format", "csv", "csv, json, nginx or apache")
}

// follow waits for the background step of a job, printing progress.
// Interrupting the command cancels the job.
func follow(ctx context.Context, cmd *cobra.Command, jobID string) (*domain.ImportJob, error) {
	done := make(chan error, 1)
	go func() { done <- engine.Imports.Wait(ctx, jobID) }()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			if ctx.Err() != nil {
				return stop(cmd, jobID)
			}
			return engine.Imports.Get(ctx, jobID)
		case <-ticker.C:
			if jsonOutput {
				continue
			}
			if job, err := engine.Imports.Get(ctx, jobID); err == nil {
				printProgress(cmd, job)
			}
		}
	}
}

// stop cancels a job after an interrupt and waits for it to settle.
func stop(cmd *cobra.Command, jobID string) (*domain.ImportJob, error) {
	fmt.Fprintln(cmd.ErrOrStderr(), "Interrupted, cancelling job...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// A validating job cannot be cancelled and finishes on its own.
	if err := engine.Imports.Cancel(ctx, jobID); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return nil, err
	}
	_ = engine.Imports.Wait(ctx, jobID)
	job, err := engine.Imports.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job, fmt.Errorf("job %s %s", jobID, job.Status)
}

// explain adds the flag that fixes an unconfirmed command.
func explain(err error) error {
	if errors.Is(err, domain.ErrConfirmationRequired) {
		return fmt.Errorf("%w: pass --yes", err)
	}
	return err
}
