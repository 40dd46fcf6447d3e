package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/wp-harden/internal/acl"
	"github.com/example/wp-harden/internal/backup"
	"github.com/example/wp-harden/internal/catalog"
	"github.com/example/wp-harden/internal/config"
	"github.com/example/wp-harden/internal/events"
	"github.com/example/wp-harden/internal/harden"
	"github.com/example/wp-harden/internal/metrics"
	"github.com/example/wp-harden/internal/progress"
	"github.com/example/wp-harden/internal/site"
	"github.com/example/wp-harden/internal/verify"
)

var errSitesFailed = errors.New("one or more sites failed")

// app holds the sinks shared by every site of one run.
type app struct {
	cfg     config.RuntimeConfig
	out     io.Writer
	log     *slog.Logger
	events  *events.Emitter
	catalog *catalog.Catalog
	metrics *metrics.Recorder
	engine  *backup.Engine
	runID   string
	started time.Time
	closers []io.Closer
}

func runHarden(cmd *cobra.Command, loader *config.Loader, overrides config.Overrides) error {
	cfg, err := loader.Load(overrides)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := requireRoot(cfg); err != nil {
		return err
	}

	a := newApp(cmd.OutOrStdout(), cfg)
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	switch cfg.Mode() {
	case config.ModeRestore:
		return a.restore(ctx)
	case config.ModeAllSites:
		sites, err := site.Discover(cfg.BasePaths, cfg.MaxDepth)
		if err != nil {
			a.log.Error("Site discovery failed", "base_paths", cfg.BasePaths, "error", err)
			return err
		}
		a.log.Info("Discovered sites", "count", len(sites))
		return a.hardenSites(ctx, sites, nil)
	default:
		s, err := site.ResolveTarget(cfg.Target, cfg.BasePaths)
		if err != nil {
			return a.hardenSites(ctx, nil, []rejected{{target: cfg.Target, err: err}})
		}
		return a.hardenSites(ctx, []site.Site{s}, nil)
	}
}

func newApp(out io.Writer, cfg config.RuntimeConfig) *app {
	logger, closer := newLogger(out, cfg)
	a := &app{
		cfg:     cfg,
		out:     out,
		log:     logger,
		runID:   events.NewRunID(),
		started: time.Now(),
		closers: []io.Closer{closer},
	}
	a.log = a.log.With("run", a.runID[:8])

	if cfg.EventsFile != "" {
		emitter, closer, err := events.OpenFile(cfg.EventsFile, a.runID)
		if err != nil {
			a.log.Warn("Events file unavailable", "error", err)
		} else {
			a.events = emitter
			a.closers = append(a.closers, closer)
			a.log.Debug("Writing run events", "path", cfg.EventsFile, "run_id", emitter.RunID())
		}
	}

	if !cfg.DryRun {
		cat, err := openCatalog(cfg, a.log)
		if err != nil {
			a.log.Warn("Backup catalog unavailable, continuing without it", "error", err)
		} else {
			a.catalog = cat
			a.closers = append(a.closers, cat)
		}
		if cfg.MetricsFile != "" {
			a.metrics = metrics.New()
		}
	}

	a.engine = &backup.Engine{
		Dir:    cfg.BackupDir,
		ACL:    acl.NewTool(),
		Logger: a.log,
	}
	if a.catalog != nil {
		a.engine.Catalog = a.catalog
	}

	return a
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

func (a *app) emit(evt events.Event) {
	if err := a.events.Emit(evt); err != nil {
		a.log.Debug("Could not write event", "type", evt.Type, "error", err)
	}
}

// rejected is a target that never reached validation.
type rejected struct {
	target string
	err    error
}

func (a *app) hardenSites(ctx context.Context, sites []site.Site, unresolved []rejected) error {
	a.emit(events.Event{Type: events.RunStarted, Fields: map[string]interface{}{
		"mode":    modeName(a.cfg.Mode()),
		"dry_run": a.cfg.DryRun,
		"sites":   len(sites) + len(unresolved),
	}})
	if a.cfg.DryRun {
		a.log.Info("Dry run: no changes will be made")
	}

	summary := &runSummary{}
	for _, r := range unresolved {
		a.log.Error("Site not found under any base path", "target", r.target, "base_paths", a.cfg.BasePaths)
		a.emit(events.Event{Type: events.SiteRejected, Site: r.target, Message: r.err.Error(), Fields: map[string]interface{}{"reason": site.Reason(r.err)}})
		summary.fail(r.target, site.Reason(r.err))
		a.metrics.SiteResult(false)
	}

	validator := site.NewValidator(a.cfg.BasePaths)
	for _, s := range sites {
		if err := ctx.Err(); err != nil {
			a.log.Warn("Interrupted, remaining sites skipped", "error", err)
			a.finish(summary)
			return err
		}

		reason, err := a.hardenSite(ctx, validator, s)
		if err != nil {
			a.log.Warn("Interrupted, site may be partially hardened", "site", s.Root, "error", err)
			summary.fail(s.Root, "interrupted")
			a.finish(summary)
			return err
		}
		if reason != "" {
			summary.fail(s.Root, reason)
			a.metrics.SiteResult(false)
			continue
		}
		summary.succeed(s.Root)
		a.metrics.SiteResult(true)
	}

	a.finish(summary)
	if summary.failed() > 0 {
		return fmt.Errorf("%w: %d of %d", errSitesFailed, summary.failed(), summary.total())
	}
	return nil
}

// hardenSite runs validation, backup, hardening and verification for one
// site. It returns a failure reason, or an error when ctx was cancelled.
func (a *app) hardenSite(ctx context.Context, validator *site.Validator, s site.Site) (string, error) {
	log := a.log.With("site", s.Root)

	if err := validator.Validate(s.Root); err != nil {
		reason := site.Reason(err)
		log.Error(rejectionMessage(err), "reason", reason)
		a.emit(events.Event{Type: events.SiteRejected, Site: s.Root, Message: err.Error(), Fields: map[string]interface{}{"reason": reason}})
		return reason, nil
	}

	fields := map[string]interface{}{"name": s.Name}
	if v, err := s.Version(); err == nil {
		fields["wp_version"] = v
		log.Info("Hardening site", "wp_version", v)
	} else {
		log.Info("Hardening site")
		log.Debug("WordPress version unknown", "error", err)
	}
	a.emit(events.Event{Type: events.SiteStarted, Site: s.Root, Fields: fields})

	if a.cfg.Backup {
		a.backupSite(ctx, s)
	} else {
		log.Info("Backup disabled, skipping")
	}

	policy := harden.Policy{Owner: a.cfg.Owner, Group: a.cfg.Group, WebServerGroup: a.cfg.WebServerGroup}
	executor := &harden.Executor{
		DryRun:   a.cfg.DryRun,
		Out:      a.out,
		Progress: progress.New(a.out, a.cfg.Verbose),
		Logger:   log,
	}
	report, err := executor.Run(ctx, harden.Plan(s, policy))
	if err != nil {
		return "", err
	}

	reason := ""
	for _, stepErr := range report.Errors {
		a.emit(events.Event{Type: events.StepFailed, Site: s.Root, Message: stepErr.Error(), Fields: map[string]interface{}{"step": stepErr.Step}})
		a.metrics.StepFailed(s.Name, stepErr.Step)
		reason = "step-failed"
	}

	if !a.cfg.DryRun {
		results, err := verify.Run(ctx, verify.Defaults(), s)
		if err != nil {
			return "", err
		}
		for _, r := range verify.Failures(results) {
			log.Error("Verification failed", "check", r.Check, "detail", r.Summary)
			a.emit(events.Event{Type: events.CheckFailed, Site: s.Root, Message: r.Summary, Fields: map[string]interface{}{"check": r.Check, "metadata": r.Metadata}})
			a.metrics.CheckFailed(s.Name, r.Check)
			if reason == "" {
				reason = "verify-failed"
			}
		}
	}

	a.emit(events.Event{Type: events.SiteFinished, Site: s.Root, Fields: map[string]interface{}{
		"ok":      reason == "",
		"actions": report.Actions,
		"skipped": report.Skipped,
	}})

	if reason != "" {
		log.Error("Site hardening finished with errors", "reason", reason)
		return reason, nil
	}
	if a.cfg.DryRun {
		log.Info("Dry run complete", "steps", report.Steps)
	} else {
		log.Info("Site hardened", "actions", report.Actions, "skipped", report.Skipped)
	}
	return "", nil
}

func (a *app) backupSite(ctx context.Context, s site.Site) {
	if a.cfg.DryRun {
		fmt.Fprintf(a.out, "[dry-run] back up permissions of %s to %s\n", s.Root, a.cfg.BackupDir)
		return
	}

	res, err := a.engine.Backup(ctx, s, a.runID)
	if err != nil {
		a.log.Warn("Permission backup failed, continuing", "site", s.Root, "error", err)
		a.emit(events.Event{Type: events.BackupFailed, Site: s.Root, Message: err.Error()})
		return
	}
	a.metrics.BackupWritten(s.Name, res.Entries)
	a.emit(events.Event{Type: events.BackupCreated, Site: s.Root, Fields: map[string]interface{}{
		"backup":  res.BaseName,
		"entries": res.Entries,
		"skipped": res.Skipped,
		"acl":     res.ACLPath != "",
	}})
}

func (a *app) finish(summary *runSummary) {
	finished := time.Now()
	summary.print(a.out)
	a.log.Info("Run complete", "succeeded", summary.succeeded(), "failed", summary.failed())

	a.emit(events.Event{Type: events.RunFinished, Fields: map[string]interface{}{
		"succeeded": summary.succeeded(),
		"failed":    summary.failed(),
	}})

	if a.catalog != nil {
		if err := a.catalog.RecordRun(context.Background(), catalog.Run{
			RunID:      a.runID,
			Mode:       modeName(a.cfg.Mode()),
			DryRun:     a.cfg.DryRun,
			Succeeded:  summary.succeeded(),
			Failed:     summary.failed(),
			StartedAt:  a.started,
			FinishedAt: finished,
		}); err != nil {
			a.log.Warn("Could not record run in catalog", "error", err)
		}
	}

	a.metrics.RunFinished(a.started, finished, summary.failed() > 0)
	if err := a.metrics.WriteTextfile(a.cfg.MetricsFile); err != nil {
		a.log.Warn("Could not write metrics", "error", err)
	}
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, site.ErrDangerousPath):
		return "Refusing to harden a protected system path"
	case errors.Is(err, site.ErrMissingConfig):
		return "No wp-config.php found, not a WordPress root"
	case errors.Is(err, site.ErrMissingContent):
		return "No wp-content directory found, not a WordPress root"
	default:
		return "Site validation failed"
	}
}

func modeName(m config.Mode) string {
	switch m {
	case config.ModeTarget:
		return "target"
	case config.ModeAllSites:
		return "all-sites"
	case config.ModeRestore:
		return "restore"
	default:
		return "none"
	}
}
