package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/whhaicheng/QTBench/internal/app/usecase"
	"github.com/whhaicheng/QTBench/internal/domain/config"
	"github.com/whhaicheng/QTBench/internal/domain/connection"
	"github.com/whhaicheng/QTBench/internal/domain/workload"
	"github.com/whhaicheng/QTBench/internal/infra/artifact"
	"github.com/whhaicheng/QTBench/internal/infra/client/sqlengine"
	"github.com/whhaicheng/QTBench/internal/infra/client/tracker"
	"github.com/whhaicheng/QTBench/internal/infra/configfile"
	"github.com/whhaicheng/QTBench/internal/infra/credential"
	"github.com/whhaicheng/QTBench/internal/infra/database"
	"github.com/whhaicheng/QTBench/internal/infra/database/repository"
	"github.com/whhaicheng/QTBench/internal/infra/keyring"
	infraworkload "github.com/whhaicheng/QTBench/internal/infra/workload"
	"github.com/whhaicheng/QTBench/internal/pkg/logctx"
)

// runFlags are the flags of the run command. They override the config file
// and the environment only when set.
type runFlags struct {
	backend        string
	queries        []int
	optimized      bool
	noOptimized    bool
	queryPath      string
	optimizedPath  string
	querySource    string
	proxy          string
	pragmaAdd      []string
	pragmaFile     string
	pragmaPreset   []string
	pollerInterval string
	stage          string
	trackerStage   string
	token          string
	timeout        string
	pollDelay      string
	artifactPath   string
	titlePrefix    string
	dbPath         string
	noDB           bool
	sqlDriver      string
	sqlDatabase    string
}

func newRunCommand(a *app) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run benchmark queries",
		Long: `Run benchmark queries one at a time. Each query is submitted, polled until it
reaches a terminal state, and aborted when it exceeds the timeout.

Query ids are printed to stdout, links and progress to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(cmd, a.cfg); err != nil {
				return err
			}
			return runLaunch(cmd.Context(), a.cfg, f.token, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f.bind(cmd)
	return cmd
}

func (f *runFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.backend, "backend", "", "Query service: tracker or sql")
	fl.IntSliceVarP(&f.queries, "queries", "q", nil, "Query numbers to run (default: all)")
	fl.BoolVar(&f.optimized, "optimized", false, "Run only optimized queries")
	fl.BoolVar(&f.noOptimized, "no-optimized", false, "Run only plain queries")
	fl.StringVar(&f.queryPath, "query-path", "", "Directory with q<N>.sql files")
	fl.StringVar(&f.optimizedPath, "optimized-path", "", "Directory with optimized q<N>.sql files")
	fl.StringVar(&f.querySource, "query-source", "", "Query source: files or embedded")
	fl.StringVar(&f.proxy, "proxy", "", "Cluster proxy (env YT_PROXY)")
	fl.StringArrayVar(&f.pragmaAdd, "pragma-add", nil, "Add pragma Key=Value (repeatable)")
	fl.StringVar(&f.pragmaFile, "pragma-file", "", "File with pragmas, one per line")
	fl.StringArrayVar(&f.pragmaPreset, "pragma-preset", nil, "Named pragma preset (repeatable)")
	fl.StringVar(&f.pollerInterval, "poller-interval", "", "Service-side poller interval, e.g. 1s")
	fl.StringVar(&f.stage, "stage", "", "Stage of the YQL agent (default production)")
	fl.StringVar(&f.trackerStage, "tracker-stage", "", "Stage of the query tracker (default: tracker default)")
	fl.StringVar(&f.token, "token", "", "Service token (env YT_TOKEN, file ~/.yt/token)")
	fl.StringVar(&f.timeout, "timeout", "", "Per-query timeout, seconds or duration (default 1h)")
	fl.StringVar(&f.pollDelay, "poll-delay", "", "Delay between two state polls (default 5s)")
	fl.StringVar(&f.artifactPath, "artifact-path", "", "Directory for file artifacts")
	fl.StringVar(&f.titlePrefix, "title-prefix", "", `Query title prefix (default "[QT] ")`)
	fl.StringVar(&f.dbPath, "db", "", "SQLite artifact store (default ~/.qtbench/qtbench.db)")
	fl.BoolVar(&f.noDB, "no-db", false, "Do not record the launch in the artifact store")
	fl.StringVar(&f.sqlDriver, "sql-driver", "", "Driver of the sql backend")
	fl.StringVar(&f.sqlDatabase, "sql-database", "", "Database of the sql backend, file path for sqlite")
	cmd.MarkFlagsMutuallyExclusive("optimized", "no-optimized")
}

// apply copies the flags that were set into cfg and validates the result.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed

	if changed("backend") {
		cfg.Backend = config.Backend(f.backend)
	}
	if changed("queries") {
		cfg.Selection.Queries = f.queries
	}
	switch {
	case changed("optimized"):
		cfg.Selection.Optimized = &f.optimized
	case changed("no-optimized") && f.noOptimized:
		plain := false
		cfg.Selection.Optimized = &plain
	}
	if changed("query-path") {
		cfg.Selection.QueryPath = f.queryPath
	}
	if changed("optimized-path") {
		cfg.Selection.OptimizedPath = f.optimizedPath
	}
	if changed("query-source") {
		cfg.Selection.Source = workload.QuerySource(f.querySource)
	}
	if changed("pragma-add") {
		cfg.Selection.PragmaAdd = f.pragmaAdd
	}
	if changed("pragma-file") {
		cfg.Selection.PragmaFile = f.pragmaFile
	}
	if changed("pragma-preset") {
		cfg.Selection.PragmaPreset = f.pragmaPreset
	}
	if changed("proxy") {
		cfg.Tracker.Proxy = f.proxy
	}
	if changed("poller-interval") {
		cfg.Tracker.PollerInterval = f.pollerInterval
	}
	if changed("stage") {
		cfg.Tracker.Stage = f.stage
	}
	if changed("tracker-stage") {
		cfg.Tracker.TrackerStage = f.trackerStage
	}
	if changed("title-prefix") {
		cfg.Run.TitlePrefix = f.titlePrefix
	}
	if changed("artifact-path") {
		cfg.Storage.ArtifactPath = f.artifactPath
	}
	if changed("db") {
		cfg.Storage.DatabasePath = f.dbPath
	}
	if f.noDB {
		cfg.Storage.DatabasePath = ""
	}
	if changed("sql-driver") {
		cfg.SQL.Driver = connection.Driver(f.sqlDriver)
	}
	if changed("sql-database") {
		cfg.SQL.Database = f.sqlDatabase
	}

	var errs []error
	if changed("timeout") {
		d, err := configfile.ParseDuration(f.timeout)
		errs = append(errs, err)
		cfg.Run.Timeout = d
	}
	if changed("poll-delay") {
		d, err := configfile.ParseDuration(f.pollDelay)
		errs = append(errs, err)
		cfg.Run.PollDelay = d
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfiguration, err)
	}

	return cfg.Validate()
}

// launchArguments is the payload of the launch event. The token is left out.
type launchArguments struct {
	LaunchID       string                    `json:"launch_id"`
	Backend        config.Backend            `json:"backend"`
	Queries        []int                     `json:"queries"`
	Optimized      *bool                     `json:"optimized"`
	QueryPath      string                    `json:"query_path"`
	OptimizedPath  string                    `json:"optimized_path"`
	QuerySource    string                    `json:"query_source"`
	Proxy          string                    `json:"proxy,omitempty"`
	SQLTarget      string                    `json:"sql_target,omitempty"`
	PragmaAdd      []string                  `json:"pragma_add"`
	PragmaFile     string                    `json:"pragma_file"`
	PragmaPreset   []string                  `json:"pragma_preset"`
	PollerInterval string                    `json:"poller_interval"`
	Stage          string                    `json:"stage"`
	TrackerStage   string                    `json:"tracker_stage,omitempty"`
	Timeout        float64                   `json:"timeout"` // Seconds
	PollDelay      float64                   `json:"poll_delay"`
	ArtifactPath   string                    `json:"artifact_path"`
	TitlePrefix    string                    `json:"title_prefix"`
	TokenSource    credential.Source         `json:"token_source,omitempty"`
	Runnables      []*workload.RunnableQuery `json:"runnables"`
}

// runLaunch runs one launch with a validated cfg.
func runLaunch(ctx context.Context, cfg *config.Config, flagToken string, stdout, stderr io.Writer) error {
	launchID := uuid.NewString()
	ctx = logctx.WithField(ctx, "launch_id", launchID)

	// Credentials are checked before anything is opened.
	var tokenSource credential.Source
	if cfg.Backend == config.BackendTracker {
		token := flagToken
		if token == "" {
			token = cfg.Tracker.Token
		}
		store, err := openKeyring(cfg)
		if err != nil {
			slog.WarnContext(ctx, "Run: keyring unavailable", "error", err)
		}
		home, _ := os.UserHomeDir()
		resolver := credential.NewResolver(home, keyringOrNil(store))
		if cfg.Tracker.Token, tokenSource, err = resolver.Resolve(ctx, token, cfg.Tracker.Proxy); err != nil {
			return err
		}
	}

	resolver := infraworkload.NewResolver()
	runnables, err := resolver.Resolve(ctx, cfg.Selection)
	if err != nil {
		return fmt.Errorf("resolve queries: %w", err)
	}

	client, link, closeClient, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeClient()

	sink, finish, closeSink, err := openSinks(ctx, cfg, launchID)
	if err != nil {
		return err
	}
	defer closeSink()

	uc := usecase.NewQueryRunUseCase(client, resolver, sink, usecase.QueryRunOptions{
		PollDelay:  cfg.Run.PollDelay,
		AbortGrace: cfg.Run.AbortGrace,
		Stdout:     stdout,
		Stderr:     stderr,
		Link:       link,
	})

	args := launchArguments{
		LaunchID:       launchID,
		Backend:        cfg.Backend,
		Queries:        cfg.Selection.Queries,
		Optimized:      cfg.Selection.Optimized,
		QueryPath:      cfg.Selection.QueryPath,
		OptimizedPath:  cfg.Selection.OptimizedPath,
		QuerySource:    string(cfg.Selection.Source),
		PragmaAdd:      cfg.Selection.PragmaAdd,
		PragmaFile:     cfg.Selection.PragmaFile,
		PragmaPreset:   cfg.Selection.PragmaPreset,
		PollerInterval: cfg.Tracker.PollerInterval,
		Stage:          cfg.Tracker.Stage,
		TrackerStage:   cfg.Tracker.TrackerStage,
		Timeout:        cfg.Run.Timeout.Seconds(),
		PollDelay:      cfg.Run.PollDelay.Seconds(),
		ArtifactPath:   cfg.Storage.ArtifactPath,
		TitlePrefix:    cfg.Run.TitlePrefix,
		TokenSource:    tokenSource,
		Runnables:      runnables,
	}
	if cfg.Backend == config.BackendTracker {
		args.Proxy = cfg.Tracker.Proxy
	} else {
		args.SQLTarget = cfg.SQL.Redact()
	}
	if err := uc.RecordLaunch(ctx, args); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Run: launch started",
		"backend", cfg.Backend,
		"queries", len(runnables))

	report, runErr := uc.Run(ctx, runnables, cfg.Tracker.Settings(), cfg.Run.Timeout, cfg.Run.TitlePrefix)

	status := repository.LaunchCompleted
	if runErr != nil {
		status = repository.LaunchInterrupted
	}
	if err := finish(context.WithoutCancel(ctx), status); err != nil {
		slog.ErrorContext(ctx, "Run: failed to record launch status", "error", err)
	}

	if report != nil {
		printSummary(stderr, launchID, report)
	}
	return runErr
}

func openKeyring(cfg *config.Config) (*keyring.FileFallback, error) {
	return keyring.NewFileFallback(cfg.Storage.KeyringDir, os.Getenv("QTBENCH_KEYRING_PASSWORD"))
}

// keyringOrNil keeps a nil *FileFallback from becoming a non-nil interface.
func keyringOrNil(store *keyring.FileFallback) keyring.Provider {
	if store == nil {
		return nil
	}
	return store
}

// openClient connects the backend and returns its link renderer and closer.
func openClient(ctx context.Context, cfg *config.Config) (usecase.QueryClient, usecase.LinkFunc, func(), error) {
	switch cfg.Backend {
	case config.BackendSQL:
		c, err := sqlengine.Open(ctx, cfg.SQL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sql backend: %w", err)
		}
		closeFn := func() {
			if err := c.Close(); err != nil {
				slog.Error("Run: failed to close sql backend", "error", err)
			}
		}
		return c, nil, closeFn, nil
	default:
		c, err := tracker.NewClient(tracker.Config{
			Proxy:     cfg.Tracker.Proxy,
			Token:     cfg.Tracker.Token,
			Stage:     cfg.Tracker.TrackerStage,
			UIBase:    cfg.Tracker.UIBase,
			UserAgent: "qtbench/" + Version,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create tracker client: %w", err)
		}
		return c, c.Link, func() {}, nil
	}
}

// openSinks opens the file and SQLite sinks that are configured. finish
// records the launch status; closeFn closes every sink and the store.
func openSinks(ctx context.Context, cfg *config.Config, launchID string) (
	sink usecase.ArtifactSink,
	finish func(context.Context, string) error,
	closeFn func(),
	err error,
) {
	var sinks []usecase.ArtifactSink
	var closers []func() error
	finish = func(context.Context, string) error { return nil }

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Error("Run: failed to close artifacts", "error", err)
			}
		}
	}

	if cfg.Storage.ArtifactPath != "" {
		fs, err := artifact.NewFileSink(cfg.Storage.ArtifactPath, launchID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open artifact directory: %w", err)
		}
		sinks = append(sinks, fs)
		slog.InfoContext(ctx, "Run: writing artifacts", "dir", fs.Dir())
	}

	if cfg.Storage.DatabasePath != "" {
		db, err := database.InitializeSQLite(ctx, cfg.Storage.DatabasePath)
		if err != nil {
			closeSinks(sinks)
			return nil, nil, nil, fmt.Errorf("open artifact store: %w", err)
		}
		closers = append(closers, db.Close)

		ls, err := repository.NewSQLiteArtifactRepository(db).OpenLaunch(ctx, launchID, time.Now())
		if err != nil {
			closeSinks(sinks)
			closeAll()
			return nil, nil, nil, err
		}
		sinks = append(sinks, ls)
		finish = ls.Finish
	}

	multi := artifact.NewMultiSink(sinks...)
	// The sinks close before the database they write to.
	closers = append(closers, multi.Close)
	return multi, finish, closeAll, nil
}

func closeSinks(sinks []usecase.ArtifactSink) {
	for _, s := range sinks {
		s.Close()
	}
}

// printSummary writes the per-query states of a launch.
func printSummary(w io.Writer, launchID string, report *usecase.RunReport) {
	fmt.Fprintf(w, "\nLaunch %s: %d queries, %d failed\n", launchID, len(report.Outcomes), report.Failed())
	for _, o := range report.Outcomes {
		state := string(o.State)
		if o.Failed() {
			state = "error"
		}
		fmt.Fprintf(w, "  %-32s %-10s %8s  %s\n", o.Title, state, o.Duration.Round(time.Second), o.QueryID)
	}
}
