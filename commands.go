package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hostsblock/pkg/apply"
	"hostsblock/pkg/blocklist"
	"hostsblock/pkg/config"
	"hostsblock/pkg/logger"
	"hostsblock/pkg/metrics"
	"hostsblock/pkg/netcheck"
	"hostsblock/pkg/outcome"
	"hostsblock/pkg/pipeline"
	"hostsblock/pkg/privileged"
	"hostsblock/pkg/status"
	"hostsblock/pkg/store"
	"hostsblock/pkg/version"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// app holds what every command needs once the configuration is loaded.
type app struct {
	configPath string

	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer
	store     *store.Store
}

func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hostsblock",
		Short:         "Build and install a blocking hosts file from remote lists",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["standalone"] == "true" {
				return nil
			}
			return a.setup(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"configuration file (default $HOSTSBLOCK_CONFIG or /etc/hostsblock/hostsblock.conf)")

	rootCmd.AddCommand(
		a.applyCommand(),
		a.revertCommand(),
		a.statusCommand(),
		a.watchCommand(),
		a.importCommand(),
		a.exportCommand(),
		a.sourcesCommand(),
		a.listCommand(),
		versionCommand(),
	)
	return rootCmd
}

// setup loads the configuration, installs the logger, opens the store and
// mirrors the configured sources into it.
func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Setup(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, closer, err := logger.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	a.log, a.logCloser = log, closer

	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("%s: %w", outcome.PrivateFileFail, err)
	}
	a.store = st

	if ctx == nil {
		ctx = context.Background()
	}
	if err := st.SyncSources(ctx, cfg.SourceList()); err != nil {
		return fmt.Errorf("%s: sync sources: %w", outcome.PrivateFileFail, err)
	}
	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.log != nil {
			a.log.Warn("failed to close store", "error", err)
		}
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// runner wires the pipeline from the loaded configuration. progress may be
// nil.
func (a *app) runner(progress blocklist.ProgressFunc) *pipeline.Runner {
	cfg := a.cfg

	prober := netcheck.New(cfg.Check.ProbeServers, cfg.Check.ProbeName, cfg.Check.ProbeTimeout, a.log)
	fetcher := blocklist.NewFetcher(blocklist.FetcherOptions{
		Timeout:       cfg.Check.HTTPTimeout,
		UserAgent:     cfg.Check.UserAgent,
		LineSeparator: cfg.Hosts.LineSeparator,
		Connectivity:  prober,
		Progress:      progress,
		Log:           a.log,
	})
	shell := privileged.NewShell(privileged.Options{
		Prefix:     cfg.Apply.PrivilegePrefix,
		Owner:      cfg.Apply.Owner,
		Mode:       cfg.Apply.Mode,
		MountsFile: cfg.Apply.MountsFile,
		Log:        a.log,
	})
	applier := apply.New(shell, apply.Options{
		Target:        cfg.Hosts.Target,
		Remount:       cfg.Apply.Remount,
		LineSeparator: cfg.Hosts.LineSeparator,
		Log:           a.log,
	})
	checker := status.New(status.Options{
		Prober:       fetcher,
		Connectivity: prober,
		Installation: shell,
		Target:       cfg.Hosts.Target,
		UpdateCheck:  cfg.Check.UpdateCheck,
		Parallel:     cfg.Check.Parallel,
		Log:          a.log,
	})

	return pipeline.New(pipeline.Options{
		Store:           a.store,
		Fetcher:         fetcher,
		Applier:         applier,
		Checker:         checker,
		StagingDir:      cfg.Hosts.StagingDir,
		RedirectionIP:   cfg.Hosts.RedirectionIP,
		StripComments:   cfg.Hosts.StripComments,
		LineSeparator:   cfg.Hosts.LineSeparator,
		ParseErrorLimit: cfg.Logging.ParseErrorLimit,
		Credentials:     cfg.Credentials(),
		Metrics:         metrics.New(),
		MetricsFile:     cfg.Metrics.Textfile,
		Log:             a.log,
	})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) applyCommand() *cobra.Command {
	var showProgress bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Download the enabled sources and install the generated hosts file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			enabled, err := a.store.EnabledSources(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", outcome.PrivateFileFail, err)
			}
			if len(enabled) == 0 {
				return errors.New("no enabled sources: enable one in the configuration file or with 'hostsblock sources enable'")
			}

			var progress blocklist.ProgressFunc
			if showProgress {
				progress = progressPrinter(cmd.ErrOrStderr())
			}
			result, err := a.runner(progress).Apply(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().BoolVarP(&showProgress, "progress", "p", false, "print download progress to stderr")
	return cmd
}

func (a *app) revertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revert",
		Short: "Install a hosts file that only maps localhost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			result, err := a.runner(nil).Revert(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), result)
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether blocking is active and whether the sources changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			report, err := a.runner(nil).Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printReport(out, report)
			if len(report.Sources) > 0 {
				printSources(out, report.Sources)
			}
			return reportError(report)
		},
	}
}

func (a *app) watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Check the status periodically and apply updates when configured to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			out := cmd.OutOrStdout()
			a.log.Info("watching sources", "interval", a.cfg.Check.Interval, "auto_apply", a.cfg.Check.AutoApply)
			err := a.runner(nil).Watch(ctx, pipeline.WatchOptions{
				Interval:  a.cfg.Check.Interval,
				AutoApply: a.cfg.Check.AutoApply,
				OnReport:  func(r status.Report) { printReport(out, r) },
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func (a *app) importCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Load sources and list entries from a YAML document (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			stats, err := a.store.Import(cmd.Context(), r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d sources, %d whitelist, %d blacklist and %d redirection entries\n",
				stats.Sources, stats.Whitelist, stats.Blacklist, stats.Redirections)
			return nil
		},
	}
}

func (a *app) exportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export [FILE]",
		Short: "Write sources and list entries as a YAML document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || args[0] == "-" {
				return a.store.Export(cmd.Context(), cmd.OutOrStdout())
			}

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := a.store.Export(cmd.Context(), f); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}
}

func (a *app) sourcesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the stored sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sources, err := a.store.Sources(cmd.Context())
			if err != nil {
				return err
			}
			printSources(cmd.OutOrStdout(), sources)
			return nil
		},
	}

	catalogCmd := &cobra.Command{
		Use:         "catalog",
		Short:       "List the built-in sources",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"standalone": "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			printCatalog(cmd.OutOrStdout())
			return nil
		},
	}

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " ID",
			Short: fmt.Sprintf("%s a source that is not defined in the configuration file", use),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id := args[0]
				for _, src := range a.cfg.SourceList() {
					if src.ID == id {
						return fmt.Errorf("source %s is defined in the configuration file, change it there", id)
					}
				}
				return a.store.SetSourceEnabled(cmd.Context(), id, enabled)
			},
		}
	}

	cmd.AddCommand(catalogCmd, toggle("enable", true), toggle("disable", false))
	return cmd
}

func (a *app) listCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Manage the whitelist, blacklist and redirection list",
	}

	showCmd := &cobra.Command{
		Use:   "show LIST",
		Short: "Print the entries of a list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := store.ParseList(args[0])
			if err != nil {
				return err
			}
			entries, err := a.store.Entries(cmd.Context(), list)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tIP\tENABLED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%t\n", e.Host, dash(e.IP), e.Enabled)
			}
			return w.Flush()
		},
	}

	addCmd := &cobra.Command{
		Use:   "add LIST HOST [IP]",
		Short: "Add a host; the redirection list also takes the target IP",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := store.ParseList(args[0])
			if err != nil {
				return err
			}
			if list == store.Redirection {
				if len(args) != 3 {
					return errors.New("redirection entries need an IP address")
				}
				return a.store.AddRedirection(cmd.Context(), args[1], args[2])
			}
			if len(args) == 3 {
				return fmt.Errorf("the %s takes no IP address", list)
			}
			return a.store.AddHost(cmd.Context(), list, args[1])
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove LIST HOST",
		Short: "Remove a host from a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := store.ParseList(args[0])
			if err != nil {
				return err
			}
			return a.store.RemoveHost(cmd.Context(), list, args[1])
		},
	}

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " LIST HOST",
			Short: fmt.Sprintf("%s an entry without removing it", use),
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				list, err := store.ParseList(args[0])
				if err != nil {
					return err
				}
				return a.store.SetHostEnabled(cmd.Context(), list, args[1], enabled)
			},
		}
	}

	cmd.AddCommand(showCmd, addCmd, removeCmd, toggle("enable", true), toggle("disable", false))
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"standalone": "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "hostsblock", version.Version)
		},
	}
}

// printResult writes the outcome of an apply or revert and turns anything
// but SUCCESS into an error.
func printResult(w io.Writer, result pipeline.Result) error {
	fmt.Fprintln(w, result.Code)
	if result.Code != outcome.Success {
		return outcomeError(result.Code, result.URL, result.Err)
	}
	if result.Blocked > 0 || result.Redirected > 0 {
		fmt.Fprintf(w, "%d hosts blocked, %d redirected, %d invalid lines skipped, %d bytes downloaded\n",
			result.Blocked, result.Redirected, result.Invalid, result.Bytes)
	}
	return nil
}

func printReport(w io.Writer, report status.Report) {
	fmt.Fprintln(w, report.Code)
	if !report.LastApplied.IsZero() {
		fmt.Fprintf(w, "last applied:  %s\n", report.LastApplied.Local().Format(timeLayout))
	}
	if !report.RemoteModified.IsZero() {
		fmt.Fprintf(w, "newest remote: %s\n", report.RemoteModified.Local().Format(timeLayout))
	}
}

// reportError turns the failing status codes into an error.
func reportError(report status.Report) error {
	switch report.Code {
	case outcome.Enabled, outcome.Disabled, outcome.UpdateAvailable:
		return nil
	}
	return outcomeError(report.Code, report.URL, report.Err)
}

// outcomeError returns err unchanged when it already carries an outcome
// code and wraps it with code and url otherwise.
func outcomeError(code outcome.Code, url string, err error) error {
	var coded *outcome.Error
	if errors.As(err, &coded) {
		return err
	}
	return outcome.ForURL(code, url, err)
}

func printSources(w io.Writer, sources []blocklist.Source) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENABLED\tAPPLIED\tREMOTE\tURL")
	for _, src := range sources {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", src.ID, src.Enabled,
			formatTime(src.AppliedModified), formatTime(src.RemoteModified), src.URL)
	}
	_ = tw.Flush()
}

func printCatalog(w io.Writer) {
	ids := make([]string, 0, len(blocklist.Catalog))
	for id := range blocklist.Catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION")
	for _, id := range ids {
		def := blocklist.Catalog[id]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", def.ID, def.Name, def.Description)
	}
	_ = tw.Flush()
}

// progressPrinter reports each source once it starts and then in steps of
// ten percent.
func progressPrinter(w io.Writer) blocklist.ProgressFunc {
	lastURL, lastPercent := "", -1
	return func(p blocklist.Progress) {
		if p.URL == lastURL && p.Percent/10 == lastPercent/10 {
			return
		}
		lastURL, lastPercent = p.URL, p.Percent
		if p.Indeterminate {
			fmt.Fprintf(w, "[%d/%d] %s: %d bytes\n", p.Index+1, p.Total, p.URL, p.Bytes)
			return
		}
		fmt.Fprintf(w, "[%d/%d] %s: %d%%\n", p.Index+1, p.Total, p.URL, p.Percent)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
