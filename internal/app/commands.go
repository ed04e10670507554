package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"strconv"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/messaging-manager/internal/credential"
	"github.com/nhle/messaging-manager/internal/logger"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/store"
)

// NewRootCommand builds the messaging-manager command tree.
func NewRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "messaging-manager",
		Short:         "Aggregate messages and review AI-drafted replies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", model.DefaultConfigPath(), "path to the YAML config file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(
		initCommand(v),
		runCommand(v),
		pollCommand(v),
		processCommand(v),
		draftsCommand(v),
		sourcesCommand(v),
		credentialsCommand(),
		resetCommand(v),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads .env and the config file named by --config.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*model.AppConfig, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return model.LoadConfig(v, path)
}

// withApp loads configuration, builds the App and runs fn with it.
func withApp(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, a *App) error) error {
	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	flush, err := initSentry(cfg.SentryDSN)
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func initCommand(v *viper.Viper) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}

			cfg, err := model.LoadConfig(v, path)
			if err != nil {
				return err
			}
			if err := model.SaveConfig(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func runCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run poll and process cycles on timers and serve the review API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *App) error {
				a.Logger.Info("starting",
					zap.Int("sources", len(a.Registry.All())),
					zap.String("addr", a.Config.Server.Addr),
				)

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return a.Manager.Run(gctx) })
				g.Go(func() error { return a.Server.ListenAndServe(gctx, a.Config.Server.Addr) })

				err := g.Wait()
				if errors.Is(err, context.Canceled) {
					err = nil
				}
				a.Logger.Info("stopped")
				return err
			})
		},
	}
}

func pollCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *App) error {
				report, err := a.Manager.RunPollCycle(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "sources: %d, failed: %d, ingested: %d\n",
					report.Sources, report.Failed, report.Ingested)
				return err
			})
		},
	}
}

func processCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one process cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *App) error {
				report, err := a.Manager.RunProcessCycle(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "conversations: %d, created: %d, reused: %d, failed: %d\n",
					report.Conversations, report.Created, report.Reused, report.Failed)
				return err
			})
		},
	}
}

func draftsCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "Review drafted replies",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending drafts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *App) error {
				drafts, err := a.Manager.ListPendingDrafts(ctx)
				if err != nil {
					return err
				}
				return printDrafts(cmd.OutOrStdout(), drafts)
			})
		},
	}

	var text string
	approve := &cobra.Command{
		Use:   "approve <draft-id>",
		Short: "Approve a draft and send the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *App) error {
				res := a.Manager.Approve(ctx, args[0], text)
				return printResult(cmd.OutOrStdout(), res.Success, res.Message)
			})
		},
	}
	approve.Flags().StringVar(&text, "text", "", "reply text (defaults to the suggested reply)")

	ignore := &cobra.Command{
		Use:   "ignore <draft-id>",
		Short: "Ignore a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *App) error {
				res := a.Manager.Ignore(ctx, args[0])
				return printResult(cmd.OutOrStdout(), res.Success, res.Message)
			})
		},
	}

	cmd.AddCommand(list, approve, ignore)
	return cmd
}

func sourcesCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources and the fields they need",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			return printSources(cmd.OutOrStdout(), cfg.Sources)
		},
	}
}

func credentialsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage secrets in the system keyring",
		Long: "Secrets are keyed \"<source>/<field>\", e.g. \"work/password\" or \"bot/token\".\n" +
			"An environment variable named by the key (MM_CRED_WORK_PASSWORD) takes precedence.",
	}

	var fromStdin bool
	set := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret, prompting for it unless --stdin is given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				value string
				err   error
			)
			if fromStdin {
				value, err = readSecret(cmd.InOrStdin())
			} else {
				value, err = promptSecret(args[0])
			}
			if err != nil {
				return err
			}
			if err := credential.Set(args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
			return nil
		},
	}

	set.Flags().BoolVar(&fromStdin, "stdin", false, "read the secret from the first line of stdin")

	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := credential.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}

// promptSecret asks for a secret on the terminal without echoing it.
func promptSecret(key string) (string, error) {
	var value string
	err := huh.NewInput().
		Title("Value for " + key).
		EchoMode(huh.EchoModePassword).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("empty secret")
			}
			return nil
		}).
		Value(&value).
		Run()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

// readSecret reads the first line of r.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty secret")
	}
	return line, nil
}

func resetCommand(v *viper.Viper) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the message database and media directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("reset deletes all stored messages and drafts; pass --yes to confirm")
			}
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			if err := reset(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reset complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

// reset removes the SQLite database with its WAL files and recreates an
// empty media directory.
func reset(cfg *model.AppConfig) error {
	if cfg.Storage.Driver != "" && cfg.Storage.Driver != store.DriverSQLite {
		return fmt.Errorf("reset only supports the sqlite driver, not %q", cfg.Storage.Driver)
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		path := cfg.Storage.DSN + suffix
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}

	if cfg.MediaDir == "" {
		return nil
	}
	if err := os.RemoveAll(cfg.MediaDir); err != nil {
		return fmt.Errorf("removing media directory: %w", err)
	}
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		return fmt.Errorf("creating media directory: %w", err)
	}
	return nil
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func printDrafts(w io.Writer, drafts []model.DraftRecord) error {
	if len(drafts) == 0 {
		_, err := fmt.Fprintln(w, "no pending drafts")
		return err
	}

	t := newTable("ID", "SERVICE", "FROM", "SUMMARY", "REPLY")
	for _, d := range drafts {
		var service, from string
		if last, ok := d.LastMessage(); ok {
			service, from = last.ServiceName, last.SenderName
		}
		reply := ""
		if d.Generated.ReplyText != nil {
			reply = *d.Generated.ReplyText
		}
		t.Row(d.DraftID, service, from, oneLine(d.Generated.Summary, 60), oneLine(reply, 60))
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func printSources(w io.Writer, sources []model.SourceConfig) error {
	if len(sources) == 0 {
		_, err := fmt.Fprintln(w, "no sources configured")
		return err
	}

	t := newTable("NAME", "TYPE", "ENABLED", "REQUIRED FIELDS")
	for _, src := range sources {
		d, err := describeSource(src)
		fields := strings.Join(d.RequiredInitFields, ", ")
		if err != nil {
			fields = err.Error()
		}
		t.Row(src.Name, src.Type, strconv.FormatBool(src.Enabled), fields)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func printResult(w io.Writer, success bool, message string) error {
	if !success {
		return errors.New(message)
	}
	fmt.Fprintln(w, message)
	return nil
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-1]) + "…"
	}
	return s
}
