package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relaylist/internal/datalist"
	"github.com/agentworkforce/relaylist/internal/httpapi"
	"github.com/agentworkforce/relaylist/internal/listctl"
	"github.com/agentworkforce/relaylist/internal/orm"
	"github.com/agentworkforce/relaylist/internal/ormstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	cmd := newRootCmd(os.Stdin, os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	baseURL    string
	token      string
	viewFile   string
	modelsFile string
	timeout    time.Duration
	assumeYes  bool
	debug      bool
}

// app holds what every subcommand needs once flags are parsed.
type app struct {
	flags    *globalFlags
	out      io.Writer
	logger   *slog.Logger
	terminal *listctl.Terminal
	client   orm.Client
	// closeClient releases an in-process store.
	closeClient func()
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	flags := &globalFlags{}
	a := &app{flags: flags, out: out}

	cmd := &cobra.Command{
		Use:           "relaylist-ctl",
		Short:         "Drive a server-backed record list from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if flags.debug {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewJSONHandler(errOut, &slog.HandlerOptions{Level: level}))
			a.terminal = listctl.NewTerminal(in, out, flags.assumeYes)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.closeClient != nil {
				a.closeClient()
			}
		},
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.baseURL, "base-url", envOrDefault("RELAYLIST_BASE_URL", "http://127.0.0.1:8069"), "relaylist server base URL")
	pf.StringVar(&flags.token, "token", strings.TrimSpace(os.Getenv("RELAYLIST_TOKEN")), "bearer token")
	pf.StringVarP(&flags.viewFile, "view", "v", strings.TrimSpace(os.Getenv("RELAYLIST_VIEW")), "view definition file (YAML)")
	pf.StringVar(&flags.modelsFile, "models", strings.TrimSpace(os.Getenv("RELAYLIST_MODELS_FILE")), "serve the list from an in-process store loaded from this models file instead of a server")
	pf.DurationVar(&flags.timeout, "timeout", durationEnv("RELAYLIST_TIMEOUT", 15*time.Second), "per-request timeout")
	pf.BoolVarP(&flags.assumeYes, "yes", "y", false, "answer yes to every confirmation")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		listCmd(a),
		sortCmd(a),
		resequenceCmd(a),
		archiveCmd(a, true),
		archiveCmd(a, false),
		deleteCmd(a),
		editCmd(a),
		watchCmd(a),
		tokenCmd(a),
	)
	return cmd
}

func (a *app) ormClient() (orm.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	if a.flags.modelsFile != "" {
		registry, err := ormstore.LoadRegistry(a.flags.modelsFile)
		if err != nil {
			return nil, fmt.Errorf("load models: %w", err)
		}
		store, err := ormstore.NewStore(ormstore.StoreOptions{Registry: registry, Logger: a.logger})
		if err != nil {
			return nil, err
		}
		a.client = ormstore.NewLocalClient(store)
		a.closeClient = store.Close
		return a.client, nil
	}
	if strings.TrimSpace(a.flags.token) == "" {
		return nil, fmt.Errorf("token is required (--token or RELAYLIST_TOKEN)")
	}
	timeout := a.flags.timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	a.client = orm.NewHTTPClient(a.flags.baseURL, a.flags.token, &http.Client{Timeout: timeout})
	return a.client, nil
}

func (a *app) session(ctx context.Context, confirmMultiSave bool) (*listctl.Session, error) {
	if strings.TrimSpace(a.flags.viewFile) == "" {
		return nil, fmt.Errorf("view is required (--view or RELAYLIST_VIEW)")
	}
	view, err := listctl.LoadView(a.flags.viewFile)
	if err != nil {
		return nil, err
	}
	client, err := a.ormClient()
	if err != nil {
		return nil, err
	}
	return listctl.OpenSession(ctx, view, listctl.SessionOptions{
		Client:           client,
		Terminal:         a.terminal,
		Logger:           a.logger,
		ConfirmMultiSave: confirmMultiSave,
	})
}

func (a *app) render(s *listctl.Session) error {
	return listctl.Render(a.out, s.List, s.View.Columns)
}

func listCmd(a *app) *cobra.Command {
	var limit, offset int
	var order string

	c := &cobra.Command{
		Use:   "list",
		Short: "Load and print the list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.session(cmd.Context(), false)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("limit") || cmd.Flags().Changed("offset") || order != "" {
				params := loadParamsFromFlags(cmd, limit, offset, order)
				if err := s.List.Load(cmd.Context(), params); err != nil {
					return err
				}
			}
			return a.render(s)
		},
	}
	c.Flags().IntVar(&limit, "limit", 0, "page size")
	c.Flags().IntVar(&offset, "offset", 0, "page offset")
	c.Flags().StringVar(&order, "order", "", `order, e.g. "sequence asc, id desc"`)
	return c
}

func sortCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sort <field>",
		Short: "Sort by a field, toggling the direction when it already leads the order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.session(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := s.List.SortBy(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.render(s)
		},
	}
}

func resequenceCmd(a *app) *cobra.Command {
	var groups bool

	c := &cobra.Command{
		Use:   "resequence <moved-id> [target-id]",
		Short: "Move a record (or group) onto the position of another; without target, to the top",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			var target int64
			if len(ids) == 2 {
				target = ids[1]
			}
			s, err := a.session(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := s.Resequence(cmd.Context(), ids[0], target, groups); err != nil {
				return err
			}
			return a.render(s)
		},
	}
	c.Flags().BoolVar(&groups, "groups", false, "move groups instead of records (grouped views)")
	return c
}

func archiveCmd(a *app, archive bool) *cobra.Command {
	use, short := "unarchive", "Unarchive records"
	if archive {
		use, short = "archive", "Archive records"
	}
	var all bool

	c := &cobra.Command{
		Use:   use + " [id...]",
		Short: short + " by id, or every record matching the view with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if len(ids) == 0 && !all {
				return fmt.Errorf("give record ids or --all")
			}
			s, err := a.session(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := s.Select(cmd.Context(), ids, all); err != nil {
				return err
			}
			if archive {
				err = s.List.Archive(cmd.Context(), true)
			} else {
				err = s.List.Unarchive(cmd.Context(), true)
			}
			if err != nil {
				return err
			}
			return a.render(s)
		},
	}
	c.Flags().BoolVar(&all, "all", false, "apply to every record matching the view domain")
	return c
}

func deleteCmd(a *app) *cobra.Command {
	var all bool

	c := &cobra.Command{
		Use:   "delete [id...]",
		Short: "Delete records by id, or every record matching the view with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if len(ids) == 0 && !all {
				return fmt.Errorf("give record ids or --all")
			}
			s, err := a.session(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := s.Select(cmd.Context(), ids, all); err != nil {
				return err
			}
			if !a.terminal.Confirm(fmt.Sprintf("Delete %s?", describeTargets(ids, all))) {
				return nil
			}
			deleted, err := s.List.DeleteRecords(cmd.Context())
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("server refused the deletion")
			}
			return a.render(s)
		},
	}
	c.Flags().BoolVar(&all, "all", false, "delete every record matching the view domain")
	return c
}

func editCmd(a *app) *cobra.Command {
	var sets []string

	c := &cobra.Command{
		Use:   "edit <id>... --set field=value",
		Short: "Edit one record, or several at once on multi-edit views",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			changes, err := listctl.ParseAssignments(sets)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				return fmt.Errorf("nothing to change, use --set field=value")
			}
			s, err := a.session(cmd.Context(), true)
			if err != nil {
				return err
			}
			saved, err := s.Edit(cmd.Context(), ids, changes)
			if err != nil {
				return err
			}
			if !saved {
				fmt.Fprintln(a.out, "changes not saved")
			}
			return a.render(s)
		},
	}
	c.Flags().StringArrayVar(&sets, "set", nil, "field=value assignment (repeatable)")
	return c
}

func watchCmd(a *app) *cobra.Command {
	var snapshotFile string
	var interval time.Duration
	var jitter float64

	c := &cobra.Command{
		Use:   "watch",
		Short: "Mirror the list into a JSON snapshot file, following server changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(snapshotFile) == "" {
				return fmt.Errorf("snapshot is required (--snapshot or RELAYLIST_SNAPSHOT_FILE)")
			}
			s, err := a.session(cmd.Context(), false)
			if err != nil {
				return err
			}
			mirror, err := listctl.NewMirror(s.List, listctl.MirrorOptions{
				SnapshotFile: snapshotFile,
				Columns:      s.View.Columns,
				Logger:       slog.NewLogLogger(a.logger.Handler(), slog.LevelInfo),
			})
			if err != nil {
				return err
			}
			var sub listctl.Subscriber
			if client, ok := a.client.(*orm.HTTPClient); ok {
				sub = client
			}
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			return mirror.Run(cmd.Context(), sub, interval, listctl.ClampJitterRatio(jitter), rng.Float64)
		},
	}
	c.Flags().StringVar(&snapshotFile, "snapshot", strings.TrimSpace(os.Getenv("RELAYLIST_SNAPSHOT_FILE")), "snapshot file path")
	c.Flags().DurationVar(&interval, "interval", durationEnv("RELAYLIST_WATCH_INTERVAL", 30*time.Second), "resync interval")
	c.Flags().Float64Var(&jitter, "interval-jitter", floatEnv("RELAYLIST_WATCH_INTERVAL_JITTER", 0.2), "resync interval jitter ratio (0.0-1.0)")
	return c
}

func tokenCmd(a *app) *cobra.Command {
	var secret, database, login string
	var scopes []string
	var ttl time.Duration

	c := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the server secret",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if secret == "" || database == "" || login == "" {
				return fmt.Errorf("--secret, --db and --login are required")
			}
			fmt.Fprintln(a.out, httpapi.IssueToken(secret, database, login, scopes, time.Now().Add(ttl)))
			return nil
		},
	}
	c.Flags().StringVar(&secret, "secret", os.Getenv("RELAYLIST_JWT_SECRET"), "HS256 signing secret")
	c.Flags().StringVar(&database, "db", envOrDefault("RELAYLIST_DATABASE", ""), "database claim")
	c.Flags().StringVar(&login, "login", "", "login claim")
	c.Flags().StringSliceVar(&scopes, "scopes", []string{httpapi.ScopeRead, httpapi.ScopeWrite}, "granted scopes")
	c.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return c
}

func loadParamsFromFlags(cmd *cobra.Command, limit, offset int, order string) datalist.LoadParams {
	var params datalist.LoadParams
	if cmd.Flags().Changed("limit") {
		params.Limit = &limit
	}
	if cmd.Flags().Changed("offset") {
		params.Offset = &offset
	}
	if order != "" {
		params.OrderBy = orm.ParseOrder(order)
	}
	return params
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid record id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func describeTargets(ids []int64, all bool) string {
	if all {
		return "every record matching the view"
	}
	if len(ids) == 1 {
		return "1 record"
	}
	return fmt.Sprintf("%d records", len(ids))
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration setting, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
