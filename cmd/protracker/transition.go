package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"protracker/api"
	"protracker/board"
	"protracker/config"
	"protracker/domain"
	"protracker/visibility"
)

var (
	asUser    string
	asRole    string
	token     string
	viewFlags []string
)

var transitionCmd = &cobra.Command{
	Use:   "transition [task-id] [status]",
	Short: "Move one task to a new status and print the outcome",
	Long: `Loads the given views, applies the status change to them, commits it to the
backend and prints the resulting views. On rejection the views are rolled back
and the command fails with the backend's message.`,
	Args: cobra.ExactArgs(2),
	RunE: runTransition,
}

func init() {
	transitionCmd.Flags().StringVar(&asUser, "as", "", "Acting user id (required)")
	transitionCmd.Flags().StringVar(&asRole, "role", string(domain.RoleAdmin), "Acting user role")
	transitionCmd.Flags().StringVar(&token, "token", "", "Bearer token for the rest backend")
	transitionCmd.Flags().StringSliceVar(&viewFlags, "view", []string{"my-tasks"}, "Views to load before the transition")
	transitionCmd.Flags().StringVar(&dbFlag, "db", "protracker.db", "SQLite database path (SQLITE_PATH)")
	transitionCmd.MarkFlagRequired("as")
}

type transitionOutput struct {
	TaskID string                          `json:"taskId"`
	Status domain.Status                   `json:"status"`
	Views  map[board.ViewKey][]domain.Task `json:"views"`
}

func runTransition(cmd *cobra.Command, args []string) error {
	target, err := domain.ParseStatus(args[1])
	if err != nil {
		return err
	}
	user := domain.User{ID: asUser, Role: domain.Role(asRole)}
	if !user.Role.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidRole, asRole)
	}
	filter, err := visibility.Gate(visibility.ScopeOf(user), visibility.Narrowing{})
	if err != nil {
		return err
	}
	if cfg.Backend == config.BackendREST && token == "" {
		return fmt.Errorf("%w: --token is required for the rest backend", config.ErrInvalid)
	}

	logger := log.StandardLogger()
	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}
	rc := newRedis(cfg)
	if rc != nil {
		defer rc.Close()
	}
	b, err := openBackends(cfg, rc, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	backing, err := b.backing(api.Actor{User: user, Token: token}, filter)
	if err != nil {
		return err
	}

	backend := backing.Scoped(filter)
	store := board.NewStore(backend, logger)
	defer store.Close()
	mgr := board.NewManager(store, backend,
		board.WithPolicy(policy),
		board.WithTimeout(cfg.TransitionTimeout),
		board.WithLogger(logger),
	)
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, v := range viewFlags {
		if err := store.Refresh(ctx, board.ViewKey(v)); err != nil {
			return fmt.Errorf("load %s: %w", v, err)
		}
	}
	if err := mgr.Transition(ctx, args[0], target); err != nil {
		return err
	}

	out := transitionOutput{TaskID: args[0], Status: target, Views: make(map[board.ViewKey][]domain.Task)}
	for _, key := range store.Keys() {
		out.Views[key], _ = store.Get(key)
	}
	enc := sonic.ConfigStd.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
