package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskboard/internal/client"
	"taskboard/internal/protocol"
)

type watchFlags struct {
	url      string
	cache    string
	login    string
	password string
	register bool
}

func watchCmd() *cobra.Command {
	var flags watchFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect as a client and print the live task view",
		Long: `Connect to a taskboard server, restore the cached session (or log in with
--login/--password) and print the task list every time it changes.

Examples:
  taskboard watch --login alice --password secret
  taskboard watch --url ws://board.internal:8080/ws --register --login bob --password pw`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.url, "url", "", "websocket URL (overrides TASKBOARD_SERVER_URL)")
	cmd.Flags().StringVar(&flags.cache, "cache", "", "snapshot cache path (overrides TASKBOARD_CACHE_PATH)")
	cmd.Flags().StringVar(&flags.login, "login", "", "login used when no cached session can be restored")
	cmd.Flags().StringVar(&flags.password, "password", "", "password for --login")
	cmd.Flags().BoolVar(&flags.register, "register", false, "register --login instead of logging in")
	return cmd
}

func runWatch(ctx context.Context, flags watchFlags, out io.Writer) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync()

	clientCfg := cfg.Client
	if flags.url != "" {
		clientCfg.ServerURL = flags.url
	}
	if flags.cache != "" {
		clientCfg.CachePath = flags.cache
	}

	cache, err := client.OpenSnapshotCache(clientCfg.CachePath, clientCfg.CacheMaxAge)
	if err != nil {
		return err
	}
	defer cache.Close()

	var board *client.Board
	board = client.NewBoard(client.BoardOptions{
		Manager: client.Options{
			URL:               clientCfg.ServerURL,
			RequestTimeout:    clientCfg.RequestTimeout,
			ReconnectInitial:  clientCfg.ReconnectInitial,
			ReconnectMax:      clientCfg.ReconnectMax,
			ReconnectAttempts: clientCfg.ReconnectAttempts,
			Logger:            logger,
			OnNeedCredentials: func() {
				if flags.login == "" {
					logger.Warn("no cached session; pass --login and --password")
					return
				}
				go signIn(ctx, board, flags, logger)
			},
		},
		Cache: cache,
		Notify: func(n client.Notification) {
			fmt.Fprintf(out, "[%s] %s\n", n.Level, n.Message)
		},
		OnChange: func(tasks []protocol.Task) {
			printTasks(out, tasks)
		},
		OnState: func(state client.State) {
			logger.Info("connection state", zap.Stringer("state", state))
		},
	})

	err = board.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func signIn(ctx context.Context, board *client.Board, flags watchFlags, logger *zap.Logger) {
	var err error
	if flags.register {
		_, err = board.Register(ctx, flags.login, flags.password)
	} else {
		_, err = board.Login(ctx, flags.login, flags.password)
	}
	if err != nil {
		logger.Error("sign in failed", zap.String("login", flags.login), zap.String("code", client.Code(err)))
	}
}

func printTasks(out io.Writer, tasks []protocol.Task) {
	fmt.Fprintf(out, "--- %d task(s)\n", len(tasks))
	for _, task := range tasks {
		fmt.Fprintf(out, "%-4s %3d%%  %s  (%d/%d, by %s)\n",
			task.Status, task.Progress, task.Title,
			task.CompletedParticipants, task.TotalParticipants, task.CreatedByLogin)
	}
}

