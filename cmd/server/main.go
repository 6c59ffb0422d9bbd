// Command server runs the huddle chat and call-signaling server.
package main

import (
	"context"
	"fmt"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Tyrowin/huddle/internal/config"
	"github.com/Tyrowin/huddle/internal/logging"
	"github.com/Tyrowin/huddle/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "huddle",
		Short:         "Realtime chat rooms and call signaling over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				fmt.Fprintln(os.Stderr, "Error loading configuration:", err)
				return err
			}
			code, err := run(cfg)
			if err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
				return err
			}
			os.Exit(code)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("addr", "", "listen address (default :8080)")
	flags.String("db", "", "SQLite database path (default huddle.db)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.Bool("legacy-identity", false, "let join-room bind a bare username without a session")
	flags.String("session-backend", "", "session store: sqlite or redis")

	bind := map[string]string{
		"server.addr":          "addr",
		"store.path":           "db",
		"log.level":            "log-level",
		"chat.legacy_identity": "legacy-identity",
		"sessions.backend":     "session-backend",
	}
	for key, flag := range bind {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	return cmd
}

func run(cfg config.Config) (int, error) {
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return 1, err
	}
	defer func() { _ = log.Sync() }()

	srv, err := server.New(context.Background(), cfg, log)
	if err != nil {
		return 1, fmt.Errorf("start server: %w", err)
	}

	log.Info("starting huddle server",
		zap.String("addr", cfg.Server.Addr),
		zap.String("session_backend", cfg.Sessions.Backend),
		zap.Bool("legacy_identity", cfg.Chat.LegacyIdentity))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"huddle": func(ctx context.Context) error {
				log.Info("graceful shutdown initiated")
				return srv.Shutdown(ctx)
			},
		},
	)

	select {
	case code := <-wait:
		log.Info("server exited", zap.Int("code", code))
		return code, nil
	case err := <-serveErr:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Warn("shutdown after listener exit failed", zap.Error(shutdownErr))
		}
		if err != nil {
			log.Error("listener failed", zap.Error(err))
			return 1, err
		}
		return 0, nil
	}
}
