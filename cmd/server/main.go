package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andy6609/relaychat/internal/admin"
	"github.com/andy6609/relaychat/internal/chat"
	"github.com/andy6609/relaychat/internal/config"
	"github.com/andy6609/relaychat/internal/logging"
	"github.com/andy6609/relaychat/internal/transcript"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	loader := config.NewLoader()

	cmd := &cobra.Command{
		Use:   "relaychat-server <port>",
		Short: "Run the line chat relay on 127.0.0.1:<port>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			cfg, err := loader.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, net.JoinHostPort("127.0.0.1", port), cfg)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "YAML or JSON config file")
	flags.Int("capacity", chat.DefaultCapacity, "maximum concurrent clients")
	flags.String("transcript-dir", ".", "directory for the daily transcript files")
	flags.String("admin-addr", "", "admin HTTP address (metrics, healthz, ws); empty disables")
	flags.String("log-level", "info", "log level")

	for key, name := range map[string]string{
		"capacity":       "capacity",
		"transcript.dir": "transcript-dir",
		"admin.addr":     "admin-addr",
		"log.level":      "log-level",
	} {
		cobra.CheckErr(loader.BindFlag(key, flags.Lookup(name)))
	}
	return cmd
}

func parsePort(s string) (string, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return "", errors.Newf("invalid port %q", s)
	}
	return strconv.Itoa(port), nil
}

func run(ctx context.Context, addr string, cfg *config.Config) error {
	logger, cleanup, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer cleanup()

	var sink chat.TranscriptSink = transcript.Nop{}
	if cfg.Transcript.Enabled {
		fileSink, err := transcript.NewFileSink(cfg.Transcript.Dir)
		if err != nil {
			return err
		}
		sink = fileSink
	}

	srv, err := chat.NewServer(addr, cfg.ChatOptions(),
		chat.WithLogger(logger.Named("server")),
		chat.WithTranscript(sink))
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	if cfg.Admin.Addr != "" {
		adm := admin.NewServer(cfg.Admin.Addr, srv, cfg.Conn.ReadTimeout, logger.Named("admin"))
		g.Go(func() error { return adm.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		srv.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited", zap.Error(err))
		return err
	}
	return nil
}
