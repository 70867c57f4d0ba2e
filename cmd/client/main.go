package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/andy6609/relaychat/internal/client"
	"github.com/andy6609/relaychat/internal/config"
	"github.com/andy6609/relaychat/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		stamp    bool
		retryFor time.Duration
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "relaychat <port>",
		Short: "Join the chat relay on 127.0.0.1:<port>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil || port < 1 || port > 65535 {
				return errors.Newf("invalid port %q", args[0])
			}

			logger, cleanup, err := logging.NewWithWriter(config.LogConfig{Level: logLevel, Format: "console"}, os.Stderr)
			if err != nil {
				return err
			}
			defer cleanup()

			in := bufio.NewReader(os.Stdin)
			fmt.Print("Please enter your name: ")
			raw, err := in.ReadString('\n')
			if err != nil && raw == "" {
				return errors.Wrap(err, "read name")
			}
			name, err := client.ValidateName(raw)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := client.Dial(ctx, client.Config{
				Addr:     net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
				Name:     name,
				Stamp:    stamp,
				RetryFor: retryFor,
			}, logger)
			if err != nil {
				return err
			}

			fmt.Println("=== WELCOME TO THE CHATROOM ===")
			if err := c.Run(ctx, in, os.Stdout); err != nil {
				return err
			}
			if ctx.Err() != nil {
				client.Farewell(os.Stdout)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.BoolVar(&stamp, "stamp", false, "format lines locally, for servers started with relay.stamp=false")
	flags.DurationVar(&retryFor, "retry", 10*time.Second, "keep retrying the connection for this long")
	flags.StringVar(&logLevel, "log-level", "warn", "log level")
	return cmd
}
