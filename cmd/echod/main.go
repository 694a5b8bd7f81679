// Command echod is a minimal daemon built on package daemon: it echoes
// every request back to the caller with an "echoed" flag set, serving as
// a worked example of the singleton-election framework.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mvp-joe/daemonkit/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	name              string
	idleTimeoutFlag   string
	connectionTimeout string
)

var rootCmd = &cobra.Command{
	Use:   "echod",
	Short: "echod runs a singleton echo daemon",
	Long: `echod is a worked example of the daemon package: a singleton
local daemon that echoes every request it receives back to the caller.`,
	RunE: runEchod,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&name, "name", "echo", "service name, determines the .{name}/daemon directory")
	rootCmd.PersistentFlags().StringVar(&idleTimeoutFlag, "idle-timeout", "1h", "shut down after this much idle time")
	rootCmd.PersistentFlags().StringVar(&connectionTimeout, "connection-timeout", "1s", "per-connection receive-idle timeout")

	viper.BindPFlag("name", rootCmd.PersistentFlags().Lookup("name"))
	viper.BindPFlag("idle_timeout", rootCmd.PersistentFlags().Lookup("idle-timeout"))
	viper.BindPFlag("connection_timeout", rootCmd.PersistentFlags().Lookup("connection-timeout"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runEchod(cmd *cobra.Command, args []string) error {
	idleTimeout, err := time.ParseDuration(viper.GetString("idle_timeout"))
	if err != nil {
		return fmt.Errorf("invalid --idle-timeout: %w", err)
	}
	connTimeout, err := time.ParseDuration(viper.GetString("connection_timeout"))
	if err != nil {
		return fmt.Errorf("invalid --connection-timeout: %w", err)
	}

	srv, err := daemon.New(daemon.Config{
		Name:              viper.GetString("name"),
		IdleTimeout:       idleTimeout,
		ConnectionTimeout: connTimeout,
	}, handle, nil)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Listen(ctx); err != nil {
		if errors.Is(err, daemon.ErrDeferred) {
			return nil
		}
		return err
	}

	// The server closes itself on idle timeout; exit then too.
	idle := make(chan struct{})
	go func() {
		_ = srv.Wait()
		close(idle)
	}()

	select {
	case <-ctx.Done():
		log.Println("echod: shutdown signal received")
		return srv.Close()
	case <-idle:
		return nil
	}
}

func handle(_ context.Context, req map[string]any) map[string]any {
	out := make(map[string]any, len(req)+1)
	for k, v := range req {
		out[k] = v
	}
	out["echoed"] = true
	return out
}
