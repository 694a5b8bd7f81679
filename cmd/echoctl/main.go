// Command echoctl is the client-side counterpart to echod: it locates
// (spawning if necessary), pings, and sends requests to the echo daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mvp-joe/daemonkit/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	name       string
	scriptPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "echoctl",
	Short: "echoctl talks to the echo daemon",
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the daemon, spawning it if necessary",
	RunE:  runPing,
}

var sendCmd = &cobra.Command{
	Use:   "send [json payload]",
	Short: "Send a JSON request and print the echoed response",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&name, "name", "echo", "service name to connect to")
	rootCmd.PersistentFlags().StringVar(&scriptPath, "script", "", "daemon script to spawn if not running")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable verbose daemon logging on spawn")

	viper.BindPFlag("name", rootCmd.PersistentFlags().Lookup("name"))
	viper.BindPFlag("script", rootCmd.PersistentFlags().Lookup("script"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(pingCmd, sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() (*client.Client, error) {
	return client.New(client.Config{
		Name:       viper.GetString("name"),
		ScriptPath: viper.GetString("script"),
		Debug:      viper.GetBool("debug"),
	})
}

func runPing(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := c.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	fmt.Printf("pong from pid %d, rtt %s\n", res.Pong.Pid, res.Duration)
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := c.Request(ctx, payload)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
