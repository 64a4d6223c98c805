package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/devrev/ringdb/internal/client"
	"github.com/devrev/ringdb/internal/config"
	"github.com/devrev/ringdb/internal/logging"
	"github.com/spf13/cobra"
)

var (
	seeds     []string
	timeout   time.Duration
	redirects int
	retries   int
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "kvclient",
	Short: "Command line client for a ringdb cluster",
	Long: `Send GET, PUT and DELETE requests to a ringdb cluster. Requests go to a
seed node first and follow SERVER_NOT_RESPONSIBLE redirects to the owner.

Examples:
  kvclient put user42 "hello world" --seeds=127.0.0.1:5001
  kvclient get user42 --seeds=127.0.0.1:5001,127.0.0.1:5002
  kvclient delete user42
  kvclient keyrange`,
	SilenceUsage: true,
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			v, err := c.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Write a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			updated, err := c.Put(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if updated {
				fmt.Fprintln(cmd.OutOrStdout(), "updated")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "created")
			}
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			existed, err := c.Delete(ctx, args[0])
			if err != nil {
				return err
			}
			if !existed {
				return fmt.Errorf("key not found: %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			return nil
		})
	},
}

var keyrangeCmd = &cobra.Command{
	Use:   "keyrange",
	Short: "Print the ring as seen by a seed node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			r, err := c.Keyrange(ctx)
			if err != nil {
				return err
			}
			for _, e := range r.Entries() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", e.ID, e.Range.Start, e.Range.End)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&seeds, "seeds", "s", []string{"127.0.0.1:5001"}, "Storage node addresses (comma-separated)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Overall request timeout")
	rootCmd.PersistentFlags().IntVar(&redirects, "max-redirects", 3, "Redirects to follow before giving up")
	rootCmd.PersistentFlags().IntVar(&retries, "max-retries", 5, "Retries while the owner is write locked or stopped")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")

	rootCmd.AddCommand(getCmd, putCmd, deleteCmd, keyrangeCmd)
}

func withClient(cmd *cobra.Command, fn func(context.Context, *client.Client) error) error {
	logger, err := logging.New(config.LoggingConfig{Level: logLevel, Format: "console"})
	if err != nil {
		return err
	}
	defer logger.Sync()

	c, err := client.New(client.Config{
		Seeds:        seeds,
		MaxRedirects: redirects,
		MaxRetries:   retries,
	}, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
