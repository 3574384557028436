package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fieldsync/internal/client"
	"fieldsync/internal/models"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	dimColor  = color.New(color.Faint)
)

// cli carries the settings and API client shared by every subcommand.
type cli struct {
	v      *viper.Viper
	client *client.Client
	out    io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "fieldsync",
		Short: "Inspect and drive the fieldsync action queue",
		Long: `fieldsync talks to the control API of a running fieldsyncd.

Settings come from flags, FIELDSYNC_* environment variables or
$HOME/.fieldsync/config.yaml, in that order of precedence.`,
		PersistentPreRunE: c.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default $HOME/.fieldsync/config.yaml)")
	flags.String("server", "http://localhost:8080", "control API base URL")
	flags.String("api-key", "", "control API key")
	flags.String("api-extra", "", "control API extra secret")
	flags.Duration("timeout", 10*time.Second, "request timeout")
	flags.Bool("json", false, "print JSON instead of tables")
	for _, name := range []string{"config", "server", "api-key", "api-extra", "timeout", "json"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	c.v.SetEnvPrefix("FIELDSYNC")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root.AddCommand(
		c.statusCmd(),
		c.listCmd(),
		c.enqueueCmd(),
		c.removeCmd(),
		c.clearCmd(),
		c.syncCmd(),
		c.retryCmd(),
		c.historyCmd(),
		c.deadLettersCmd(),
		c.exportCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	c.out = cmd.OutOrStdout()
	if err := c.readConfig(); err != nil {
		return err
	}
	c.client = client.New(
		c.v.GetString("server"),
		c.v.GetString("api-key"),
		c.v.GetString("api-extra"),
		c.v.GetDuration("timeout"),
	)
	return nil
}

func (c *cli) readConfig() error {
	if path := c.v.GetString("config"); path != "" {
		c.v.SetConfigFile(path)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			c.v.AddConfigPath(filepath.Join(home, ".fieldsync"))
		}
		c.v.SetConfigName("config")
		c.v.SetConfigType("yaml")
	}

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func (c *cli) jsonOutput() bool {
	return c.v.GetBool("json")
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(s models.ActionStatus) *color.Color {
	switch s {
	case models.StatusFailed:
		return errColor
	case models.StatusSyncing:
		return warnColor
	default:
		return okColor
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
