// Package commands implements the catalogctl subcommands.
package commands

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

// CLI is the catalogctl command tree.
type CLI struct {
	rootCmd *cobra.Command

	server  string
	timeout time.Duration
	asJSON  bool

	// poll is the job status interval for --wait.
	poll time.Duration
}

// New builds the command tree. The server URL defaults to $CATALOG_URL.
func New() *CLI {
	c := &CLI{poll: time.Second}

	rootCmd := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Bulk import and export for the catalog service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("CATALOG_URL")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVarP(&c.server, "server", "s", server, "Catalog API base URL")
	rootCmd.PersistentFlags().DurationVar(&c.timeout, "timeout", 5*time.Minute, "Per-request timeout")
	rootCmd.PersistentFlags().BoolVar(&c.asJSON, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(c.newUploadCmd())
	rootCmd.AddCommand(c.newImportCmd())
	rootCmd.AddCommand(c.newPreviewCmd())
	rootCmd.AddCommand(c.newExportCmd())
	rootCmd.AddCommand(c.newStatusCmd())
	rootCmd.AddCommand(c.newCancelCmd())
	rootCmd.AddCommand(c.newJobsCmd())
	rootCmd.AddCommand(c.newKindsCmd())

	c.rootCmd = rootCmd
	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput redirects command output. Used for testing.
func (c *CLI) SetOutput(w io.Writer) {
	c.rootCmd.SetOut(w)
	c.rootCmd.SetErr(w)
}

func (c *CLI) client() *client {
	return &client{
		base: strings.TrimRight(c.server, "/"),
		http: &http.Client{Timeout: c.timeout},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
