package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lukasbauer/callbridge/internal/httpapi"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// globalOpts are the connection flags shared by every API command.
type globalOpts struct {
	server string
	token  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}

	cmd := &cobra.Command{
		Use:   "callctl",
		Short: "Operate the callbridge voice-call server",
		Long:  "callctl places outbound agent calls through a callbridge server, follows them live and reads back call history.",
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", getenv("CALLBRIDGE_SERVER", "http://localhost:8080"), "callbridge server base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CALLBRIDGE_TOKEN"), "API bearer token (minted from JWT_SECRET when empty)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newPlaceCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	cmd.AddCommand(newHangupCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newTokenCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "callctl %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// client builds an API client, minting a short-lived operator token from
// JWT_SECRET when no token was given.
func (o *globalOpts) client() (*apiClient, error) {
	token := o.token
	if token == "" {
		if secret := os.Getenv("JWT_SECRET"); secret != "" {
			t, err := httpapi.IssueToken(secret, "callctl", time.Hour)
			if err != nil {
				return nil, err
			}
			token = t
		}
	}
	return newAPIClient(o.server, token), nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
