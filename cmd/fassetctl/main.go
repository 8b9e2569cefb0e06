// Command fassetctl inspects a running f-asset service and drives its
// governance and keeper operations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	urlFlag    = "url"
	secretFlag = "secret"
	callerFlag = "caller"
	keyFlag    = "key"
)

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fassetctl",
		Short:         "Operate an f-asset minting and redemption service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String(urlFlag, envOr("FASSET_API_URL", "http://localhost:3000"), "Base URL of the service")
	flags.String(secretFlag, os.Getenv("HMAC_SECRET"), "Shared secret used to sign POST requests")
	flags.String(callerFlag, os.Getenv("FASSET_CALLER"), "Address sent as the caller of POST requests")
	flags.String(keyFlag, os.Getenv("FASSET_CALLER_KEY"), "Hex secp256k1 key that signs POST requests as the caller")

	root.AddCommand(
		statusCommand(),
		agentCommand(),
		ticketsCommand(),
		redemptionCommand(),
		eventsCommand(),
		triggerCommand(),
		governanceCommand(),
		snapshotCommand(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
