// Command vrlink runs either side of the VR ⇄ tablet link.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var envFiles []string

	rootCmd := &cobra.Command{
		Use:   "vrlink",
		Short: "Stream a VR camera to a tablet and play back its touches",
		Long: `vrlink links a VR host with one tablet on the same LAN.

The host streams JPEG frames of the active game camera over a WebSocket
and routes the tablet's touches to the Chef or Soldado controller.
The tablet side connects, shows scores and the round result, and can
replay a demo touch path.

Examples:
  vrlink host
  vrlink host --env .env.local
  vrlink tablet --addr 192.168.1.20:8080 --mode Soldado`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadEnv(envFiles)
		},
	}
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", []string{".env", "../../../.env", "../../.env"},
		".env files to try, first found wins")

	rootCmd.AddCommand(hostCmd(), tabletCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadEnv loads the first .env file found. Real environment variables win.
func loadEnv(paths []string) {
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			return
		}
	}
	slog.Warn("No .env file found in any expected location, relying on environment variables")
}
