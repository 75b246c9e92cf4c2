// Command sentinel runs the frame engine against synthetic camera feeds and
// inspects the verdict events it records.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/safety.report/internal/version"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "sentinel",
		Short:   "Sentinel - temporal verdict engine for camera feeds",
		Version: version.String(),
		Long: `Sentinel admits camera frames, runs detector stages over them and turns
noisy per-frame labels into stable per-track verdicts.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newEventsCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
