package cmd

import (
	"log"

	"github.com/Zephreo/status-updater/statusupdater"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the status updater bot and API server",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			su, err := statusupdater.New(cfg)
			if err != nil {
				log.Fatalf("error creating status updater: %s", err.Error())
			}

			if err = su.Run(ctx); err != nil {
				log.Fatalf("error running status updater: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
