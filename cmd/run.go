package cmd

import (
	"log"

	"github.com/imnotbraybray/arvo-bot/arvo"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Arvo bot and dashboard API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := arvo.New(cfg)
			if err != nil {
				log.Fatalf("error creating arvo: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running arvo: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
