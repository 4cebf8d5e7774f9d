package cmd

import (
	"log"

	"github.com/QDuc14/NeonMoon-infoBot/neonmoon"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot",
	Run: func(cmd *cobra.Command, args []string) {
		bot, err := neonmoon.New(cfg)
		if err != nil {
			log.Fatalf("error initializing: %v", err)
		}
		if err = bot.Run(cmd.Context()); err != nil {
			log.Fatalf("error running: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
