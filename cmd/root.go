package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "asyncbots",
	Short: "Share one chat connection between independent bots",
	Long: `Asyncbots multiplexes several independently written bot handlers over a
single real-time chat connection. Each bot registers declarative grammars;
incoming messages are matched against all of them and the first-registered
match handles the message.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
