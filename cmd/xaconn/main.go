package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPaths []string

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	rootCmd := &cobra.Command{
		Use:          "xaconn",
		Short:        "Inspect and resolve in-limbo XA transaction branches",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c",
		[]string{"./xaconn.yaml", "/etc/xaconn/xaconn.yaml"}, "configuration files, merged in order")

	rootCmd.AddCommand(
		newListCommand(),
		newCompleteCommand("commit", "Commit an in-limbo branch"),
		newCompleteCommand("rollback", "Roll back an in-limbo branch"),
		newCompleteCommand("forget", "Forget a heuristically completed branch"),
		newServeCommand(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
