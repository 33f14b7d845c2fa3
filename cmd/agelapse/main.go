package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "agelapse",
		Short:   "agelapse interactive photo-aging service",
		Version: Version,
	}

	rootCmd.PersistentFlags().StringP("config", "c", os.Getenv("CONFIG_FILE"), "path to config file")

	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
