package main

import (
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor bool
	userID  string
)

var rootCmd = &cobra.Command{
	Use:           "dispatch",
	Short:         "Personalized newsletters from your interests",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func defaultUser() string {
	if u := os.Getenv("DISPATCH_USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVar(&userID, "user", defaultUser(), "user id to act for (default $DISPATCH_USER or the OS user)")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(generateCmd, jobCmd)
	rootCmd.AddCommand(interestsCmd, newslettersCmd, historyCmd, runsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// requireUser fails early with a hint instead of a server-side 400.
func requireUser() error {
	if userID == "" {
		return fmt.Errorf("no user id; pass --user or set DISPATCH_USER")
	}
	return nil
}
