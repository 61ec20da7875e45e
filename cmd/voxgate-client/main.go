package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	baseURL  string
	project  string
	userID   string
	language string
	voice    string
	verbose  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "voxgate-client:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "voxgate-client",
		Short:         "Talk to a voxgate server from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.baseURL, "base-url", envOr("VOXGATE_URL", "http://127.0.0.1:8080"), "server base URL")
	flags.StringVar(&opts.project, "project", "default", "project the session belongs to")
	flags.StringVar(&opts.userID, "user", "", "user id sent on session create")
	flags.StringVar(&opts.language, "language", "en-US", "conversation language")
	flags.StringVar(&opts.voice, "voice", "", "voice preference")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "print every server frame")

	root.AddCommand(
		newChatCmd(opts),
		newSayCmd(opts),
		newSynthesizeCmd(opts),
		newHistoryCmd(opts),
		newEndCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
