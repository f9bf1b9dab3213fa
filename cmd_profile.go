package main

import (
	"github.com/spf13/cobra"

	"nostr-engine/internal/nips"
)

func init() {
	rootCmd.AddCommand(profileCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile <npub>",
	Short: "Look up a profile through the cache and the relays",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pubkey, err := nips.DecodeToHex(args[0], "npub")
		if err != nil {
			return err
		}

		e, err := startEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		p, err := e.sys.Profile(cmd.Context(), pubkey)
		if err != nil {
			return err
		}
		return printJSON(p)
	},
}
