package main

import (
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var (
	fetchFilter  filterFlags
	fetchTimeout time.Duration
)

func init() {
	fetchFilter.register(fetchCmd)
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 0, "wait at most this long for EOSE (default from config)")
	rootCmd.AddCommand(fetchCmd)
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch matching events once and print them newest first",
	RunE:  runFetch,
}

func runFetch(cmd *cobra.Command, args []string) error {
	req, err := fetchFilter.request("fetch")
	if err != nil {
		return err
	}

	e, err := startEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	events, err := e.sys.Fetch(cmd.Context(), req, fetchTimeout)
	if err != nil {
		return err
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
	return printEvents(events)
}
