package main

import (
	"errors"
	"fmt"

	"github.com/pthm/hxdefer/lib/imageproxy"
	"github.com/spf13/cobra"
)

var errDenied = errors.New("one or more URLs are not allowed")

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check URL...",
		Short: "Test image URLs against the remote-pattern table",
		Long: `Evaluates each URL the way the image proxy would and prints whether it is
permitted and which entry matched. Exits non-zero if any URL is denied.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			table, err := cfg.Table()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if table.Unrestricted() {
				fmt.Fprintln(out, "warning: images.remotePatterns admits every host over http and https")
			}

			proxy := imageproxy.New(table, imageproxy.Options{})
			denied := 0
			for _, raw := range args {
				u, msg := proxy.Check(raw)
				if msg != "" {
					denied++
					fmt.Fprintf(out, "deny    %s  (%s)\n", raw, msg)
					continue
				}
				entry, _ := table.Match(u)
				fmt.Fprintf(out, "permit  %s  (%s)\n", raw, entry)
			}

			if denied > 0 {
				return errDenied
			}
			return nil
		},
	}
}
