package main

import (
	"github.com/pthm/hxdefer/internal/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	cfgFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "hxdefer",
		Short: "Deferred component server with a remote image allowlist",
		Long: `hxdefer serves pages whose heavy components load after the page reaches
the browser, and proxies remote images through an allowlist of remote
patterns.

  hxdefer serve            # Start the server
  hxdefer check URL...     # Test URLs against images.remotePatterns`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "hxdefer.yaml", "config file path")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.LoadWithFallback(o.cfgFile)
}
