// Author: momentics <momentics@gmail.com>

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hioload-proxy",
	Short: "Forward HTTP proxy on a multi-core epoll reactor",
	Long: `hioload-proxy forwards HTTP/0.9, 1.0 and 1.1 requests to origin servers or
to a parent proxy, tunnels CONNECT requests and keeps backend connections
alive across client requests.

Configuration is read from a YAML file and HIOLOAD_<SECTION>_<FIELD>
environment variables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults only when empty)")
}
