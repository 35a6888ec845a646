// Author: momentics <momentics@gmail.com>

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-proxy/control"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the effective values",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := control.Load(cfgFile)
	if err != nil {
		return err
	}
	if u := cfg.Backend.Upstream; u != nil && u.Password != "" {
		masked := *u
		masked.Password = "********"
		cfg.Backend.Upstream = &masked
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render configuration: %w", err)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "# configuration valid")
	_, err = w.Write(out)
	return err
}
