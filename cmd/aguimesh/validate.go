package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok: %d agent(s), storage %s, protocol %s\n",
			len(cfg.Agents), cfg.Storage.Driver, cfg.Protocol.Mode)
		for _, a := range cfg.Agents {
			model := a.Model
			switch {
			case a.Composite():
				model = strings.Join(a.Agents, " -> ")
			case model == "":
				model = "default"
			}
			fmt.Fprintf(out, "  %-16s %-10s %s\n", a.ID, a.Provider, model)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
