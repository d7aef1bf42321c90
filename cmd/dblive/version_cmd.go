package main

import (
	"runtime"

	"github.com/spf13/cobra"

	"pkt.systems/dblive/internal/version"
)

type versionInfo struct {
	Module    string `json:"module" yaml:"module"`
	Version   string `json:"version" yaml:"version"`
	UserAgent string `json:"user_agent" yaml:"user_agent"`
	Go        string `json:"go" yaml:"go"`
}

func newVersionCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the dblive version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			info := versionInfo{
				Module:    version.Module(),
				Version:   version.Current(),
				UserAgent: version.UserAgent(),
				Go:        runtime.Version(),
			}
			switch mode {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), info)
			case outputYAML:
				return writeYAML(cmd.OutOrStdout(), info)
			}
			writeLine(cmd.OutOrStdout(), "%s %s", info.Module, info.Version)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json|yaml)")
	return cmd
}
