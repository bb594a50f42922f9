// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"github.com/spf13/cobra"
)

const completionLong = `Generate shell completion scripts for egresswatch-cli.

To load completions:

Bash:
  $ source <(egresswatch-cli completion bash)

Zsh:
  $ egresswatch-cli completion zsh > "${fpath[1]}/_egresswatch-cli"

Fish:
  $ egresswatch-cli completion fish | source

PowerShell:
  PS> egresswatch-cli completion powershell | Out-String | Invoke-Expression
`

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:                   "completion [bash|zsh|fish|powershell]",
		Short:                 "Generate shell completion scripts",
		Long:                  completionLong,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
			return nil
		},
	}
}
