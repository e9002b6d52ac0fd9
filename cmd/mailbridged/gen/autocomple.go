/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package gen

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// CommandAutoComplete returns the command writing a shell completion script.
func CommandAutoComplete() *cobra.Command {
	completionCmd := &cobra.Command{
		Use:   "autocomplete [bash|zsh|fish]",
		Short: "Generate shell autocompletion script",
		Long: `Generate shell autocompletion script.

Bash, for the current session or for all sessions:

  $ source <(mailbridged gen autocomplete bash)
  $ mailbridged gen autocomplete bash > /etc/bash_completion.d/mailbridged

Zsh, with compinit enabled:

  $ mailbridged gen autocomplete zsh > "${fpath[1]}/_mailbridged"

Fish:

  $ mailbridged gen autocomplete fish > ~/.config/fish/completions/mailbridged.fish
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish"},
		Args:                  cobra.ExactValidArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return autocomplete(cmd.Root(), args[0], cmd.OutOrStdout())
		},
	}

	return completionCmd
}

func autocomplete(root *cobra.Command, shell string, w io.Writer) error {
	root.Use = DefaultRootUse

	switch shell {
	case "bash":
		return root.GenBashCompletion(w)
	case "zsh":
		return root.GenZshCompletion(w)
	case "fish":
		return root.GenFishCompletion(w, true)
	default:
		return fmt.Errorf("unsupported shell: %s", shell)
	}
}
