// cmd/completion.go
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for citadel-fleet.

To load completions:

Bash:
  $ source <(citadel-fleet completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ citadel-fleet completion bash > /etc/bash_completion.d/citadel-fleet
  # macOS:
  $ citadel-fleet completion bash > $(brew --prefix)/etc/bash_completion.d/citadel-fleet

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ citadel-fleet completion zsh > "${fpath[1]}/_citadel-fleet"

  # You will need to start a new shell for this setup to take effect.

Fish:
  $ citadel-fleet completion fish | source

  # To load completions for each session, execute once:
  $ citadel-fleet completion fish > ~/.config/fish/completions/citadel-fleet.fish

PowerShell:
  PS> citadel-fleet completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, add the output to your profile:
  PS> citadel-fleet completion powershell > citadel-fleet.ps1
  # and source this file from your PowerShell profile.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Run: func(cmd *cobra.Command, args []string) {
		switch args[0] {
		case "bash":
			rootCmd.GenBashCompletionV2(os.Stdout, true)
		case "zsh":
			rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			rootCmd.GenFishCompletion(os.Stdout, true)
		case "powershell":
			rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
