package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// 编译时通过-ldflags注入
var (
	buildVersion = ""
	commitHash   = ""
	buildDate    = ""
)

type versionCmd struct {
	BaseCmd
}

func GetVersionCmd() *versionCmd {
	versionCmdIns := new(versionCmd)

	versionCmdIns.cmd = &cobra.Command{
		Use:     "version",
		Short:   "View process version information.",
		Example: "teeworker version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version())
		},
	}

	return versionCmdIns
}

func Version() string {
	return fmt.Sprintf("%s-%s %s", buildVersion, commitHash, buildDate)
}
