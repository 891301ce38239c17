package cmd

import (
	"github.com/spf13/cobra"
)

// 子命令公共结构
type BaseCmd struct {
	cmd *cobra.Command
}

func (t *BaseCmd) GetCmd() *cobra.Command {
	return t.cmd
}
