package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/xuperchain/teeworker/cmd/teeworker/cmd"
)

func main() {
	rootCmd, err := NewServiceCommand()
	if err != nil {
		log.Fatalf("start service failed.err:%v", err)
	}

	if err = rootCmd.Execute(); err != nil {
		log.Fatalf("start service failed.err:%v", err)
	}
}

func NewServiceCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "teeworker <command> [arguments]",
		Short:         "Teeworker admits and executes trusted operations inside the enclave.",
		Long:          "Teeworker admits and executes trusted operations inside the enclave.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example:       "teeworker startup --conf /home/rd/teeworker/conf/env.yaml",
	}

	// cmd version
	rootCmd.AddCommand(cmd.GetVersionCmd().GetCmd())
	// cmd service
	rootCmd.AddCommand(cmd.GetStartupCmd().GetCmd())
	// cmd metadata
	rootCmd.AddCommand(cmd.GetMetadataCmd().GetCmd())
	return rootCmd, nil
}
