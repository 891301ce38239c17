package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	xconf "github.com/xuperchain/teeworker/kernel/common/xconfig"
	engconf "github.com/xuperchain/teeworker/kernel/engines/teeworker/config"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/indirect"
)

type MetadataCmd struct {
	BaseCmd
}

// GetMetadataCmd 检查parentchain metadata是否覆盖所有可识别的indirect call
func GetMetadataCmd() *MetadataCmd {
	metadataCmdIns := new(MetadataCmd)

	var envCfgPath string
	metadataCmdIns.cmd = &cobra.Command{
		Use:           "metadata",
		Short:         "Check the parentchain call indexes in metadata config.",
		Example:       "teeworker metadata --conf /home/rd/teeworker/conf/env.yaml",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return CheckMetadata(envCfgPath, cmd.OutOrStdout())
		},
	}
	metadataCmdIns.cmd.Flags().StringVarP(&envCfgPath, "conf", "c", "",
		"engine environment config file path")

	return metadataCmdIns
}

func CheckMetadata(envCfgPath string, out io.Writer) error {
	envConf, err := xconf.LoadEnvConf(envCfgPath)
	if err != nil {
		return err
	}
	workerConf, err := engconf.LoadWorkerConf(envConf.GenConfFilePath(envConf.WorkerConf))
	if err != nil {
		return err
	}
	mdFile := workerConf.MetadataFile
	if mdFile == "" {
		mdFile = envConf.MetadataConf
	}
	md, err := indirect.LoadNodeMetadata(envConf.GenConfFilePath(mdFile))
	if err != nil {
		return err
	}

	missing := 0
	for _, call := range indirect.SupportedCalls() {
		index, err := md.CallIndexes(call[0], call[1])
		if err != nil {
			missing++
			fmt.Fprintf(out, "%s.%s\tmissing\n", call[0], call[1])
			continue
		}
		fmt.Fprintf(out, "%s.%s\t[%d %d]\n", call[0], call[1], index[0], index[1])
	}
	if missing > 0 {
		return fmt.Errorf("%d indirect calls missing in metadata", missing)
	}
	return nil
}
