package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	xconf "github.com/xuperchain/teeworker/kernel/common/xconfig"
	"github.com/xuperchain/teeworker/kernel/engines"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/def"
	"github.com/xuperchain/teeworker/lib/logs"
	sconf "github.com/xuperchain/teeworker/server/config"
	"github.com/xuperchain/teeworker/server/rpc"
)

type StartupCmd struct {
	BaseCmd
}

func GetStartupCmd() *StartupCmd {
	startupCmdIns := new(StartupCmd)

	// 定义命令行参数变量
	var envCfgPath string

	startupCmdIns.cmd = &cobra.Command{
		Use:           "startup",
		Short:         "Start up the tee worker.",
		Example:       "teeworker startup --conf /home/rd/teeworker/conf/env.yaml",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return StartupWorker(envCfgPath)
		},
	}

	// 设置命令行参数并绑定变量
	startupCmdIns.cmd.Flags().StringVarP(&envCfgPath, "conf", "c", "",
		"engine environment config file path")

	return startupCmdIns
}

// 启动worker
func StartupWorker(envCfgPath string) error {
	// 加载基础配置
	envConf, servConf, err := loadConf(envCfgPath)
	if err != nil {
		return err
	}

	// 初始化日志
	logs.InitLog(envConf.GenConfFilePath(envConf.LogConf), envConf.GenDirAbsPath(envConf.LogDir))

	// 实例化执行引擎
	engine, err := engines.CreateBCEngine(def.BCEngineName, envConf)
	if err != nil {
		return err
	}
	backend, err := teeworker.EngineConvert(engine)
	if err != nil {
		engine.Exit()
		return err
	}
	// 实例化rpc server
	rpcServ, err := rpc.NewRpcServMG(servConf, backend)
	if err != nil {
		engine.Exit()
		return err
	}

	engChan := runEngine(engine)
	rpcChan := runRpcServ(rpcServ)

	// 阻塞等待进程退出指令，任一方退出后关闭另一方
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	var rpcErr error
	select {
	case <-engChan:
		rpcServ.Exit()
		rpcErr = <-rpcChan
	case rpcErr = <-rpcChan:
		engine.Exit()
		<-engChan
	case <-sigChan:
		// 先停止接入，再停引擎
		rpcServ.Exit()
		rpcErr = <-rpcChan
		engine.Exit()
		<-engChan
	}
	engine.Exit()
	return rpcErr
}

func loadConf(envCfgPath string) (*xconf.EnvConf, *sconf.ServConf, error) {
	// 加载环境配置
	envConf, err := xconf.LoadEnvConf(envCfgPath)
	if err != nil {
		return nil, nil, err
	}

	// 加载服务配置
	servConf, err := sconf.LoadServConf(envConf.GenConfFilePath(envConf.ServConf))
	if err != nil {
		return nil, nil, err
	}

	return envConf, servConf, nil
}

func runEngine(engine engines.BCEngine) <-chan struct{} {
	exitCh := make(chan struct{})

	// 启动引擎，退出后关闭通道
	go func() {
		engine.Run()
		close(exitCh)
	}()

	return exitCh
}

func runRpcServ(servMG *rpc.RpcServMG) <-chan error {
	exitCh := make(chan error, 1)

	go func() {
		exitCh <- servMG.Run()
	}()

	return exitCh
}
