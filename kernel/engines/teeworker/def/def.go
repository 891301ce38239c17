// 统一管理worker引擎运行上下文
package def

import (
	"context"

	xconf "github.com/xuperchain/teeworker/kernel/common/xconfig"
	xctx "github.com/xuperchain/teeworker/kernel/common/xcontext"
	engconf "github.com/xuperchain/teeworker/kernel/engines/teeworker/config"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/indirect"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	sctx "github.com/xuperchain/teeworker/server/context"
)

const (
	// 引擎名
	BCEngineName = "teeworker"
	// 侧链状态库所在data子目录
	StateDir = "state"
	// enclave账户ed25519种子
	EnclaveSeedFile = "enclave.seed"
)

// 引擎运行上下文环境
type EngineCtx struct {
	// 基础上下文
	*xctx.BaseCtx
	// 运行环境配置
	EnvCfg *xconf.EnvConf
	// 引擎配置
	EngCfg *engconf.WorkerConf
}

// Engine 对外暴露的引擎能力，rpc服务通过它访问worker
type Engine interface {
	sctx.Backend
	GetEngineCtx() *EngineCtx
	// 导入一个已finalize的parentchain块，由indirect executor异步处理
	ImportParentchainBlock(ctx context.Context, block *indirect.ParentchainBlock) error
	// 把old的持久化状态和pool记录迁到new下
	MigrateShard(old, new top.ShardIdentifier) error
}
