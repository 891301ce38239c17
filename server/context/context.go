package context

import (
	"context"
	"fmt"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/shielding"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
	"github.com/xuperchain/teeworker/lib/timer"
)

const SubModName = "rpc"

// Backend rpc层可见的worker能力
type Backend interface {
	SubmitTop(ctx context.Context, raw []byte) (top.Hash, error)
	WatchTop(ctx context.Context, raw []byte) (top.Hash, error)
	WatchAndBroadcastTop(ctx context.Context, raw []byte, rpcMethod string) (top.Hash, error)
	PendingTops(shard top.ShardIdentifier) [][]byte
	GetPendingTrustedCallsFor(shard top.ShardIdentifier, account top.Identity) []*top.Operation
	GetStatus(shard top.ShardIdentifier) top.PoolStatus
	GetShards() []top.ShardIdentifier
	ShieldingPublicKey() (*shielding.RsaPublicKey, error)
	Mrenclave() [32]byte
	// 交给task receiver处理，返回用请求aes key加密的结果
	RequestSignature(ctx context.Context, req *top.Request) ([]byte, error)
	SetRpcResponder(responder common.RpcResponder)
}

// 请求级别上下文
type ReqCtx interface {
	GetBackend() Backend
	GetLog() logs.Logger
	GetTimer() *timer.XTimer
	GetClientIp() string
}

type ReqCtxImpl struct {
	backend  Backend
	log      logs.Logger
	timer    *timer.XTimer
	clientIp string
}

func NewReqCtx(backend Backend, reqId, clientIp string) (ReqCtx, error) {
	if backend == nil {
		return nil, fmt.Errorf("new request context failed because backend is nil")
	}

	log, err := logs.NewLogger(reqId, SubModName)
	if err != nil {
		return nil, fmt.Errorf("new request context failed because new logger failed.err:%s", err)
	}

	ctx := &ReqCtxImpl{
		backend:  backend,
		log:      log,
		timer:    timer.NewXTimer(),
		clientIp: clientIp,
	}

	return ctx, nil
}

func (t *ReqCtxImpl) GetBackend() Backend {
	return t.backend
}

func (t *ReqCtxImpl) GetLog() logs.Logger {
	return t.log
}

func (t *ReqCtxImpl) GetTimer() *timer.XTimer {
	return t.timer
}

func (t *ReqCtxImpl) GetClientIp() string {
	return t.clientIp
}
