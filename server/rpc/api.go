package rpc

import (
	"context"

	"github.com/google/uuid"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	sctx "github.com/xuperchain/teeworker/server/context"
)

const (
	MethodSubmitExtrinsic                    = "author_submitExtrinsic"
	MethodSubmitAndWatchExtrinsic            = "author_submitAndWatchExtrinsic"
	MethodSubmitAndWatchBroadcastedExtrinsic = "author_submitAndWatchBroadcastedExtrinsic"
	MethodPendingExtrinsics                  = "author_pendingExtrinsics"
	MethodPendingTrustedCallsFor             = "author_pendingTrustedCallsFor"
	MethodGetStatus                          = "author_getStatus"
	MethodGetShard                           = "author_getShard"
	MethodGetShieldingKey                    = "author_getShieldingKey"
	MethodRequestSignature                   = "author_requestSignature"
	MethodGetMrenclave                       = "state_getMrenclave"
	MethodRpcMethods                         = "rpc_methods"
)

// WatchResult 订阅类方法的返回，后续推送通过Subscription区分
type WatchResult struct {
	Hash         top.Hash `json:"hash"`
	Subscription string   `json:"subscription"`
}

type MethodsResult struct {
	Methods []string `json:"methods"`
}

func (t *RpcServ) registerHandlers() {
	t.handlers = map[string]handlerFunc{
		MethodSubmitExtrinsic:                    t.submitExtrinsic,
		MethodSubmitAndWatchExtrinsic:            t.submitAndWatchExtrinsic,
		MethodSubmitAndWatchBroadcastedExtrinsic: t.submitAndWatchBroadcastedExtrinsic,
		MethodPendingExtrinsics:                  t.pendingExtrinsics,
		MethodPendingTrustedCallsFor:             t.pendingTrustedCallsFor,
		MethodGetStatus:                          t.getStatus,
		MethodGetShard:                           t.getShard,
		MethodGetShieldingKey:                    t.getShieldingKey,
		MethodRequestSignature:                   t.requestSignature,
		MethodGetMrenclave:                       t.getMrenclave,
		MethodRpcMethods:                         t.rpcMethods,
	}
}

// 请求参数为hex编码的加密请求信封
func requestParam(req *Request) ([]byte, error) {
	var raw top.HexBytes
	if err := decodeParam(req, 0, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, newRpcError(CodeInvalidParams, "empty request")
	}
	return raw, nil
}

func (t *RpcServ) submitExtrinsic(gctx context.Context, rctx sctx.ReqCtx, conn Sender, req *Request) (interface{}, error) {
	raw, err := requestParam(req)
	if err != nil {
		return nil, err
	}
	hash, err := rctx.GetBackend().SubmitTop(gctx, raw)
	if err != nil {
		rctx.GetLog().Debug("submit top failed", "err", err)
		return nil, err
	}
	return hash, nil
}

func (t *RpcServ) submitAndWatchExtrinsic(gctx context.Context, rctx sctx.ReqCtx, conn Sender, req *Request) (interface{}, error) {
	raw, err := requestParam(req)
	if err != nil {
		return nil, err
	}
	hash, err := rctx.GetBackend().WatchTop(gctx, raw)
	if err != nil {
		rctx.GetLog().Debug("watch top failed", "err", err)
		return nil, err
	}
	return t.storeWatcher(hash, conn), nil
}

func (t *RpcServ) submitAndWatchBroadcastedExtrinsic(gctx context.Context, rctx sctx.ReqCtx, conn Sender, req *Request) (interface{}, error) {
	raw, err := requestParam(req)
	if err != nil {
		return nil, err
	}
	hash, err := rctx.GetBackend().WatchAndBroadcastTop(gctx, raw, req.Method)
	if err != nil {
		rctx.GetLog().Debug("watch and broadcast top failed", "err", err)
		return nil, err
	}
	return t.storeWatcher(hash, conn), nil
}

func (t *RpcServ) storeWatcher(hash top.Hash, conn Sender) *WatchResult {
	token := uuid.New().String()
	t.registry.Store(hash, &ConnEntry{Token: token, Response: conn})
	return &WatchResult{Hash: hash, Subscription: token}
}

func (t *RpcServ) pendingExtrinsics(gctx context.Context, rctx sctx.ReqCtx, conn Sender, req *Request) (interface{}, error) {
	var shards []top.ShardIdentifier
	if err := decodeParam(req, 0, &shards); err != nil {
		return nil, err
	}
	out := make(map[string][]top.HexBytes, len(shards))
	for _, shard := range shards {
		tops := rctx.GetBackend().PendingTops(shard)
		list := make([]top.HexBytes, 0, len(tops))
		for _, raw := range tops {
			list = append(list, raw)
		}
		out[shard.String()] = list
	}
	return out, nil
}

func (t *RpcServ) pendingTrustedCallsFor(gctx context.Context, rctx sctx.ReqCtx, conn Sender, req *Request) (interface{}, error) {
	var shard top.ShardIdentifier
	if err := decodeParam(req, 0, &shard); err != nil {
		return nil, err
	}
	var account top.Identity
	if err := decodeParam(req, 1, &account); err != nil {
		return nil, err
	}
	if err := account.Validate(); err != nil {
		return nil, common.ErrBadFormat.More("%v", err)
	}

	ops := rctx.GetBackend().GetPendingTrustedCallsFor(shard, account)
	out := make([]top.HexBytes, 0, len(ops))
	for _, op := range ops {
		encoded, err := op.Encode()
		if err != nil {
			continue
		}
		out = append(out, encoded)
	}
	return out, nil
}

func (t *RpcServ) getStatus(gctx context.Context, rctx sctx.ReqCtx, conn Sender, req *Request) (interface{}, error) {
	var shard top.ShardIdentifier
	if err := decodeParam(req, 0, &shard); err != nil {
		return nil, err
	}
	return rctx.GetBackend().GetStatus(shard), nil
}

func (t *RpcServ) getShard(gctx context.Context, rctx sctx.ReqCtx, conn Sender, req *Request) (interface{}, error) {
	shards := rctx.GetBackend().GetShards()
	if shards == nil {
		shards = []top.ShardIdentifier{}
	}
	return shards, nil
}

func (t *RpcServ) getShieldingKey(gctx context.Context, rctx sctx.ReqCtx, conn Sender, req *Request) (interface{}, error) {
	pub, err := rctx.GetBackend().ShieldingPublicKey()
	if err != nil {
		rctx.GetLog().Warn("get shielding key failed", "err", err)
		return nil, common.ErrInternal
	}
	return pub, nil
}

func (t *RpcServ) requestSignature(gctx context.Context, rctx sctx.ReqCtx, conn Sender, req *Request) (interface{}, error) {
	raw, err := requestParam(req)
	if err != nil {
		return nil, err
	}
	request, err := top.DecodeRequest(raw)
	if err != nil {
		return nil, common.ErrBadFormat.More("%v", err)
	}
	out, err := rctx.GetBackend().RequestSignature(gctx, request)
	if err != nil {
		rctx.GetLog().Debug("request signature failed", "err", err)
		return nil, err
	}
	return top.HexBytes(out), nil
}

func (t *RpcServ) getMrenclave(gctx context.Context, rctx sctx.ReqCtx, conn Sender, req *Request) (interface{}, error) {
	return top.Hash(rctx.GetBackend().Mrenclave()), nil
}

func (t *RpcServ) rpcMethods(gctx context.Context, rctx sctx.ReqCtx, conn Sender, req *Request) (interface{}, error) {
	return &MethodsResult{Methods: t.Methods()}, nil
}
