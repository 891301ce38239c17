package rpc

import (
	"encoding/json"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
)

const JsonRpcVersion = "2.0"

// json-rpc 2.0错误码
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// worker自定义错误，message为稳定的错误分类
	CodeWorkerError = -32000
	CodeRateLimited = -32005
)

type Request struct {
	JsonRpc string            `json:"jsonrpc"`
	Id      json.RawMessage   `json:"id,omitempty"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JsonRpc string          `json:"jsonrpc"`
	Id      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
	Error   *RpcError       `json:"error,omitempty"`
}

// MarshalJSON result与error二者只输出其一
func (r *Response) MarshalJSON() ([]byte, error) {
	id := r.Id
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if r.Error != nil {
		return json.Marshal(&struct {
			JsonRpc string          `json:"jsonrpc"`
			Id      json.RawMessage `json:"id"`
			Error   *RpcError       `json:"error"`
		}{r.JsonRpc, id, r.Error})
	}
	return json.Marshal(&struct {
		JsonRpc string          `json:"jsonrpc"`
		Id      json.RawMessage `json:"id"`
		Result  interface{}     `json:"result"`
	}{r.JsonRpc, id, r.Result})
}

type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RpcError) Error() string {
	return e.Message
}

type SubscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Notification 服务端主动推送，无id
type Notification struct {
	JsonRpc string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  SubscriptionParams `json:"params"`
}

func newRpcError(code int, msg string) *RpcError {
	return &RpcError{Code: code, Message: msg}
}

// toRpcError 只对外暴露错误分类，不带内部错误信息
func toRpcError(err error) *RpcError {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*RpcError); ok {
		return rpcErr
	}

	e := common.CastErrorDefault(err, common.ErrInternal)
	if e.Equal(common.ErrNotRelayer) {
		return newRpcError(CodeWorkerError, common.ErrNotRelayer.Msg)
	}
	if e.Kind == common.KindInternal {
		return newRpcError(CodeInternalError, string(e.Kind))
	}
	return newRpcError(CodeWorkerError, string(e.Kind))
}

func errorResponse(id json.RawMessage, err *RpcError) *Response {
	return &Response{JsonRpc: JsonRpcVersion, Id: id, Error: err}
}

func resultResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{JsonRpc: JsonRpcVersion, Id: id, Result: result}
}

// decodeParam 按位置解析第i个参数
func decodeParam(req *Request, i int, v interface{}) *RpcError {
	if i >= len(req.Params) {
		return newRpcError(CodeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(req.Params[i], v); err != nil {
		return newRpcError(CodeInvalidParams, "invalid params")
	}
	return nil
}
