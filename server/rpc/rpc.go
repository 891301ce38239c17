package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/xuperchain/teeworker/lib/logs"
	"github.com/xuperchain/teeworker/lib/metrics"
	"github.com/xuperchain/teeworker/lib/utils"
	sconf "github.com/xuperchain/teeworker/server/config"
	sctx "github.com/xuperchain/teeworker/server/context"
)

type handlerFunc func(gctx context.Context, rctx sctx.ReqCtx, conn Sender, req *Request) (interface{}, error)

type RpcServ struct {
	backend  sctx.Backend
	scfg     *sconf.ServConf
	log      logs.Logger
	registry *ConnectionRegistry
	upgrader websocket.Upgrader
	handlers map[string]handlerFunc
}

func NewRpcServ(backend sctx.Backend, scfg *sconf.ServConf, registry *ConnectionRegistry, log logs.Logger) *RpcServ {
	t := &RpcServ{
		backend:  backend,
		scfg:     scfg,
		log:      log,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	t.registerHandlers()
	return t
}

// Methods 支持的rpc方法
func (t *RpcServ) Methods() []string {
	out := make([]string, 0, len(t.handlers))
	for method := range t.handlers {
		out = append(out, method)
	}
	sort.Strings(out)
	return out
}

// ServeHTTP 升级为websocket，每个连接独立限流
func (t *RpcServ) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("upgrade websocket failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn := newWsConn(ws, t.scfg.WriteTimeout)
	clientIp := clientIpOf(r.RemoteAddr)
	defer func() {
		n := t.registry.WithdrawConn(conn)
		conn.Close()
		t.log.Debug("websocket closed", "client_ip", clientIp, "withdrawn", n)
	}()

	ws.SetReadLimit(t.scfg.MaxMsgBytes())
	limiter := rate.NewLimiter(rate.Limit(t.scfg.RateLimit), t.scfg.RateBurst)
	gctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		if t.scfg.ReadTimeout > 0 {
			ws.SetReadDeadline(time.Now().Add(t.scfg.ReadTimeout))
		}
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Debug("read websocket failed", "client_ip", clientIp, "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var resp *Response
		if !limiter.Allow() {
			resp = errorResponse(nil, newRpcError(CodeRateLimited, "rate limited"))
		} else {
			resp = t.HandleMessage(gctx, conn, clientIp, msg)
		}
		out, err := json.Marshal(resp)
		if err != nil {
			t.log.Error("marshal rpc response failed", "err", err)
			continue
		}
		if err := conn.Send(out); err != nil {
			t.log.Debug("write websocket failed", "client_ip", clientIp, "err", err)
			return
		}
	}
}

// HandleMessage 处理一条json-rpc请求
func (t *RpcServ) HandleMessage(gctx context.Context, conn Sender, clientIp string, msg []byte) (resp *Response) {
	req := new(Request)
	if err := json.Unmarshal(msg, req); err != nil {
		return errorResponse(nil, newRpcError(CodeParseError, "parse error"))
	}
	if req.JsonRpc != JsonRpcVersion || req.Method == "" {
		return errorResponse(req.Id, newRpcError(CodeInvalidRequest, "invalid request"))
	}
	handler, ok := t.handlers[req.Method]
	if !ok {
		return errorResponse(req.Id, newRpcError(CodeMethodNotFound, "method not found"))
	}

	rctx, err := t.access(clientIp, req)
	if err != nil {
		t.log.Error("request access proc failed", "method", req.Method, "err", err)
		return errorResponse(req.Id, newRpcError(CodeInternalError, "internal error"))
	}

	defer func() {
		if e := recover(); e != nil {
			t.log.Error("Rpc server happen panic.", "error", e, "rpc_method", req.Method)
			resp = errorResponse(req.Id, newRpcError(CodeInternalError, "internal error"))
		}
		t.ending(rctx, req, resp)
	}()

	result, err := handler(gctx, rctx, conn, req)
	if err != nil {
		return errorResponse(req.Id, toRpcError(err))
	}
	return resultResponse(req.Id, result)
}

// 请求处理前处理
func (t *RpcServ) access(clientIp string, req *Request) (sctx.ReqCtx, error) {
	rctx, err := sctx.NewReqCtx(t.backend, utils.GenLogId(), clientIp)
	if err != nil {
		return nil, err
	}

	rctx.GetLog().Trace("received request", "client_ip", clientIp, "method", req.Method)
	return rctx, nil
}

// 请求完成后处理
func (t *RpcServ) ending(rctx sctx.ReqCtx, req *Request, resp *Response) {
	cost := rctx.GetTimer().Total()
	metrics.RpcCallCounter.WithLabelValues(req.Method).Inc()
	metrics.RpcCostHistogram.WithLabelValues(req.Method).Observe(cost.Seconds())

	code := 0
	if resp != nil && resp.Error != nil {
		code = resp.Error.Code
	}
	rctx.GetLog().Info("request done", "method", req.Method, "error", code,
		"cost_time", rctx.GetTimer().Print())
}

func clientIpOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// wsConn gorilla连接只允许一个writer
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	lock   sync.Mutex
	closed bool
}

func newWsConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) Send(msg []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}
