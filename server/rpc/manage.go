package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/xuperchain/teeworker/lib/logs"
	sconf "github.com/xuperchain/teeworker/server/config"
	sctx "github.com/xuperchain/teeworker/server/context"
)

const (
	SubModName      = "rpc"
	shutdownTimeout = 5 * time.Second
	minSweepPeriod  = time.Second
)

// rpc server启停控制管理
type RpcServMG struct {
	scfg      *sconf.ServConf
	backend   sctx.Backend
	log       logs.Logger
	registry  *ConnectionRegistry
	responder *RpcResponder
	rpcServ   *RpcServ

	lock      sync.Mutex
	servHD    *http.Server
	metricHD  *http.Server
	exitCh    chan struct{}
	exitOnce  sync.Once
	isRunning bool
}

func NewRpcServMG(scfg *sconf.ServConf, backend sctx.Backend) (*RpcServMG, error) {
	if scfg == nil || backend == nil {
		return nil, fmt.Errorf("new rpc server failed because param error")
	}
	log, err := logs.NewLogger("", SubModName)
	if err != nil {
		return nil, fmt.Errorf("new rpc server failed because new logger error.err:%v", err)
	}

	registry := NewConnectionRegistry(scfg.ConnTTL)
	responder := NewRpcResponder(registry, log)
	backend.SetRpcResponder(responder)

	return &RpcServMG{
		scfg:      scfg,
		backend:   backend,
		log:       log,
		registry:  registry,
		responder: responder,
		rpcServ:   NewRpcServ(backend, scfg, registry, log),
		exitCh:    make(chan struct{}),
	}, nil
}

// Run 阻塞直到服务退出
func (t *RpcServMG) Run() error {
	t.lock.Lock()
	if t.isRunning {
		t.lock.Unlock()
		return fmt.Errorf("rpc server already running")
	}
	select {
	case <-t.exitCh:
		t.lock.Unlock()
		return nil
	default:
	}
	t.isRunning = true

	mux := http.NewServeMux()
	mux.Handle("/", t.rpcServ)
	t.servHD = &http.Server{Addr: t.scfg.Addr(), Handler: mux}
	if t.scfg.EnableMetric {
		metricMux := http.NewServeMux()
		metricMux.Handle("/metrics", promhttp.Handler())
		t.metricHD = &http.Server{Addr: t.scfg.MetricAddr(), Handler: metricMux}
	}
	servHD, metricHD := t.servHD, t.metricHD
	t.lock.Unlock()

	group := errgroup.Group{}
	group.Go(func() error {
		return t.serve(servHD, "rpc")
	})
	if metricHD != nil {
		group.Go(func() error {
			return t.serve(metricHD, "metric")
		})
	}
	group.Go(func() error {
		t.sweep()
		return nil
	})

	err := group.Wait()
	if err != nil {
		t.log.Error("rpc server abnormal exit", "err", err)
	}
	return err
}

func (t *RpcServMG) serve(srv *http.Server, name string) error {
	lis, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		t.Exit()
		return fmt.Errorf("listen %s failed.addr:%s,err:%v", name, srv.Addr, err)
	}
	t.log.Info("server listening", "name", name, "addr", srv.Addr)

	err = srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	t.Exit()
	return err
}

// sweep 定期清理过期watcher
func (t *RpcServMG) sweep() {
	period := t.scfg.ConnTTL / 2
	if period < minSweepPeriod {
		period = minSweepPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-t.exitCh:
			return
		case now := <-ticker.C:
			if expired := t.registry.Expire(now); len(expired) > 0 {
				t.log.Debug("expire rpc watchers", "count", len(expired), "remain", t.registry.Len())
			}
		}
	}
}

// Exit 退出rpc服务，释放相关资源
func (t *RpcServMG) Exit() {
	t.exitOnce.Do(func() {
		close(t.exitCh)

		t.lock.Lock()
		servers := []*http.Server{t.servHD, t.metricHD}
		t.lock.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(ctx); err != nil {
				t.log.Warn("shutdown server failed", "addr", srv.Addr, "err", err)
			}
		}
	})
}

func (t *RpcServMG) Registry() *ConnectionRegistry {
	return t.registry
}

func (t *RpcServMG) Responder() *RpcResponder {
	return t.responder
}
