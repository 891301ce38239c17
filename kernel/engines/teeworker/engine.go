package teeworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	xconf "github.com/xuperchain/teeworker/kernel/common/xconfig"
	xctx "github.com/xuperchain/teeworker/kernel/common/xcontext"
	"github.com/xuperchain/teeworker/kernel/engines"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/author"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	engconf "github.com/xuperchain/teeworker/kernel/engines/teeworker/config"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/def"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/filter"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/indirect"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/registry"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/shielding"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/signer"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/state"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/stf"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/taskreceiver"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/toppool"
	"github.com/xuperchain/teeworker/lib/logs"
	"github.com/xuperchain/teeworker/lib/metrics"
	"github.com/xuperchain/teeworker/lib/storage/kvdb"
	_ "github.com/xuperchain/teeworker/lib/storage/kvdb/leveldb"
	"github.com/xuperchain/teeworker/lib/utils"
)

const (
	relayerTablePrefix = "RR/"
	enclaveTablePrefix = "SE/"
)

// TeeWorkerEngine 组装admission、出块、indirect call和签名任务各组件
type TeeWorkerEngine struct {
	// 引擎运行环境上下文
	engCtx *def.EngineCtx
	log    logs.Logger

	db       kvdb.Database
	keys     *shielding.FileKeyRepository
	state    *state.Facade
	relayers *registry.RelayerRegistry
	enclaves *registry.ScheduledEnclave
	pool     *toppool.Pool
	author   *author.Author
	composer *stf.Composer
	indirect *indirect.Executor
	signer   *signer.Handler
	receiver *taskreceiver.Receiver
	// enclave自身账户
	enclave *top.Ed25519Signer

	parentchainCh chan *indirect.ParentchainBlock
	broadcastCh   chan *author.BroadcastedRequest

	ctx    context.Context
	cancel context.CancelFunc
	// Run与Exit互斥地检查和取消ctx
	runLock  sync.Mutex
	exitOnce sync.Once
	// 管理异步任务退出状态
	exitWG sync.WaitGroup
}

func NewTeeWorkerEngine() engines.BCEngine {
	return &TeeWorkerEngine{}
}

// 向工厂注册自己的创建方法
func init() {
	engines.Register(def.BCEngineName, NewTeeWorkerEngine)
}

// 转换引擎句柄类型
func EngineConvert(engine engines.BCEngine) (def.Engine, error) {
	if engine == nil {
		return nil, fmt.Errorf("transfer engine type failed because param is nil")
	}

	if v, ok := engine.(def.Engine); ok {
		return v, nil
	}

	return nil, fmt.Errorf("transfer engine type failed by type assert")
}

func (t *TeeWorkerEngine) Init(envCfg *xconf.EnvConf) error {
	engCtx, err := t.createEngCtx(envCfg)
	if err != nil {
		return fmt.Errorf("init engine failed because create engine ctx failed.err:%v", err)
	}
	t.engCtx = engCtx
	t.log = engCtx.XLog
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.log.Trace("init engine context succ")

	if err = t.initStorage(); err != nil {
		return fmt.Errorf("init engine failed because init storage failed.err:%v", err)
	}
	if err = t.initAdmission(); err != nil {
		t.db.Close()
		return fmt.Errorf("init engine failed because init admission failed.err:%v", err)
	}
	if err = t.initIndirect(); err != nil {
		t.db.Close()
		return fmt.Errorf("init engine failed because init indirect executor failed.err:%v", err)
	}
	if err = t.initTaskReceiver(); err != nil {
		t.db.Close()
		return fmt.Errorf("init engine failed because init task receiver failed.err:%v", err)
	}

	t.log.Trace("init engine succ", "shards", len(t.state.ListShards()), "mrenclave", utils.F(t.mrenclave()))
	return nil
}

func (t *TeeWorkerEngine) createEngCtx(envCfg *xconf.EnvConf) (*def.EngineCtx, error) {
	if envCfg == nil {
		return nil, fmt.Errorf("create engine ctx failed because env config is nil")
	}

	engCfg, err := engconf.LoadWorkerConf(envCfg.GenConfFilePath(envCfg.WorkerConf))
	if err != nil {
		return nil, fmt.Errorf("create engine ctx failed because load worker config failed.err:%v", err)
	}

	baseCtx, err := xctx.NewBaseCtx("", def.BCEngineName)
	if err != nil {
		return nil, fmt.Errorf("create engine ctx failed because new base ctx failed.err:%v", err)
	}

	if envCfg.MetricSwitch {
		metrics.RegisterMetrics()
	}

	return &def.EngineCtx{
		BaseCtx: baseCtx,
		EnvCfg:  envCfg,
		EngCfg:  engCfg,
	}, nil
}

// 打开状态库，加载shielding key和两个链上注册表
func (t *TeeWorkerEngine) initStorage() error {
	envCfg, engCfg := t.engCtx.EnvCfg, t.engCtx.EngCfg

	keys, err := shielding.NewFileKeyRepository(envCfg.GenDirAbsPath(envCfg.KeyDir), engCfg.RsaBits)
	if err != nil {
		return err
	}
	t.keys = keys

	mrenclave, err := t.loadMrenclave()
	if err != nil {
		return err
	}

	db, err := kvdb.CreateKVInstance(&kvdb.KVParameter{
		DBPath:                envCfg.GenDataAbsPath(def.StateDir),
		KVEngineType:          engCfg.KVEngine,
		MemCacheSize:          engCfg.MemCacheSize,
		FileHandlersCacheSize: engCfg.FileHandles,
	})
	if err != nil {
		return fmt.Errorf("open state db failed.err:%v", err)
	}
	t.db = db

	if t.state, err = state.NewFacade(db, mrenclave, engCfg.NonceCacheSize, t.log); err != nil {
		db.Close()
		return err
	}
	for _, str := range engCfg.Shards {
		shard, err := top.ShardFromHex(str)
		if err != nil {
			db.Close()
			return fmt.Errorf("invalid shard in config.shard:%s,err:%v", str, err)
		}
		if err := t.state.InitShard(shard); err != nil {
			db.Close()
			return err
		}
	}

	if t.relayers, err = registry.NewRelayerRegistry(kvdb.NewTable(db, relayerTablePrefix), t.log); err != nil {
		db.Close()
		return err
	}
	if t.enclaves, err = registry.NewScheduledEnclave(kvdb.NewTable(db, enclaveTablePrefix), t.log); err != nil {
		db.Close()
		return err
	}
	return nil
}

// 配置未指定时由shielding公钥派生
func (t *TeeWorkerEngine) loadMrenclave() ([32]byte, error) {
	if str := t.engCtx.EngCfg.Mrenclave; str != "" {
		mrenclave, err := utils.DecodeHex32(str)
		if err != nil {
			return mrenclave, fmt.Errorf("invalid mrenclave in config.err:%v", err)
		}
		return mrenclave, nil
	}

	pub, err := t.keys.ShieldingPublicKey()
	if err != nil {
		return [32]byte{}, err
	}
	raw, err := json.Marshal(pub)
	if err != nil {
		return [32]byte{}, err
	}
	return top.Blake2b256(raw), nil
}

// pool、author和侧链出块
func (t *TeeWorkerEngine) initAdmission() error {
	engCfg := t.engCtx.EngCfg

	pool, err := toppool.NewPool(&toppool.Config{
		ReadyLimit:   engCfg.ReadyLimit,
		PendingLimit: engCfg.PendingLimit,
		BanTime:      engCfg.BanTime,
	}, t.state, t.log)
	if err != nil {
		return err
	}
	t.pool = pool

	submitFilter, err := filter.FromPolicy(engCfg.SubmitFilter)
	if err != nil {
		return err
	}
	broadcastFilter, err := filter.FromPolicy(engCfg.BroadcastFilter)
	if err != nil {
		return err
	}
	t.broadcastCh = make(chan *author.BroadcastedRequest, engCfg.BroadcastCapacity)

	t.author, err = author.NewAuthor(pool, t.state, t.keys, submitFilter, broadcastFilter, t.broadcastCh, t.log)
	if err != nil {
		return err
	}

	t.enclave, err = loadEnclaveSigner(t.engCtx.EnvCfg.GenDirAbsPath(t.engCtx.EnvCfg.KeyDir))
	if err != nil {
		return err
	}
	executor, err := stf.NewExecutor(t.state, t.enclave.Identity(), t.log)
	if err != nil {
		return err
	}
	t.composer, err = stf.NewComposer(executor, t.author, t.author, engCfg.BlockInterval, t.log)
	return err
}

func (t *TeeWorkerEngine) initIndirect() error {
	envCfg, engCfg := t.engCtx.EnvCfg, t.engCtx.EngCfg

	mdFile := engCfg.MetadataFile
	if mdFile == "" {
		mdFile = envCfg.MetadataConf
	}
	md, err := indirect.LoadNodeMetadata(envCfg.GenConfFilePath(mdFile))
	if err != nil {
		return err
	}

	parser := indirect.DefaultParser{}
	var callFilter indirect.CallFilter = indirect.NewDefaultFilter(parser, t.log)
	if engCfg.DenyIndirect {
		callFilter = indirect.DenyAllFilter{}
	}

	t.indirect, err = indirect.NewExecutor(&indirect.ExecutorCtx{
		Keys:      t.keys,
		Submitter: t.author,
		Nonces:    t.pool,
		State:     t.state,
		Signer:    t.enclave,
		Relayers:  t.relayers,
		Enclaves:  t.enclaves,
		Parser:    parser,
		Filter:    callFilter,
		Metadata:  md,
		DB:        t.db,
		Log:       t.log,
	})
	if err != nil {
		return err
	}
	t.parentchainCh = make(chan *indirect.ParentchainBlock, engCfg.ParentchainBuffer)
	return nil
}

func (t *TeeWorkerEngine) initTaskReceiver() error {
	keyDir := t.engCtx.EnvCfg.GenDirAbsPath(t.engCtx.EnvCfg.KeyDir)
	eth, err := signer.LoadOrCreateEthereumSigner(keyDir)
	if err != nil {
		return err
	}
	btc, err := signer.LoadOrCreateBitcoinSigner(keyDir)
	if err != nil {
		return err
	}
	if t.signer, err = signer.NewHandler(t.relayers, eth, btc, t.log); err != nil {
		return err
	}

	t.receiver, err = taskreceiver.NewReceiver(&taskreceiver.Config{
		Workers:   t.engCtx.EngCfg.Workers,
		QueueSize: t.engCtx.EngCfg.QueueCapacity,
	}, t.keys, t.state, t.signer, t.log)
	return err
}

// 启动执行引擎，阻塞直到Exit
func (t *TeeWorkerEngine) Run() {
	t.runLock.Lock()
	if t.ctx.Err() != nil {
		t.runLock.Unlock()
		return
	}

	t.composer.Start()
	t.receiver.Start()

	t.exitWG.Add(2)
	go func() {
		defer t.exitWG.Done()
		t.indirect.Run(t.ctx, t.parentchainCh)
		t.log.Trace("indirect executor exit")
	}()
	go func() {
		defer t.exitWG.Done()
		t.drainBroadcast()
	}()
	t.runLock.Unlock()
	t.log.Info("tee worker engine started")

	<-t.ctx.Done()
	t.exitWG.Wait()
}

// 对端广播不在worker内完成，这里只消费掉
func (t *TeeWorkerEngine) drainBroadcast() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case req := <-t.broadcastCh:
			t.log.Debug("broadcast request", "id", req.Id, "rpc_method", req.RpcMethod)
		}
	}
}

// 关闭执行引擎，需要幂等
func (t *TeeWorkerEngine) Exit() {
	t.exitOnce.Do(func() {
		if t.cancel == nil {
			return
		}
		t.runLock.Lock()
		t.cancel()
		t.runLock.Unlock()

		t.composer.Stop()
		t.receiver.Stop()
		t.exitWG.Wait()
		if err := t.db.Close(); err != nil {
			t.log.Warn("close state db failed", "err", err)
		}
		t.log.Info("tee worker engine exit")
	})
}

// 获取执行引擎环境
func (t *TeeWorkerEngine) GetEngineCtx() *def.EngineCtx {
	return t.engCtx
}

func (t *TeeWorkerEngine) ImportParentchainBlock(ctx context.Context, block *indirect.ParentchainBlock) error {
	if block == nil {
		return fmt.Errorf("import parentchain block failed because block is nil")
	}
	if t.ctx.Err() != nil {
		return fmt.Errorf("import parentchain block failed because engine exited")
	}
	select {
	case t.parentchainCh <- block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return fmt.Errorf("import parentchain block failed because engine exited")
	}
}

func (t *TeeWorkerEngine) SubmitTop(ctx context.Context, raw []byte) (top.Hash, error) {
	return t.author.SubmitTop(ctx, raw)
}

func (t *TeeWorkerEngine) WatchTop(ctx context.Context, raw []byte) (top.Hash, error) {
	return t.author.WatchTop(ctx, raw)
}

func (t *TeeWorkerEngine) WatchAndBroadcastTop(ctx context.Context, raw []byte, rpcMethod string) (top.Hash, error) {
	return t.author.WatchAndBroadcastTop(ctx, raw, rpcMethod)
}

func (t *TeeWorkerEngine) PendingTops(shard top.ShardIdentifier) [][]byte {
	return t.author.PendingTops(shard)
}

func (t *TeeWorkerEngine) GetPendingTrustedCallsFor(shard top.ShardIdentifier, account top.Identity) []*top.Operation {
	return t.author.GetPendingTrustedCallsFor(shard, account)
}

func (t *TeeWorkerEngine) GetStatus(shard top.ShardIdentifier) top.PoolStatus {
	return t.author.GetStatus(shard)
}

func (t *TeeWorkerEngine) GetShards() []top.ShardIdentifier {
	return t.author.GetShards()
}

func (t *TeeWorkerEngine) ShieldingPublicKey() (*shielding.RsaPublicKey, error) {
	return t.keys.ShieldingPublicKey()
}

func (t *TeeWorkerEngine) Mrenclave() [32]byte {
	return t.state.Mrenclave()
}

func (t *TeeWorkerEngine) mrenclave() []byte {
	m := t.state.Mrenclave()
	return m[:]
}

// RequestSignature 等待task receiver应答
func (t *TeeWorkerEngine) RequestSignature(ctx context.Context, req *top.Request) ([]byte, error) {
	resp := make(chan taskreceiver.TaskResult, 1)
	if err := t.receiver.Submit(ctx, &taskreceiver.Task{Request: req, Resp: resp}); err != nil {
		return nil, err
	}

	select {
	case result := <-resp:
		return result.Payload, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MigrateShard 先迁移持久化状态再迁移pool，状态迁移失败时pool保持不变
func (t *TeeWorkerEngine) MigrateShard(old, new top.ShardIdentifier) error {
	if err := t.state.MigrateShard(old, new); err != nil {
		t.log.Warn("migrate shard state failed", "old", old, "new", new, "err", err)
		return err
	}
	t.author.MigratePool(old, new)
	t.log.Info("shard migrated", "old", old, "new", new)
	return nil
}

func (t *TeeWorkerEngine) SetRpcResponder(responder common.RpcResponder) {
	t.pool.SetResponder(responder)
}
