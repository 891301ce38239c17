package engines

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	xconf "github.com/xuperchain/teeworker/kernel/common/xconfig"
	"github.com/xuperchain/teeworker/lib/logs"
)

var (
	ErrParamUnset     = errors.New("engine name or env config unset")
	ErrEngineNotExist = errors.New("engine not registered")
)

// BCEngine 进程内可被cmd启动的worker引擎
// 引擎的其余能力通过各自的EngineConvert取得
type BCEngine interface {
	Init(*xconf.EnvConf) error
	// 阻塞直到Exit
	Run()
	// 可重复调用
	Exit()
}

type NewBCEngineFunc func() BCEngine

type registry struct {
	lock    sync.RWMutex
	creator map[string]NewBCEngineFunc
}

var engines = &registry{creator: make(map[string]NewBCEngineFunc)}

// Register 在引擎包的init中调用，重名或nil直接panic
func Register(name string, f NewBCEngineFunc) {
	engines.lock.Lock()
	defer engines.lock.Unlock()

	if f == nil {
		panic("engines: Register new func is nil")
	}
	if _, dup := engines.creator[name]; dup {
		panic("engines: Register called twice for " + name)
	}
	engines.creator[name] = f
}

// Engines 已注册的引擎名，按字典序
func Engines() []string {
	engines.lock.RLock()
	defer engines.lock.RUnlock()

	names := make([]string, 0, len(engines.creator))
	for name := range engines.creator {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *registry) get(name string) (NewBCEngineFunc, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	f, ok := r.creator[name]
	return f, ok
}

// CreateBCEngine 初始化进程日志后创建并Init指定引擎
func CreateBCEngine(egName string, envCfg *xconf.EnvConf) (BCEngine, error) {
	if egName == "" || envCfg == nil {
		return nil, ErrParamUnset
	}

	// 只有第一次调用生效
	logs.InitLog(envCfg.GenConfFilePath(envCfg.LogConf), envCfg.GenDirAbsPath(envCfg.LogDir))

	newFunc, ok := engines.get(egName)
	if !ok {
		return nil, errors.Wrapf(ErrEngineNotExist, "name:%s", egName)
	}
	engine := newFunc()
	if err := engine.Init(envCfg); err != nil {
		return nil, errors.Wrapf(err, "init engine %s failed", egName)
	}
	return engine, nil
}
