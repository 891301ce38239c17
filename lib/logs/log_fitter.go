package logs

import (
	"fmt"
	"os"
	"sync"

	"github.com/xuperchain/teeworker/lib/utils"
)

// Reserve common key
const (
	CommFieldLogId  = "log_id"
	CommFieldSubMod = "s_mod"
	CommFieldPid    = "pid"
	CommFieldCall   = "call"
)

const (
	DefaultCallDepth = 4
)

// 在日志库之上做一层轻量级封装，方便日志字段组装和日志库替换
type Logger interface {
	GetLogId() string
	SetCommField(key string, value interface{})
	SetInfoField(key string, value interface{})
	Error(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
}

// LogFitter 日志适配器，注入log_id、子模块名等公共字段
type LogFitter struct {
	logger       LogDriver
	logId        string
	subMod       string
	pid          int
	commFields   []interface{}
	commFieldLck *sync.RWMutex
	infoFields   []interface{}
	infoFieldLck *sync.RWMutex
	callDepth    int
}

// NewLogger 创建日志适配器，logId为空时自动生成
func NewLogger(logId, subMod string) (*LogFitter, error) {
	driver := getDriver()
	if driver == nil {
		return nil, fmt.Errorf("new logger failed because log driver not init")
	}
	if logId == "" {
		logId = utils.GenLogId()
	}
	if subMod == "" {
		subMod = "unknown"
	}

	lf := &LogFitter{
		logger:       driver,
		logId:        logId,
		subMod:       subMod,
		pid:          os.Getpid(),
		commFields:   make([]interface{}, 0),
		commFieldLck: &sync.RWMutex{},
		infoFields:   make([]interface{}, 0),
		infoFieldLck: &sync.RWMutex{},
		callDepth:    DefaultCallDepth,
	}

	return lf, nil
}

func (t *LogFitter) GetLogId() string {
	return t.logId
}

func (t *LogFitter) SetCommField(key string, value interface{}) {
	if !t.isInit() || key == "" || value == nil {
		return
	}

	t.commFieldLck.Lock()
	defer t.commFieldLck.Unlock()

	t.commFields = append(t.commFields, key, value)
}

// SetInfoField info字段只在下一条Info日志中输出一次
func (t *LogFitter) SetInfoField(key string, value interface{}) {
	if !t.isInit() || key == "" || value == nil {
		return
	}

	t.infoFieldLck.Lock()
	defer t.infoFieldLck.Unlock()

	t.infoFields = append(t.infoFields, key, value)
}

func (t *LogFitter) Error(msg string, ctx ...interface{}) {
	if !t.isInit() {
		return
	}
	t.logger.Error(msg, t.fmtCommLogger(ctx...)...)
}

func (t *LogFitter) Warn(msg string, ctx ...interface{}) {
	if !t.isInit() {
		return
	}
	t.logger.Warn(msg, t.fmtCommLogger(ctx...)...)
}

func (t *LogFitter) Info(msg string, ctx ...interface{}) {
	if !t.isInit() {
		return
	}
	t.logger.Info(msg, t.fmtInfoLogger(ctx...)...)
}

func (t *LogFitter) Trace(msg string, ctx ...interface{}) {
	if !t.isInit() {
		return
	}
	t.logger.Trace(msg, t.fmtCommLogger(ctx...)...)
}

func (t *LogFitter) Debug(msg string, ctx ...interface{}) {
	if !t.isInit() {
		return
	}
	t.logger.Debug(msg, t.fmtCommLogger(ctx...)...)
}

func (t *LogFitter) getCommField() []interface{} {
	t.commFieldLck.RLock()
	defer t.commFieldLck.RUnlock()

	out := make([]interface{}, len(t.commFields))
	copy(out, t.commFields)
	return out
}

func (t *LogFitter) genBaseField() []interface{} {
	fileLine, _ := utils.GetFuncCall(t.callDepth)

	comCtx := make([]interface{}, 0, 8)
	// 保持log_id是第一个写入，方便替换
	comCtx = append(comCtx, CommFieldLogId, t.logId)
	comCtx = append(comCtx, CommFieldSubMod, t.subMod)
	comCtx = append(comCtx, CommFieldCall, fileLine)
	comCtx = append(comCtx, CommFieldPid, t.pid)

	return comCtx
}

func (t *LogFitter) normalize(ctx []interface{}) ([]interface{}, []interface{}) {
	if len(ctx)%2 != 0 {
		last := ctx[len(ctx)-1]
		ctx = append(ctx[:len(ctx)-1:len(ctx)-1], "unknow", last)
	}

	comCtx := t.genBaseField()
	// 如果设置了log_id，用设置的log_id替换公共字段
	if len(ctx) > 1 && fmt.Sprintf("%v", ctx[0]) == CommFieldLogId {
		comCtx[1] = ctx[1]
		ctx = ctx[2:]
	}
	return comCtx, ctx
}

func (t *LogFitter) fmtCommLogger(ctx ...interface{}) []interface{} {
	comCtx, ctx := t.normalize(ctx)
	comCtx = append(comCtx, t.getCommField()...)
	return append(comCtx, ctx...)
}

func (t *LogFitter) fmtInfoLogger(ctx ...interface{}) []interface{} {
	comCtx, ctx := t.normalize(ctx)
	comCtx = append(comCtx, t.getCommField()...)

	t.infoFieldLck.Lock()
	comCtx = append(comCtx, t.infoFields...)
	t.infoFields = t.infoFields[:0]
	t.infoFieldLck.Unlock()

	return append(comCtx, ctx...)
}

func (t *LogFitter) isInit() bool {
	if t == nil || t.logger == nil || t.commFields == nil || t.infoFields == nil ||
		t.commFieldLck == nil || t.infoFieldLck == nil {
		return false
	}

	return true
}
