// 定义公共上下文结构，明确定义上下文结构，方便代码阅读
package xcontext

import (
	"context"
	"time"

	"github.com/xuperchain/teeworker/lib/logs"
	"github.com/xuperchain/teeworker/lib/timer"
)

type XContext interface {
	context.Context
	GetLog() logs.Logger
	GetTimer() *timer.XTimer
}

// BaseCtx 实现空的context.Context接口，同时携带日志和计时器，方便为各对象统一注入
type BaseCtx struct {
	XLog  logs.Logger
	Timer *timer.XTimer
}

// NewBaseCtx 创建一个带新logId的上下文
func NewBaseCtx(logId, subMod string) (*BaseCtx, error) {
	log, err := logs.NewLogger(logId, subMod)
	if err != nil {
		return nil, err
	}
	return &BaseCtx{XLog: log, Timer: timer.NewXTimer()}, nil
}

func (t *BaseCtx) GetLog() logs.Logger {
	return t.XLog
}

func (t *BaseCtx) GetTimer() *timer.XTimer {
	return t.Timer
}

func (t *BaseCtx) Deadline() (deadline time.Time, ok bool) {
	return
}

func (t *BaseCtx) Done() <-chan struct{} {
	return nil
}

func (t *BaseCtx) Err() error {
	return nil
}

func (t *BaseCtx) Value(key interface{}) interface{} {
	return nil
}
