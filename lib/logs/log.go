package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xuperchain/teeworker/lib/logs/config"
	"github.com/xuperchain/teeworker/lib/utils"

	log "github.com/xuperchain/log15"
)

// 底层日志库约束接口
type LogDriver interface {
	Error(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
}

var (
	logHandle LogDriver
	logConf   *config.LogConf
	once      sync.Once
	consoleMu sync.Mutex
	console   LogDriver
)

// InitLog 进程级日志初始化，只生效一次
func InitLog(cfgFile, logDir string) {
	once.Do(func() {
		lc, err := config.LoadLogConf(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load log config failed, use default.err:%v\n", err)
			lc = config.GetDefLogConf()
		}

		lg, err := OpenLog(lc, logDir)
		if err != nil {
			panic(fmt.Sprintf("open log failed.err:%v", err))
		}
		logConf = lc
		logHandle = lg
	})
}

// OpenLog create and open log stream using LogConf
func OpenLog(lc *config.LogConf, logDir string) (LogDriver, error) {
	if lc == nil {
		return nil, fmt.Errorf("log config is nil")
	}
	if err := os.MkdirAll(logDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("make log dir failed.err:%v", err)
	}
	infoFile := filepath.Join(logDir, lc.Filename+".log")
	wfFile := filepath.Join(logDir, lc.Filename+".log.wf")

	lfmt := log.LogfmtFormat()
	switch lc.Fmt {
	case "json":
		lfmt = log.JsonFormat()
	}

	xlog := log.New("module", lc.Module)
	lvLevel, err := log.LvlFromString(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("log level error.err:%v", err)
	}
	// set lowest level as level limit, this may improve performance
	xlog.SetLevelLimit(lvLevel)

	// RotateFileHandler only valid if `RotateInterval` and `RotateBackups` greater than 0
	var (
		nmHandler log.Handler
		wfHandler log.Handler
	)
	if lc.RotateInterval > 0 && lc.RotateBackups > 0 {
		if lc.Async {
			nmHandler = mustBufferFileHandler(infoFile, lfmt, lc.RotateInterval, lc.RotateBackups)
			wfHandler = mustBufferFileHandler(wfFile, lfmt, lc.RotateInterval, lc.RotateBackups)
		} else {
			nmHandler = log.Must.RotateFileHandler(infoFile, lfmt, lc.RotateInterval, lc.RotateBackups)
			wfHandler = log.Must.RotateFileHandler(wfFile, lfmt, lc.RotateInterval, lc.RotateBackups)
		}
	} else {
		nmHandler = log.Must.FileHandler(infoFile, lfmt)
		wfHandler = log.Must.FileHandler(wfFile, lfmt)
		if lc.Async {
			nmHandler = log.BufferedHandler(lc.BufSize, nmHandler)
			wfHandler = log.BufferedHandler(lc.BufSize, wfHandler)
		}
	}

	// prints log level between `lvLevel` to Info to common log
	nmfileh := log.BoundLvlFilterHandler(lvLevel, log.LvlError, nmHandler)
	// prints log level greater or equal to Warn to wf log
	wffileh := log.LvlFilterHandler(log.LvlWarn, wfHandler)

	var lhd log.Handler
	if lc.Console {
		hstd := log.StreamHandler(os.Stderr, lfmt)
		lhd = log.SyncHandler(log.MultiHandler(hstd, nmfileh, wffileh))
	} else {
		lhd = log.SyncHandler(log.MultiHandler(nmfileh, wffileh))
	}
	xlog.SetHandler(lhd)

	return xlog, nil
}

// 未初始化时使用标准错误输出，方便单测和工具类场景
func getDriver() LogDriver {
	if logHandle != nil {
		return logHandle
	}

	consoleMu.Lock()
	defer consoleMu.Unlock()
	if console == nil {
		xlog := log.New("module", config.GetDefLogConf().Module)
		xlog.SetHandler(log.StreamHandler(os.Stderr, log.LogfmtFormat()))
		console = xlog
	}
	return console
}

// GenLogId generate a log id for a request
func GenLogId() string {
	return utils.GenLogId()
}
