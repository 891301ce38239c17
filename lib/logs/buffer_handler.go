package logs

import (
	"bufio"
	"sync"
	"time"

	log "github.com/xuperchain/log15"
)

const flushInterval = time.Second

func mustBufferFileHandler(path string, fmtr log.Format, interval int, backupCount int) log.Handler {
	h, err := bufferFileHandler(path, fmtr, interval, backupCount)
	if err != nil {
		panic(err)
	}
	return h
}

type syncWriter struct {
	mutex sync.Mutex
	w     *bufio.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.w.Write(p)
}

func (s *syncWriter) Flush() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.w.Flush()
}

// 异步模式下写入带缓冲的轮转文件，后台每秒刷盘
func bufferFileHandler(path string, fmtr log.Format, interval int, backupCount int) (log.Handler, error) {
	f, err := log.NewTimeRotateWriter(path, interval, backupCount)
	if err != nil {
		return nil, err
	}
	w := &syncWriter{w: bufio.NewWriter(f)}

	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for range ticker.C {
			w.Flush()
		}
	}()

	return log.FuncHandler(func(r *log.Record) error {
		_, err := w.Write(fmtr.Format(r))
		return err
	}), nil
}
