package logs

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/xuperchain/teeworker/lib/logs/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWithoutInit(t *testing.T) {
	log, err := NewLogger("", "test")
	require.NoError(t, err)
	assert.NotEmpty(t, log.GetLogId())

	log.Info("info without init", "a", 1)
	log.Warn("odd ctx", 1)
}

func TestInfo(t *testing.T) {
	log, err := NewLogger("123456", "test")
	require.NoError(t, err)
	assert.Equal(t, "123456", log.GetLogId())

	wg := &sync.WaitGroup{}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(num int) {
			defer wg.Done()
			log.Info("info1", "a", 1, "b", 2, "num", num)
			log.Debug("test", "a", 1, "num", num)
			log.SetInfoField("key1", num)
			log.Info("info2", "a", true, "num", num)
		}(i)
	}
	wg.Wait()

	log.SetCommField("shard", "0x01")
	log.Debug("msg", "log_id", "123456---111111")
	log.Trace("msg")
}

func TestFmtInfoLogger(t *testing.T) {
	log, err := NewLogger("abc", "fitter")
	require.NoError(t, err)

	log.SetInfoField("k", "v")
	got := log.fmtInfoLogger("x", 1)
	assert.Contains(t, got, "k")
	assert.Equal(t, "abc", got[1])

	// info字段只输出一次
	got = log.fmtInfoLogger("x", 1)
	assert.NotContains(t, got, "k")

	// 奇数个参数补齐key
	got = log.fmtCommLogger("lonely")
	assert.Contains(t, got, "unknow")

	got = log.fmtCommLogger(CommFieldLogId, "override", "y", 2)
	assert.Equal(t, "override", got[1])
}

func TestOpenLog(t *testing.T) {
	dir := t.TempDir()
	lc := config.GetDefLogConf()
	lc.Console = false

	driver, err := OpenLog(lc, dir)
	require.NoError(t, err)
	driver.Warn("open log test", "k", "v")

	_, err = os.Stat(filepath.Join(dir, lc.Filename+".log.wf"))
	assert.NoError(t, err)

	lc.Level = "nolevel"
	_, err = OpenLog(lc, dir)
	assert.Error(t, err)
}
