package config

import (
	"fmt"
	"strings"

	log "github.com/xuperchain/log15"

	"github.com/xuperchain/teeworker/lib/utils"

	"github.com/spf13/viper"
)

const (
	FmtLogfmt = "logfmt"
	FmtJson   = "json"

	// 部署在容器里时可用环境变量覆盖log.yaml中已有的配置项，如TEEWORKER_LOG_LEVEL
	EnvPrefix = "TEEWORKER_LOG"
)

// LogConf worker日志配置，对应conf/log.yaml
type LogConf struct {
	Module   string `mapstructure:"module"`
	Filename string `mapstructure:"filename"`
	// logfmt | json
	Fmt   string `mapstructure:"fmt"`
	Level string `mapstructure:"level"`
	// 分钟
	RotateInterval int `mapstructure:"rotateInterval"`
	// 保留的切分文件个数
	RotateBackups int  `mapstructure:"rotateBackups"`
	Console       bool `mapstructure:"console"`
	Async         bool `mapstructure:"async"`
	BufSize       int  `mapstructure:"bufSize"`
}

func LoadLogConf(cfgFile string) (*LogConf, error) {
	cfg := GetDefLogConf()
	if err := cfg.loadConf(cfgFile); err != nil {
		return nil, fmt.Errorf("load log config failed.err:%s", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid log config.path:%s,err:%v", cfgFile, err)
	}
	return cfg, nil
}

// GetDefLogConf 按小时切分，保留一周
func GetDefLogConf() *LogConf {
	return &LogConf{
		Module:         "teeworker",
		Filename:       "teeworker",
		Fmt:            FmtLogfmt,
		Level:          "debug",
		RotateInterval: 60,
		RotateBackups:  168,
		Console:        true,
		BufSize:        102400,
	}
}

func (t *LogConf) Validate() error {
	switch t.Fmt {
	case FmtLogfmt, FmtJson:
	default:
		return fmt.Errorf("unsupported log fmt %q", t.Fmt)
	}
	if _, err := log.LvlFromString(t.Level); err != nil {
		return err
	}
	if t.Filename == "" {
		return fmt.Errorf("log filename is empty")
	}
	if t.RotateInterval <= 0 || t.RotateBackups < 0 {
		return fmt.Errorf("bad rotate setting.interval:%d,backups:%d", t.RotateInterval, t.RotateBackups)
	}
	if t.Async && t.BufSize <= 0 {
		return fmt.Errorf("async log needs a positive buf size")
	}
	return nil
}

func (t *LogConf) loadConf(cfgFile string) error {
	if cfgFile == "" || !utils.FileIsExist(cfgFile) {
		return fmt.Errorf("config file set error.path:%s", cfgFile)
	}

	v := viper.New()
	v.SetConfigFile(cfgFile)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config failed.path:%s,err:%v", cfgFile, err)
	}
	if err := v.Unmarshal(t); err != nil {
		return fmt.Errorf("unmarshal config failed.path:%s,err:%v", cfgFile, err)
	}
	return nil
}
