package config

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/xuperchain/teeworker/lib/utils"
)

const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 2000
	DefaultMetricPort   = 2001
	DefaultMaxMsgSize   = "4MB"
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultConnTTL      = 10 * time.Minute
	DefaultRateLimit    = 100
	DefaultRateBurst    = 200
)

// ServConf server.yaml
type ServConf struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	MetricPort int    `mapstructure:"metric_port"`
	// 单条websocket消息上限，如4MB
	MaxMsgSize   string        `mapstructure:"max_msg_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// watcher连接在registry中保留的时间
	ConnTTL time.Duration `mapstructure:"conn_ttl"`
	// 每个连接每秒请求数
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
	// 开启metric端口
	EnableMetric bool `mapstructure:"enable_metric"`

	maxMsgBytes int64
}

func LoadServConf(cfgFile string) (*ServConf, error) {
	cfg := GetDefServConf()
	if err := cfg.loadConf(cfgFile); err != nil {
		return nil, fmt.Errorf("load server config failed.err:%s", err)
	}
	if err := cfg.parse(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func GetDefServConf() *ServConf {
	cfg := &ServConf{
		Host:         DefaultHost,
		Port:         DefaultPort,
		MetricPort:   DefaultMetricPort,
		MaxMsgSize:   DefaultMaxMsgSize,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		ConnTTL:      DefaultConnTTL,
		RateLimit:    DefaultRateLimit,
		RateBurst:    DefaultRateBurst,
		EnableMetric: true,
	}
	cfg.parse()
	return cfg
}

func (t *ServConf) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

func (t *ServConf) MetricAddr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.MetricPort)
}

// MaxMsgBytes MaxMsgSize解析后的字节数
func (t *ServConf) MaxMsgBytes() int64 {
	return t.maxMsgBytes
}

func (t *ServConf) parse() error {
	size, err := units.RAMInBytes(t.MaxMsgSize)
	if err != nil {
		return fmt.Errorf("invalid max_msg_size %q: %v", t.MaxMsgSize, err)
	}
	if size <= 0 {
		return fmt.Errorf("max_msg_size must be positive")
	}
	if t.Port <= 0 || (t.EnableMetric && t.MetricPort <= 0) {
		return fmt.Errorf("invalid server port")
	}
	if t.RateLimit <= 0 || t.RateBurst <= 0 {
		return fmt.Errorf("rate_limit and rate_burst must be positive")
	}
	t.maxMsgBytes = size
	return nil
}

func (t *ServConf) loadConf(cfgFile string) error {
	if cfgFile == "" || !utils.FileIsExist(cfgFile) {
		return fmt.Errorf("config file set error.path:%s", cfgFile)
	}

	viperObj := viper.New()
	viperObj.SetConfigFile(cfgFile)
	err := viperObj.ReadInConfig()
	if err != nil {
		return fmt.Errorf("read config failed.path:%s,err:%v", cfgFile, err)
	}

	hook := viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc())
	if err = viperObj.Unmarshal(t, hook); err != nil {
		return fmt.Errorf("unmatshal config failed.path:%s,err:%v", cfgFile, err)
	}

	return nil
}
