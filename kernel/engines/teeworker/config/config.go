package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/xuperchain/teeworker/lib/utils"
)

const (
	DefaultReadyLimit     = 8192
	DefaultPendingLimit   = 8192
	DefaultBanTime        = 30 * time.Minute
	DefaultWorkers        = 2
	DefaultQueueCapacity  = 128
	DefaultFilterPolicy   = "all"
	DefaultBlockInterval  = 6 * time.Second
	DefaultMetadataFile   = "metadata.yaml"
	DefaultKVEngine       = "leveldb"
	DefaultMemCacheSize   = 128
	DefaultFileHandles    = 512
	DefaultNonceCacheSize = 4096
	DefaultRsaBits        = 3072
	DefaultBroadcastCap   = 256
	DefaultParentchainCap = 64
)

// WorkerConf worker.yaml
type WorkerConf struct {
	// 每个shard的ready/pending上限
	ReadyLimit   int           `mapstructure:"ready_limit"`
	PendingLimit int           `mapstructure:"pending_limit"`
	BanTime      time.Duration `mapstructure:"ban_time"`

	// task receiver
	Workers       int `mapstructure:"workers"`
	QueueCapacity int `mapstructure:"queue_capacity"`

	// all | indirect | direct | getter | deny
	SubmitFilter    string `mapstructure:"submit_filter"`
	BroadcastFilter string `mapstructure:"broadcast_filter"`
	// 广播队列长度
	BroadcastCapacity int `mapstructure:"broadcast_capacity"`

	BlockInterval time.Duration `mapstructure:"block_interval"`
	// 相对conf目录
	MetadataFile string `mapstructure:"metadata_file"`
	// 不识别任何indirect call
	DenyIndirect      bool `mapstructure:"deny_indirect"`
	ParentchainBuffer int  `mapstructure:"parentchain_buffer"`

	KVEngine       string `mapstructure:"kv_engine"`
	MemCacheSize   int    `mapstructure:"mem_cache_size"`
	FileHandles    int    `mapstructure:"file_handles"`
	NonceCacheSize int    `mapstructure:"nonce_cache_size"`
	RsaBits        int    `mapstructure:"rsa_bits"`

	// 启动时初始化的shard，hex
	Shards []string `mapstructure:"shards"`
	// enclave度量值，hex，为空时由shielding key派生
	Mrenclave string `mapstructure:"mrenclave"`
}

func LoadWorkerConf(cfgFile string) (*WorkerConf, error) {
	cfg := GetDefWorkerConf()
	if err := cfg.loadConf(cfgFile); err != nil {
		return nil, fmt.Errorf("load worker config failed.err:%s", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func GetDefWorkerConf() *WorkerConf {
	return &WorkerConf{
		ReadyLimit:        DefaultReadyLimit,
		PendingLimit:      DefaultPendingLimit,
		BanTime:           DefaultBanTime,
		Workers:           DefaultWorkers,
		QueueCapacity:     DefaultQueueCapacity,
		SubmitFilter:      DefaultFilterPolicy,
		BroadcastFilter:   DefaultFilterPolicy,
		BroadcastCapacity: DefaultBroadcastCap,
		BlockInterval:     DefaultBlockInterval,
		MetadataFile:      DefaultMetadataFile,
		ParentchainBuffer: DefaultParentchainCap,
		KVEngine:          DefaultKVEngine,
		MemCacheSize:      DefaultMemCacheSize,
		FileHandles:       DefaultFileHandles,
		NonceCacheSize:    DefaultNonceCacheSize,
		RsaBits:           DefaultRsaBits,
	}
}

func (t *WorkerConf) Validate() error {
	if t.ReadyLimit <= 0 || t.PendingLimit <= 0 {
		return fmt.Errorf("pool limits must be positive")
	}
	if t.Workers <= 0 || t.QueueCapacity <= 0 {
		return fmt.Errorf("task receiver workers and queue_capacity must be positive")
	}
	if t.BlockInterval <= 0 {
		return fmt.Errorf("block_interval must be positive")
	}
	return nil
}

func (t *WorkerConf) loadConf(cfgFile string) error {
	if cfgFile == "" || !utils.FileIsExist(cfgFile) {
		return fmt.Errorf("config file set error.path:%s", cfgFile)
	}

	viperObj := viper.New()
	viperObj.SetConfigFile(cfgFile)
	err := viperObj.ReadInConfig()
	if err != nil {
		return fmt.Errorf("read config failed.path:%s,err:%v", cfgFile, err)
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err = viperObj.Unmarshal(t, hook); err != nil {
		return fmt.Errorf("unmatshal config failed.path:%s,err:%v", cfgFile, err)
	}

	return nil
}
