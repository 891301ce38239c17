package indirect

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/xuperchain/teeworker/lib/utils"
)

// 识别的pallet及call
const (
	PalletTeebag             = "Teebag"
	PalletBitacross          = "Bitacross"
	PalletBalances           = "Balances"
	PalletTeerex             = "Teerex"
	PalletIdentityManagement = "IdentityManagement"
	PalletVCManagement       = "VCManagement"
	PalletUtility            = "Utility"

	CallSetScheduledEnclave    = "set_scheduled_enclave"
	CallRemoveScheduledEnclave = "remove_scheduled_enclave"
	CallAddRelayer             = "add_relayer"
	CallRemoveRelayer          = "remove_relayer"
	CallShieldFunds            = "shield_funds"
	CallCallWorker             = "call_worker"
	CallLinkIdentity           = "link_identity"
	CallRequestVC              = "request_vc"
	CallBatchAll               = "batch_all"
)

// Metadata 提供parentchain call index查询
type Metadata interface {
	CallIndexes(pallet, method string) ([2]byte, error)
}

type PalletMeta struct {
	Index uint8            `mapstructure:"index"`
	Calls map[string]uint8 `mapstructure:"calls"`
}

// NodeMetadata 静态配置的parentchain metadata
type NodeMetadata struct {
	Pallets map[string]PalletMeta `mapstructure:"pallets"`
}

func NewNodeMetadata(pallets map[string]PalletMeta) *NodeMetadata {
	return &NodeMetadata{Pallets: pallets}
}

// LoadNodeMetadata 从metadata.yaml加载
func LoadNodeMetadata(cfgFile string) (*NodeMetadata, error) {
	if cfgFile == "" || !utils.FileIsExist(cfgFile) {
		return nil, fmt.Errorf("metadata file set error.path:%s", cfgFile)
	}

	viperObj := viper.New()
	viperObj.SetConfigFile(cfgFile)
	if err := viperObj.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read metadata failed.path:%s,err:%v", cfgFile, err)
	}

	// viper会把key转成小写，pallet名查找时大小写不敏感
	md := &NodeMetadata{}
	if err := viperObj.Unmarshal(md); err != nil {
		return nil, fmt.Errorf("unmarshal metadata failed.path:%s,err:%v", cfgFile, err)
	}
	if len(md.Pallets) == 0 {
		return nil, fmt.Errorf("metadata has no pallets.path:%s", cfgFile)
	}
	return md, nil
}

// CallIndexes pallet名大小写不敏感
func (t *NodeMetadata) CallIndexes(pallet, method string) ([2]byte, error) {
	pm, ok := t.lookup(pallet)
	if !ok {
		return [2]byte{}, fmt.Errorf("pallet %s not found in metadata", pallet)
	}
	idx, ok := pm.Calls[method]
	if !ok {
		return [2]byte{}, fmt.Errorf("call %s.%s not found in metadata", pallet, method)
	}
	return [2]byte{pm.Index, idx}, nil
}

func (t *NodeMetadata) lookup(pallet string) (PalletMeta, bool) {
	if pm, ok := t.Pallets[pallet]; ok {
		return pm, true
	}
	for name, pm := range t.Pallets {
		if strings.EqualFold(name, pallet) {
			return pm, true
		}
	}
	return PalletMeta{}, false
}
