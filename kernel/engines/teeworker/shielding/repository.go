package shielding

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/lib/utils"
)

const (
	SealingKeyFile   = "sealing.key"
	ShieldingKeyFile = "shielding_rsa.sealed"
)

// Codec shielding编解码
type Codec = common.ShieldingCrypto

// FileKeyRepository 从keys目录加载shielding key，不存在时生成并封存
// rsa私钥使用sealing key做AES-GCM封存后落盘
type FileKeyRepository struct {
	keyDir string
	bits   int

	lock       sync.RWMutex
	sealingKey *AesKey
	shielding  *RsaShieldingKey
}

func NewFileKeyRepository(keyDir string, bits int) (*FileKeyRepository, error) {
	if keyDir == "" {
		return nil, fmt.Errorf("key dir not set")
	}
	if bits <= 0 {
		bits = DefaultRsaBits
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir failed.err:%v", err)
	}

	repo := &FileKeyRepository{keyDir: keyDir, bits: bits}
	if err := repo.loadOrCreate(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (t *FileKeyRepository) RetrieveKey() (common.ShieldingCrypto, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.shielding == nil {
		return nil, common.ErrInternal.More("shielding key not loaded")
	}
	return t.shielding, nil
}

// ShieldingPublicKey the public part clients encrypt requests with
func (t *FileKeyRepository) ShieldingPublicKey() (*RsaPublicKey, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.shielding == nil {
		return nil, common.ErrInternal.More("shielding key not loaded")
	}
	return t.shielding.PublicKey(), nil
}

// Rotate 生成新的shielding key并覆盖落盘
func (t *FileKeyRepository) Rotate() error {
	key, err := GenerateRsaShieldingKey(t.bits)
	if err != nil {
		return err
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.persistShielding(key); err != nil {
		return err
	}
	t.shielding = key
	return nil
}

func (t *FileKeyRepository) loadOrCreate() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	sealingPath := filepath.Join(t.keyDir, SealingKeyFile)
	if utils.FileIsExist(sealingPath) {
		raw, err := os.ReadFile(sealingPath)
		if err != nil {
			return fmt.Errorf("read sealing key failed.err:%v", err)
		}
		if t.sealingKey, err = NewAesKey(raw); err != nil {
			return err
		}
	} else {
		key, err := GenerateAesKey()
		if err != nil {
			return err
		}
		if err := os.WriteFile(sealingPath, key.Bytes(), 0600); err != nil {
			return fmt.Errorf("write sealing key failed.err:%v", err)
		}
		t.sealingKey = key
	}

	shieldingPath := filepath.Join(t.keyDir, ShieldingKeyFile)
	if !utils.FileIsExist(shieldingPath) {
		key, err := GenerateRsaShieldingKey(t.bits)
		if err != nil {
			return err
		}
		if err := t.persistShielding(key); err != nil {
			return err
		}
		t.shielding = key
		return nil
	}

	sealed, err := os.ReadFile(shieldingPath)
	if err != nil {
		return fmt.Errorf("read shielding key failed.err:%v", err)
	}
	der, err := t.sealingKey.Decrypt(sealed)
	if err != nil {
		return fmt.Errorf("unseal shielding key failed")
	}
	key, err := ParseRsaShieldingKey(der)
	if err != nil {
		return fmt.Errorf("parse shielding key failed.err:%v", err)
	}
	t.shielding = key
	return nil
}

func (t *FileKeyRepository) persistShielding(key *RsaShieldingKey) error {
	sealed, err := t.sealingKey.Encrypt(key.Marshal())
	if err != nil {
		return err
	}
	path := filepath.Join(t.keyDir, ShieldingKeyFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return fmt.Errorf("write shielding key failed.err:%v", err)
	}
	return os.Rename(tmp, path)
}

// StaticKeyRepository 固定返回给定key，Err非空时返回Err
type StaticKeyRepository struct {
	Key common.ShieldingCrypto
	Err error
}

func (t *StaticKeyRepository) RetrieveKey() (common.ShieldingCrypto, error) {
	if t.Err != nil {
		return nil, t.Err
	}
	return t.Key, nil
}
