package teeworker

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	hex "github.com/tmthrgd/go-hex"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/def"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/utils"
)

// 加载enclave账户种子，不存在时生成并落盘
func loadEnclaveSigner(keyDir string) (*top.Ed25519Signer, error) {
	path := filepath.Join(keyDir, def.EnclaveSeedFile)
	if utils.FileIsExist(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("invalid enclave seed file.path:%s", path)
		}
		return top.NewEd25519Signer(seed)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("save enclave seed failed.path:%s,err:%v", path, err)
	}
	return top.NewEd25519Signer(seed)
}
