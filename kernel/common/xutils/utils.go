package xutils

import (
	"os"
	"path/filepath"

	"github.com/xuperchain/teeworker/lib/utils"
)

const (
	// 进程根目录环境变量，优先级高于配置文件
	XEnvVarRootPath = "TEE_ROOT_PATH"
)

// GetXRootPath returns $TEE_ROOT_PATH when it points at an existing dir
func GetXRootPath() string {
	rtPath := os.Getenv(XEnvVarRootPath)
	if rtPath != "" && utils.FileIsExist(rtPath) {
		return rtPath
	}

	return ""
}

// GetCurRootDir bin文件所在目录的上级目录
func GetCurRootDir() string {
	return filepath.Dir(utils.GetCurExecDir())
}
