package common

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// 处理成功类
	ErrStatusSucc = 200
	// 拒绝处理类错误状态
	ErrStatusRefused = 400
	// 内部错误类错误状态
	ErrStatusInternalErr = 500
)

// ErrorKind 对rpc调用方暴露的稳定错误分类，不携带内部错误细节
type ErrorKind string

const (
	KindSuccess                 ErrorKind = "Success"
	KindBadFormat               ErrorKind = "BadFormat"
	KindBadFormatDecipher       ErrorKind = "BadFormatDecipher"
	KindInvalidShard            ErrorKind = "InvalidShard"
	KindUnsupportedOperation    ErrorKind = "UnsupportedOperation"
	KindUnauthorized            ErrorKind = "Unauthorized"
	KindInvalidTrustedOperation ErrorKind = "InvalidTrustedOperation"
	KindStaleNonce              ErrorKind = "StaleNonce"
	KindPoolFull                ErrorKind = "PoolFull"
	KindInternal                ErrorKind = "Internal"
)

type Error struct {
	// 用于统计和监控的错误分类（类似http的2xx、4xx、5xx）
	Status int
	// 用于标识具体错误的详细错误码
	Code int
	// 对外暴露的错误分类
	Kind ErrorKind
	// 用于说明具体错误的说明信息
	Msg string
}

func CastError(err error) *Error {
	return CastErrorDefault(err, ErrUnknown)
}

// CastErrorDefault unwraps pkg/errors wrappers before falling back to defaultErr
func CastErrorDefault(err error, defaultErr *Error) *Error {
	if err == nil {
		return nil
	}
	if defErr, ok := errors.Cause(err).(*Error); ok {
		return defErr
	}

	return defaultErr.More("%v", err)
}

// KindOf maps any error to the stable kind returned to rpc callers
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindSuccess
	}
	return CastError(err).Kind
}

func (t *Error) Error() string {
	return fmt.Sprintf("Err:%d-%d-%s", t.Status, t.Code, t.Msg)
}

func (t *Error) More(format string, args ...interface{}) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	return &Error{t.Status, t.Code, t.Kind, t.Msg + "+" + msg}
}

func (t *Error) Equal(rhs *Error) bool {
	if rhs == nil {
		return false
	}

	return t.Code == rhs.Code
}

// Is lets errors.Is match errors derived by More
func (t *Error) Is(target error) bool {
	rhs, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Equal(rhs)
}

// define std error
var (
	ErrSuccess   = &Error{ErrStatusSucc, 0, KindSuccess, "success"}
	ErrInternal  = &Error{ErrStatusInternalErr, 50000, KindInternal, "internal error"}
	ErrUnknown   = &Error{ErrStatusInternalErr, 50001, KindInternal, "unknown error"}
	ErrParameter = &Error{ErrStatusRefused, 40001, KindBadFormat, "param error"}

	// admission
	ErrInvalidShard         = &Error{ErrStatusRefused, 40201, KindInvalidShard, "invalid shard"}
	ErrBadFormatDecipher    = &Error{ErrStatusRefused, 40202, KindBadFormatDecipher, "bad format decipher"}
	ErrBadFormat            = &Error{ErrStatusRefused, 40203, KindBadFormat, "bad format"}
	ErrUnsupportedOperation = &Error{ErrStatusRefused, 40204, KindUnsupportedOperation, "unsupported operation"}
	ErrUnauthorized         = &Error{ErrStatusRefused, 40100, KindUnauthorized, "unauthorized"}
	ErrNotRelayer           = &Error{ErrStatusRefused, 40101, KindUnauthorized, "Unauthorized: Signer is not a valid relayer"}

	// pool
	ErrInvalidTrustedOperation = &Error{ErrStatusRefused, 40211, KindInvalidTrustedOperation, "invalid trusted operation"}
	ErrStaleNonce              = &Error{ErrStatusRefused, 40212, KindStaleNonce, "stale nonce"}
	ErrPoolFull                = &Error{ErrStatusRefused, 40213, KindPoolFull, "pool is full"}
	ErrTemporarilyBanned       = &Error{ErrStatusRefused, 40214, KindInvalidTrustedOperation, "operation temporarily banned"}
	ErrOperationNotFound       = &Error{ErrStatusRefused, 40215, KindInvalidTrustedOperation, "operation not in pool"}

	// execution
	ErrInvalidNonce     = &Error{ErrStatusRefused, 40221, KindInvalidTrustedOperation, "invalid nonce"}
	ErrInvalidSignature = &Error{ErrStatusRefused, 40222, KindInvalidTrustedOperation, "invalid signature"}
	ErrUnknownMethod    = &Error{ErrStatusRefused, 40223, KindUnsupportedOperation, "unknown method"}
	ErrExecuteFailed    = &Error{ErrStatusInternalErr, 50021, KindInternal, "execute trusted call failed"}

	// storage
	ErrStorage = &Error{ErrStatusInternalErr, 50031, KindInternal, "storage error"}
)
