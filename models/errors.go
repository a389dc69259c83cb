package models

import (
	"github.com/pkg/errors"
)

// 编辑器错误类型，调用方使用 errors.Is 判断
var (
	ErrInvalidCoordinate    = errors.New("invalid coordinate")
	ErrInvalidCrsIdentifier = errors.New("invalid crs identifier")
	ErrInsufficientPoints   = errors.New("insufficient points")
	ErrUnrecognizedFormat   = errors.New("unrecognized format")
	ErrValidationFailed     = errors.New("validation failed")
	ErrNetworkFailure       = errors.New("network failure")
	ErrAuthExpired          = errors.New("auth expired")

	ErrNoEntry             = errors.New("no draw entry")
	ErrSaveInFlight        = errors.New("save already in flight")
	ErrUnsupportedGeometry = errors.New("unsupported geometry")
	ErrNotSaved            = errors.New("zone is not saved")
	ErrNoConflict          = errors.New("no conflict loaded")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidCoordinate, "InvalidCoordinate"},
	{ErrInvalidCrsIdentifier, "InvalidCrsIdentifier"},
	{ErrInsufficientPoints, "InsufficientPoints"},
	{ErrUnrecognizedFormat, "UnrecognizedFormat"},
	{ErrValidationFailed, "ValidationFailed"},
	{ErrNetworkFailure, "NetworkFailure"},
	{ErrAuthExpired, "AuthExpired"},
	{ErrNoEntry, "NoEntry"},
	{ErrSaveInFlight, "SaveInFlight"},
	{ErrUnsupportedGeometry, "UnsupportedGeometry"},
	{ErrNotSaved, "NotSaved"},
	{ErrNoConflict, "NoConflict"},
}

// ErrorKind 返回错误对应的稳定类型名，用于接口响应
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}

// IsRetryable 网络类错误可重试，本地输入错误需要用户修正
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure) || errors.Is(err, ErrAuthExpired)
}
