// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// 叶子错误统一在此定义，新增前先确认现有错误是否可复用。
// 命名规则：Err + 分类前缀 + 错误名
var (
	// Service related
	ErrServiceNotReady    = newFirmError("service not ready", 1, true)
	ErrServiceUnavailable = newFirmError("service unavailable", 2, true)
	ErrServiceInternal    = newFirmError("service internal error", 5, false)
	ErrServiceRateLimit   = newFirmError("rate limit exceeded", 8, true)

	// IO related
	ErrIoKeyNotFound = newFirmError("key not found", 1000, false)
	ErrIoFailed      = newFirmError("IO failed", 1001, false)

	// Parameter related
	ErrParameterInvalid  = newFirmError("invalid parameter", 1100, false, WithErrorType(InputError))
	ErrParameterMissing  = newFirmError("missing parameter", 1101, false, WithErrorType(InputError))
	ErrParameterTooLarge = newFirmError("parameter too large", 1102, false, WithErrorType(InputError))

	// Firm session related
	ErrFirmNotConnected  = newFirmError("firm not connected", 1500, false, WithErrorType(InputError))
	ErrLoginCodeNotFound = newFirmError("login code not found", 1501, false)
	ErrFirmTerminated    = newFirmError("firm session terminated", 1502, false)

	// Snapshot / persistence related
	ErrSnapshotInvalid = newFirmError("invalid credential snapshot", 1600, false)
	ErrPersistFailed   = newFirmError("persist session record failed", 1601, true)
	ErrStoreConflict   = newFirmError("session record modified concurrently", 1602, true)

	// Protocol related
	ErrProtocol       = newFirmError("protocol error", 1700, false)
	ErrProtocolClosed = newFirmError("protocol connection closed", 1701, false)
	ErrDialFailed     = newFirmError("protocol dial failed", 1702, true)

	// General
	ErrOperationNotSupported = newFirmError("unsupported operation", 3000, false)

	// 不导出，仅用于把未知错误转换为 firmError
	errUnexpected = newFirmError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*firmError)

func WithDetail(detail string) errorOption {
	return func(err *firmError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *firmError) {
		err.errType = etype
	}
}

type firmError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newFirmError(msg string, code int32, retriable bool, options ...errorOption) firmError {
	err := firmError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e firmError) code() int32 {
	return e.errCode
}

func (e firmError) Error() string {
	return e.msg
}

func (e firmError) Detail() string {
	return e.detail
}

func (e firmError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(firmError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// 多错误的 cause 定义为最后一个错误
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
