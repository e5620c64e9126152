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
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case firmError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(firmError); ok {
		return err.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func GetErrorType(err error) ErrorType {
	if merr, ok := errors.Cause(err).(firmError); ok {
		return merr.errType
	}

	return SystemError
}

// HTTPStatus 将错误映射为 HTTP 状态码，nil 对应 200。
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch Code(err) {
	case ErrParameterInvalid.errCode, ErrParameterMissing.errCode, ErrFirmNotConnected.errCode:
		return http.StatusBadRequest
	case ErrParameterTooLarge.errCode:
		return http.StatusRequestEntityTooLarge
	case ErrLoginCodeNotFound.errCode, ErrIoKeyNotFound.errCode:
		return http.StatusNotFound
	case ErrServiceNotReady.errCode, ErrServiceUnavailable.errCode:
		return http.StatusServiceUnavailable
	case ErrServiceRateLimit.errCode:
		return http.StatusTooManyRequests
	case TimeoutCode:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Message 返回最外层之下的错误描述，便于对外展示。
func Message(err error) string {
	if err == nil {
		return ""
	}
	return previousLastError(err).Error()
}

func previousLastError(err error) error {
	lastErr := err
	for {
		nextErr := errors.Unwrap(err)
		if nextErr == nil {
			break
		}
		lastErr = err
		err = nextErr
	}
	return lastErr
}

func wrapMsg(err error, msg []string) error {
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Service 相关错误封装。
func WrapErrServiceNotReady(state string, msg ...string) error {
	return wrapMsg(wrapFieldsWithDesc(ErrServiceNotReady, state), msg)
}

func WrapErrServiceUnavailable(reason string, msg ...string) error {
	return wrapMsg(wrapFieldsWithDesc(ErrServiceUnavailable, reason), msg)
}

func WrapErrServiceInternal(reason string, msg ...string) error {
	return wrapMsg(wrapFieldsWithDesc(ErrServiceInternal, reason), msg)
}

// IO 相关错误封装。
func WrapErrIoKeyNotFound(key string, msg ...string) error {
	return wrapMsg(wrapFields(ErrIoKeyNotFound, value("key", key)), msg)
}

func WrapErrIoFailed(key string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrIoFailed, err.Error(), value("key", key))
}

// 参数相关错误封装。
func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	return wrapMsg(wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	), msg)
}

func WrapErrParameterInvalidMsg(fmtMsg string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmtMsg, args...)
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	return wrapMsg(wrapFields(ErrParameterMissing, value("missing_param", param)), msg)
}

func WrapErrParameterTooLarge(name string, msg ...string) error {
	return wrapMsg(wrapFields(ErrParameterTooLarge, value("message", name)), msg)
}

// Firm session 相关错误封装。
func WrapErrFirmNotConnected(firmID string, msg ...string) error {
	return wrapMsg(wrapFields(ErrFirmNotConnected, value("firm", firmID)), msg)
}

func WrapErrLoginCodeNotFound(firmID string, msg ...string) error {
	return wrapMsg(wrapFields(ErrLoginCodeNotFound, value("firm", firmID)), msg)
}

func WrapErrFirmTerminated(firmID string, reason string) error {
	return wrapFieldsWithDesc(ErrFirmTerminated, reason, value("firm", firmID))
}

// Snapshot / persistence 相关错误封装。
func WrapErrSnapshotInvalid(reason string, msg ...string) error {
	return wrapMsg(wrapFieldsWithDesc(ErrSnapshotInvalid, reason), msg)
}

func WrapErrPersistFailed(firmID string, err error) error {
	if err == nil {
		return nil
	}
	return Combine(err, wrapFields(ErrPersistFailed, value("firm", firmID)))
}

func WrapErrStoreConflict(key string, msg ...string) error {
	return wrapMsg(wrapFields(ErrStoreConflict, value("key", key)), msg)
}

// Protocol 相关错误封装。
func WrapErrProtocol(op string, err error) error {
	if err == nil {
		return nil
	}
	return Combine(err, wrapFields(ErrProtocol, value("op", op)))
}

func WrapErrProtocolClosed(firmID string, msg ...string) error {
	return wrapMsg(wrapFields(ErrProtocolClosed, value("firm", firmID)), msg)
}

func WrapErrDialFailed(firmID string, err error) error {
	if err == nil {
		return nil
	}
	return Combine(err, wrapFields(ErrDialFailed, value("firm", firmID)))
}

func WrapErrOperationNotSupported(op string, msg ...string) error {
	return wrapMsg(wrapFields(ErrOperationNotSupported, value("op", op)), msg)
}

func wrapFields(err firmError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err firmError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}
