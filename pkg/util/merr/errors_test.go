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
	"net/http"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrFirmNotConnected("firm-1")
	err = errors.Wrap(err, "failed to send message")
	s.ErrorIs(err, ErrFirmNotConnected)
	s.Equal(Code(ErrFirmNotConnected), Code(err))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errUnexpected))
	s.Equal(errUnexpected.errCode, Code(errors.New("plain")))

	sameCodeErr := newFirmError("new error", ErrFirmNotConnected.errCode, false)
	s.True(sameCodeErr.Is(ErrFirmNotConnected))
}

func (s *ErrSuite) TestWrap() {
	s.ErrorIs(WrapErrServiceNotReady("initializing"), ErrServiceNotReady)
	s.ErrorIs(WrapErrServiceUnavailable("shutting down"), ErrServiceUnavailable)
	s.ErrorIs(WrapErrServiceInternal("never throw out"), ErrServiceInternal)

	s.ErrorIs(WrapErrIoKeyNotFound("creds", "failed to read"), ErrIoKeyNotFound)
	s.ErrorIs(WrapErrIoFailed("creds", os.ErrClosed), ErrIoFailed)
	s.Nil(WrapErrIoFailed("creds", nil))

	s.ErrorIs(WrapErrParameterInvalid("object", "array", "credentials"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterInvalidMsg("bad %s", "number"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterMissing("tenantId"), ErrParameterMissing)
	s.ErrorIs(WrapErrParameterTooLarge("file"), ErrParameterTooLarge)

	s.ErrorIs(WrapErrFirmNotConnected("firm-1"), ErrFirmNotConnected)
	s.ErrorIs(WrapErrLoginCodeNotFound("firm-1"), ErrLoginCodeNotFound)
	s.ErrorIs(WrapErrFirmTerminated("firm-1", "logged out"), ErrFirmTerminated)

	s.ErrorIs(WrapErrSnapshotInvalid("credentials must be an object"), ErrSnapshotInvalid)
	s.ErrorIs(WrapErrStoreConflict("/firm-session/a"), ErrStoreConflict)
	s.ErrorIs(WrapErrOperationNotSupported("logout"), ErrOperationNotSupported)
}

func (s *ErrSuite) TestWrapCombined() {
	cause := errors.New("connection reset")

	err := WrapErrProtocol("send", cause)
	s.ErrorIs(err, ErrProtocol)
	s.ErrorIs(err, cause)
	s.Equal(Code(ErrProtocol), Code(err))

	err = WrapErrPersistFailed("firm-1", cause)
	s.ErrorIs(err, ErrPersistFailed)
	s.True(IsRetryableErr(err))

	err = WrapErrDialFailed("firm-1", cause)
	s.ErrorIs(err, ErrDialFailed)
	s.Nil(WrapErrProtocol("send", nil))
}

func (s *ErrSuite) TestHTTPStatus() {
	s.Equal(http.StatusOK, HTTPStatus(nil))
	s.Equal(http.StatusBadRequest, HTTPStatus(WrapErrParameterMissing("tenantId")))
	s.Equal(http.StatusBadRequest, HTTPStatus(WrapErrFirmNotConnected("firm-1")))
	s.Equal(http.StatusNotFound, HTTPStatus(WrapErrLoginCodeNotFound("firm-1")))
	s.Equal(http.StatusInternalServerError, HTTPStatus(WrapErrProtocol("send", errors.New("x"))))
	s.Equal(http.StatusInternalServerError, HTTPStatus(errors.New("unknown")))
	s.Equal(http.StatusRequestEntityTooLarge, HTTPStatus(WrapErrParameterTooLarge("file")))
}

func (s *ErrSuite) TestErrorType() {
	s.Equal(InputError, GetErrorType(WrapErrParameterMissing("tenantId")))
	s.Equal(SystemError, GetErrorType(WrapErrProtocol("send", errors.New("x"))))
	s.Equal(SystemError, GetErrorType(errors.New("plain")))
	s.True(IsCanceledOrTimeout(errors.Wrap(context.Canceled, "stop")))
}

func (s *ErrSuite) TestMessage() {
	s.Equal("", Message(nil))
	s.Equal("missing parameter[missing_param=tenantId]", Message(WrapErrParameterMissing("tenantId")))
}

func (s *ErrSuite) TestCombine() {
	var (
		errFirst  = errors.New("first")
		errSecond = errors.New("second")
		errThird  = errors.New("third")
	)

	err := Combine(errFirst, errSecond)
	s.True(errors.Is(err, errFirst))
	s.True(errors.Is(err, errSecond))
	s.False(errors.Is(err, errThird))

	s.Equal("first: second", err.Error())
}

func (s *ErrSuite) TestCombineWithNil() {
	err := errors.New("non-nil")

	err = Combine(nil, err)
	s.NotNil(err)
}

func (s *ErrSuite) TestCombineOnlyNil() {
	err := Combine(nil, nil)
	s.Nil(err)
}

func (s *ErrSuite) TestCombineCode() {
	err := Combine(WrapErrLoginCodeNotFound("a"), WrapErrFirmNotConnected("b"))
	s.Equal(Code(ErrFirmNotConnected), Code(err))
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
