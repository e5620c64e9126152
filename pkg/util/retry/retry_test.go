// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestDoSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errors.New("some error")
	}, Attempts(3), Sleep(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}, Attempts(3), Sleep(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestUnrecoverable(t *testing.T) {
	calls := 0
	cause := errors.New("fatal")
	err := Do(context.Background(), func() error {
		calls++
		return Unrecoverable(cause)
	}, Attempts(5), Sleep(time.Millisecond))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRecoverable(err))
	assert.Equal(t, 1, calls)
}

func TestRetryErrFilter(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errors.New("not retryable")
	}, Attempts(5), Sleep(time.Millisecond), RetryErr(func(error) bool { return false }))
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContextDoneWhileSleeping(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cause := errors.New("keep failing")
	err := Do(ctx, func() error { return cause }, AttemptAlways(), Sleep(20*time.Millisecond))
	assert.ErrorIs(t, err, cause)
}

func TestHandle(t *testing.T) {
	calls := 0
	err := Handle(context.Background(), func() (bool, error) {
		calls++
		return calls < 2, errors.New("stop after second")
	}, Attempts(5), Sleep(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}
