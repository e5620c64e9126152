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
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/firm-gateway-go/pkg/log"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
)

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}

// Do 使用重试机制执行 fn。
// 返回 Unrecoverable 包装的错误、ctx 结束或达到最大次数时停止。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	return Handle(ctx, func() (bool, error) {
		err := fn()
		return IsRecoverable(err), err
	}, opts...)
}

// Handle 使用重试机制执行 fn，由 fn 返回的 shouldRetry 决定是否继续。
func Handle(ctx context.Context, fn func() (bool, error), opts ...Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	log := log.Ctx(ctx)
	c := newDefaultConfig()

	for _, opt := range opts {
		opt(c)
	}

	var lastErr error
	for i := uint(0); c.attempts == 0 || i < c.attempts; i++ {
		shouldRetry, err := fn()
		if err == nil {
			return nil
		}
		if i%4 == 0 {
			log.Warn("retry func failed",
				zap.Uint("retried", i),
				zap.String("caller", getCaller(3)),
				zap.Error(err),
			)
		}

		if !shouldRetry {
			isContextErr := merr.IsCanceledOrTimeout(err)
			log.Warn("retry func failed, not be recoverable",
				zap.Uint("retried", i),
				zap.Uint("attempt", c.attempts),
				zap.Bool("isContextErr", isContextErr),
			)
			if isContextErr && lastErr != nil {
				return lastErr
			}
			return err
		}
		if c.isRetryErr != nil && !c.isRetryErr(err) {
			log.Warn("retry func failed, not be retryable",
				zap.Uint("retried", i),
				zap.Uint("attempt", c.attempts),
			)
			return err
		}

		lastErr = err
		if c.attempts != 0 && i+1 >= c.attempts {
			break
		}

		deadline, ok := ctx.Deadline()
		if ok && time.Until(deadline) < c.sleep {
			log.Warn("retry func failed, deadline",
				zap.Uint("retried", i),
				zap.Uint("attempt", c.attempts),
			)
			return lastErr
		}

		timer := time.NewTimer(c.sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			log.Warn("retry func failed, ctx done",
				zap.Uint("retried", i),
				zap.Uint("attempt", c.attempts),
			)
			return lastErr
		}

		c.sleep *= 2
		if c.sleep > c.maxSleepTime {
			c.sleep = c.maxSleepTime
		}
	}
	log.Warn("retry func failed, reach max retry",
		zap.Uint("attempt", c.attempts),
	)
	return lastErr
}

var errUnrecoverable = errors.New("unrecoverable error")

// Unrecoverable 将错误标记为不可恢复，重试逻辑会立即返回。
func Unrecoverable(err error) error {
	return merr.Combine(err, errUnrecoverable)
}

// IsRecoverable 判断错误是否可以继续重试。
func IsRecoverable(err error) bool {
	return !errors.Is(err, errUnrecoverable)
}
