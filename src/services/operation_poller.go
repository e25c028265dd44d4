package services

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"k8s.io/utils/clock"

	"me.sttot/gclb-cert/src/models"
	"me.sttot/gclb-cert/src/utils"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 300 * time.Second
)

// PollerOptions 轮询参数
type PollerOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
}

// OperationPoller 等待长时操作完成或超时
type OperationPoller struct {
	waiter   OperationWaiter
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
}

func NewOperationPoller(waiter OperationWaiter, opts PollerOptions) *OperationPoller {
	p := &OperationPoller{
		waiter:   waiter,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		clock:    opts.Clock,
	}
	if p.interval <= 0 {
		p.interval = DefaultPollInterval
	}
	if p.timeout <= 0 {
		p.timeout = DefaultPollTimeout
	}
	if p.clock == nil {
		p.clock = clock.RealClock{}
	}
	return p
}

// Await 阻塞直到操作完成、平台报告错误或超过最长等待时间
func (p *OperationPoller) Await(ctx context.Context, op *models.Operation, description string) error {
	if op.Failed() {
		return &PlatformError{Resource: op.Name, Action: description, Err: errors.New(operationError(op))}
	}
	if op.Done() {
		return nil
	}

	utils.DebugLog("开始等待 %s (操作 %s)", description, op.Name)
	start := p.clock.Now()
	for polls := 1; ; polls++ {
		p.clock.Sleep(p.interval)
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "waiting for %s", description)
		}

		current, err := p.waiter.Wait(ctx, op)
		switch {
		case err != nil && !isTransient(err):
			operationWaitSeconds.WithLabelValues("error").Observe(p.clock.Since(start).Seconds())
			return &PlatformError{Resource: op.Name, Action: description, Err: err}
		case err != nil:
			utils.WarningLog("第%d次查询操作 %s 状态失败，继续等待: %v", polls, op.Name, err)
		case current.Failed():
			operationWaitSeconds.WithLabelValues("error").Observe(p.clock.Since(start).Seconds())
			return &PlatformError{Resource: op.Name, Action: description, Err: errors.New(operationError(current))}
		case current.Done():
			operationWaitSeconds.WithLabelValues("done").Observe(p.clock.Since(start).Seconds())
			utils.DebugLog("%s 已完成，共查询%d次", description, polls)
			return nil
		}

		if elapsed := p.clock.Since(start); elapsed > p.timeout {
			operationWaitSeconds.WithLabelValues("timeout").Observe(elapsed.Seconds())
			return &TimeoutError{Operation: op.Name, Description: description, Elapsed: elapsed, Limit: p.timeout}
		}
	}
}

func operationError(op *models.Operation) string {
	if op.Error != "" {
		return op.Error
	}
	return http.StatusText(op.HTTPStatus)
}

// isTransient 网络错误、限流和服务端错误可以继续轮询
func isTransient(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return !IsNotFound(err) && !IsPlatform(err)
	}
	return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
}
