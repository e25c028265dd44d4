package services

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// PreconditionError 证书已存在但不允许覆盖
type PreconditionError struct {
	Alias string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("certificate %s exists, overwrite not permitted; set overwrite to renew it", e.Alias)
}

// PlatformError 远程调用失败或平台报告操作失败
type PlatformError struct {
	Resource string
	Action   string
	Err      error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Resource, e.Err)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// TimeoutError 长时操作未在限定时间内完成
type TimeoutError struct {
	Operation   string
	Description string
	Elapsed     time.Duration
	Limit       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (operation %s) was still processing after %s, maximum wait time is %s",
		e.Description, e.Operation, e.Elapsed, e.Limit)
}

// NotFoundError 资源不存在
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Name)
}

// ConflictError 代理在读取后被其他操作修改
type ConflictError struct {
	Proxy string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("proxy %s was modified concurrently", e.Proxy)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

func IsPrecondition(err error) bool {
	var target *PreconditionError
	return errors.As(err, &target)
}

func IsPlatform(err error) bool {
	var target *PlatformError
	return errors.As(err, &target)
}
