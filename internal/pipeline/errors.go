package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunnable 表示会话不处于 pending 或已被删除，无法开始运行。
	ErrNotRunnable = errors.New("session is not runnable")
	// ErrAlreadyActive 表示同一会话已在队列中或正在运行。
	ErrAlreadyActive = errors.New("session already queued or running")
	// ErrQueueFull 表示并发与排队名额均已占满。
	ErrQueueFull = errors.New("scan queue is full")
	// ErrClosed 表示 Manager 已关闭，不再接收新任务。
	ErrClosed = errors.New("pipeline manager closed")
	// ErrNotActive 表示要取消的会话不在队列中也未在运行。
	ErrNotActive = errors.New("session is not queued or running")
	// ErrCancelled 是调用方主动取消时的原因。
	ErrCancelled = errors.New("cancelled by request")
	// ErrShutdown 是服务关闭时取消运行的原因。
	ErrShutdown = errors.New("server shutting down")
)

// ValidationError 表示目标未通过授权校验，属于致命错误。
type ValidationError struct {
	Target string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("target %q rejected: %s", e.Target, e.Reason)
}

// ContractError 表示阶段输入违反约定（例如畸形端口），属于致命错误。
type ContractError struct {
	Stage string
	Err   error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("stage %s contract violation: %v", e.Stage, e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

// ComposeError 表示报告无法生成，说明上游产出不完整。
type ComposeError struct {
	Err error
}

func (e *ComposeError) Error() string {
	return fmt.Sprintf("report composition failed: %v", e.Err)
}

func (e *ComposeError) Unwrap() error { return e.Err }
