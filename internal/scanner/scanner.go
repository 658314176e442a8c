// Package scanner 封装外部端口发现能力，并在其不可用或失败时回退到模拟数据。
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hitushen/postureguard/internal/models"
)

// ErrCapabilityUnavailable 表示扫描后端未安装或无法初始化。
var ErrCapabilityUnavailable = errors.New("port scan capability unavailable")

// ErrHostUnreachable 表示扫描成功结束但没有发现任何开放端口。
var ErrHostUnreachable = errors.New("host unreachable: no open ports reported")

// ExecutionError 包装扫描后端在执行期间返回的错误。
type ExecutionError struct {
	Backend string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s scan failed: %v", e.Backend, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Discoverer 是端口发现能力的抽象，naabu 与 nmap 各有一个实现。
type Discoverer interface {
	Name() string
	Discover(ctx context.Context, target string, rng models.PortRange) ([]models.PortRecord, error)
}

// Result 是一次扫描的输出。Warning 非空表示已回退到模拟数据。
type Result struct {
	Ports      []models.PortRecord
	Provenance models.Provenance
	Warning    string
	Cause      error
}

// Degraded 判断结果是否来自模拟回退。
func (r Result) Degraded() bool {
	return r.Provenance == models.ProvenanceSimulated
}

// SimulatedPorts 返回固定的模拟端口集合：22/ssh、80/http、443/https。
func SimulatedPorts() []models.PortRecord {
	return []models.PortRecord{
		{Port: 22, Protocol: "tcp", State: models.PortStateOpen, Service: "ssh", Version: "", Provenance: models.ProvenanceSimulated},
		{Port: 80, Protocol: "tcp", State: models.PortStateOpen, Service: "http", Version: "", Provenance: models.ProvenanceSimulated},
		{Port: 443, Protocol: "tcp", State: models.PortStateOpen, Service: "https", Version: "", Provenance: models.ProvenanceSimulated},
	}
}

// Adapter 在超时限制内调用 Discoverer，任何失败都不会越过 Scan 的边界。
type Adapter struct {
	discoverer Discoverer
	timeout    time.Duration
	logger     *slog.Logger
}

// NewAdapter 创建扫描适配器。discoverer 为 nil 时始终返回模拟数据。
func NewAdapter(discoverer Discoverer, timeout time.Duration, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{discoverer: discoverer, timeout: timeout, logger: logger}
}

// Backend 返回当前使用的扫描后端名称。
func (a *Adapter) Backend() string {
	if a.discoverer == nil {
		return "none"
	}
	return a.discoverer.Name()
}

type discoverResult struct {
	ports []models.PortRecord
	err   error
}

// Scan 执行端口发现。以下情况回退到模拟端口集合并附带警告：
// 后端不可用、执行出错或超时、未发现开放端口、后端 panic。
func (a *Adapter) Scan(ctx context.Context, target string, rng models.PortRange) Result {
	if a.discoverer == nil {
		return a.fallback(target, ErrCapabilityUnavailable)
	}
	if !rng.Valid() {
		return a.fallback(target, &ExecutionError{Backend: a.discoverer.Name(), Err: fmt.Errorf("invalid port range %s", rng)})
	}

	scanCtx := ctx
	cancel := func() {}
	if a.timeout > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, a.timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan discoverResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- discoverResult{err: &ExecutionError{Backend: a.discoverer.Name(), Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		ports, err := a.discoverer.Discover(scanCtx, target, rng)
		done <- discoverResult{ports: ports, err: err}
	}()

	var res discoverResult
	select {
	case res = <-done:
	case <-scanCtx.Done():
		res.err = scanCtx.Err()
	}
	if res.err == nil && scanCtx.Err() != nil {
		res.err = scanCtx.Err()
	}
	if res.err != nil {
		var execErr *ExecutionError
		if !errors.Is(res.err, ErrCapabilityUnavailable) && !errors.As(res.err, &execErr) {
			res.err = &ExecutionError{Backend: a.discoverer.Name(), Err: res.err}
		}
		return a.fallback(target, res.err)
	}

	open := make([]models.PortRecord, 0, len(res.ports))
	for _, p := range res.ports {
		if !p.IsOpen() || p.Port < rng.Start || p.Port > rng.End {
			continue
		}
		if p.Protocol == "" {
			p.Protocol = "tcp"
		}
		p.Provenance = models.ProvenanceReal
		open = append(open, p)
	}
	if len(open) == 0 {
		return a.fallback(target, ErrHostUnreachable)
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].Port < open[j].Port })

	a.logger.Info("port scan finished",
		"backend", a.discoverer.Name(),
		"target", target,
		"open", len(open),
		"duration", time.Since(start).Truncate(time.Millisecond))
	return Result{Ports: open, Provenance: models.ProvenanceReal}
}

func (a *Adapter) fallback(target string, cause error) Result {
	warning := fmt.Sprintf("port scan degraded to simulated data: %v", cause)
	a.logger.Warn("port scan fell back to simulated ports",
		"backend", a.Backend(),
		"target", target,
		"error", cause)
	return Result{
		Ports:      SimulatedPorts(),
		Provenance: models.ProvenanceSimulated,
		Warning:    warning,
		Cause:      cause,
	}
}
