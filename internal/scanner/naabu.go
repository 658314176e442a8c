package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/projectdiscovery/goflags"
	portpkg "github.com/projectdiscovery/naabu/v2/pkg/port"
	"github.com/projectdiscovery/naabu/v2/pkg/result"
	"github.com/projectdiscovery/naabu/v2/pkg/runner"

	"github.com/hitushen/postureguard/internal/models"
	"github.com/hitushen/postureguard/internal/targets"
)

// Naabu 使用 naabu 在进程内执行 TCP connect 扫描并做服务识别。
type Naabu struct {
	Rate    int
	Retries int
	Timeout time.Duration
}

// NewNaabu 返回带默认速率参数的 naabu 后端。
func NewNaabu() *Naabu {
	return &Naabu{Rate: 3000, Retries: 1, Timeout: 5000 * time.Millisecond}
}

func (n *Naabu) Name() string { return "naabu" }

// Discover 扫描 rng 范围内的端口，结果按端口号升序。
func (n *Naabu) Discover(ctx context.Context, target string, rng models.PortRange) ([]models.PortRecord, error) {
	targetsList := targets.Build(target)
	if len(targetsList) == 0 {
		return nil, &ExecutionError{Backend: n.Name(), Err: fmt.Errorf("invalid target address: %q", target)}
	}

	var mu sync.Mutex
	openPorts := make(map[int]*portpkg.Port)
	onResult := func(hr *result.HostResult) {
		if hr == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, p := range hr.Ports {
			if p == nil {
				continue
			}
			openPorts[p.Port] = p
		}
	}

	opts := runner.Options{
		Host:             goflags.StringSlice(targetsList),
		ScanType:         "c",
		OnResult:         onResult,
		JSON:             false,
		NoColor:          true,
		Silent:           true,
		Stdin:            false,
		Stream:           true,
		Ports:            rng.String(),
		Retries:          n.Retries,
		Rate:             n.Rate,
		Timeout:          n.Timeout,
		ServiceDiscovery: true,
	}

	r, err := runner.NewRunner(&opts)
	if err != nil {
		return nil, fmt.Errorf("%w: naabu runner init: %v", ErrCapabilityUnavailable, err)
	}
	defer r.Close()

	if err := r.RunEnumeration(ctx); err != nil {
		return nil, &ExecutionError{Backend: n.Name(), Err: fmt.Errorf("naabu enumeration: %w", err)}
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]models.PortRecord, 0, len(openPorts))
	for num, info := range openPorts {
		name, version := serviceLabel(info)
		out = append(out, models.PortRecord{
			Port:     num,
			Protocol: "tcp",
			State:    models.PortStateOpen,
			Service:  name,
			Version:  version,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

func serviceLabel(p *portpkg.Port) (name, version string) {
	if p == nil || p.Service == nil {
		return "", ""
	}
	svc := p.Service
	switch {
	case svc.Name != "":
		name = svc.Name
	case svc.Product != "":
		name = svc.Product
	case svc.ServiceFP != "":
		name = svc.ServiceFP
	default:
		name = svc.ExtraInfo
	}
	switch {
	case svc.Product != "" && svc.Version != "":
		version = fmt.Sprintf("%s %s", svc.Product, svc.Version)
	default:
		version = svc.Version
	}
	return name, version
}
