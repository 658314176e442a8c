package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Ullaakut/nmap/v3"

	"github.com/hitushen/postureguard/internal/models"
	"github.com/hitushen/postureguard/internal/targets"
)

// Nmap 调用本机 nmap 二进制执行 connect 扫描与版本探测。
type Nmap struct {
	BinaryPath string
	logger     *slog.Logger
}

// NewNmap 返回 nmap 后端；binaryPath 为空时从 PATH 查找。
func NewNmap(binaryPath string, logger *slog.Logger) *Nmap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Nmap{BinaryPath: binaryPath, logger: logger}
}

func (n *Nmap) Name() string { return "nmap" }

// Discover 以 -Pn -sT -sV 方式扫描目标，仅返回开放端口。
func (n *Nmap) Discover(ctx context.Context, target string, rng models.PortRange) ([]models.PortRecord, error) {
	host := targets.Normalize(target)
	if host == "" {
		return nil, &ExecutionError{Backend: n.Name(), Err: fmt.Errorf("invalid target address: %q", target)}
	}

	options := []nmap.Option{
		nmap.WithTargets(host),
		nmap.WithPorts(rng.String()),
		nmap.WithSkipHostDiscovery(),
		nmap.WithConnectScan(),
		nmap.WithServiceInfo(),
	}
	if n.BinaryPath != "" {
		options = append(options, nmap.WithBinaryPath(n.BinaryPath))
	}

	s, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		if errors.Is(err, nmap.ErrNmapNotInstalled) {
			return nil, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
		}
		return nil, &ExecutionError{Backend: n.Name(), Err: err}
	}

	run, warnings, err := s.Run()
	if warnings != nil && len(*warnings) > 0 {
		n.logger.Debug("nmap reported warnings", "target", host, "warnings", *warnings)
	}
	if err != nil {
		return nil, &ExecutionError{Backend: n.Name(), Err: err}
	}
	if run == nil {
		return nil, &ExecutionError{Backend: n.Name(), Err: errors.New("empty nmap run")}
	}

	var out []models.PortRecord
	for i := range run.Hosts {
		h := &run.Hosts[i]
		for j := range h.Ports {
			p := &h.Ports[j]
			if p.State.State != models.PortStateOpen {
				continue
			}
			version := p.Service.Version
			if p.Service.Product != "" && version != "" {
				version = fmt.Sprintf("%s %s", p.Service.Product, version)
			}
			out = append(out, models.PortRecord{
				Port:     int(p.ID),
				Protocol: p.Protocol,
				State:    models.PortStateOpen,
				Service:  p.Service.Name,
				Version:  version,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}
