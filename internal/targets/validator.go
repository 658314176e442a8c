package targets

import (
	"fmt"
	"net"
	"strings"

	"github.com/yl2chen/cidranger"
)

// DefaultNetworks 是未配置时允许扫描的私有网段。
var DefaultNetworks = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
}

// Validator 根据 CIDR 白名单判断目标是否允许扫描。
// 回环地址与 localhost 始终允许；其余主机名必须显式列入 hosts。
type Validator struct {
	ranger   cidranger.Ranger
	networks []string
	hosts    map[string]struct{}
}

// NewValidator 用给定网段与主机名构建 Validator，网段格式错误时返回错误。
func NewValidator(networks, hosts []string) (*Validator, error) {
	v := &Validator{
		ranger: cidranger.NewPCTrieRanger(),
		hosts:  make(map[string]struct{}, len(hosts)),
	}
	for _, raw := range networks {
		cidr := strings.TrimSpace(raw)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid allow-list network %q: %w", cidr, err)
		}
		if err := v.ranger.Insert(cidranger.NewBasicRangerEntry(*ipNet)); err != nil {
			return nil, fmt.Errorf("insert network %q: %w", cidr, err)
		}
		v.networks = append(v.networks, ipNet.String())
	}
	for _, raw := range hosts {
		if host := Normalize(raw); host != "" {
			v.hosts[host] = struct{}{}
		}
	}
	return v, nil
}

// Networks 返回已生效的网段列表。
func (v *Validator) Networks() []string {
	out := make([]string, len(v.networks))
	copy(out, v.networks)
	return out
}

// Allowed 是纯判定函数，不做 DNS 解析。
func (v *Validator) Allowed(target string) bool {
	host := Normalize(target)
	if host == "" {
		return false
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}

	ip := parseIP(host)
	if ip == nil {
		_, ok := v.hosts[host]
		return ok
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	ok, err := v.ranger.Contains(ip)
	return err == nil && ok
}

func parseIP(host string) net.IP {
	if zone := strings.IndexByte(host, '%'); zone != -1 {
		host = host[:zone]
	}
	return net.ParseIP(host)
}
