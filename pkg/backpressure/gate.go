// Package backpressure gates job submission on the memory utilization of the
// scheduler's own cgroup. When usage cannot be determined the gate fails
// open: refusing to schedule anything on an unknown-limit platform is worse
// than occasionally over-scheduling.
package backpressure

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/occusoft/occuplan/pkg/log"
)

// Limits above this are treated as "no limit set". cgroup v1 reports a huge
// page-aligned number instead of an explicit "max" sentinel.
const noLimitSentinel = int64(1) << 60

type Config struct {
	// ThresholdPercent denies submission once memory utilization exceeds
	// it. Zero or negative disables the gate entirely.
	ThresholdPercent float64 `yaml:"threshold_percent"`
	// CgroupRoot overrides /sys/fs/cgroup, used by tests.
	CgroupRoot string `yaml:"cgroup_root,omitempty"`
}

func DefaultConfig() Config {
	return Config{ThresholdPercent: 80.0}
}

// Gate is safe for concurrent use from multiple scheduler loops. It holds no
// state between calls; every Allow reads the cgroup files fresh.
type Gate struct {
	threshold float64
	root      string
	logger    zerolog.Logger
}

func NewGate(cfg Config) *Gate {
	root := cfg.CgroupRoot
	if root == "" {
		root = "/sys/fs/cgroup"
	}
	return &Gate{
		threshold: cfg.ThresholdPercent,
		root:      root,
		logger:    log.WithComponent("backpressure"),
	}
}

// Allow reports whether schedulers may submit new work right now.
func (g *Gate) Allow() bool {
	if g.threshold <= 0 {
		return true
	}
	pct, ok := g.Utilization()
	if !ok {
		return true
	}
	if pct > g.threshold {
		g.logger.Warn().
			Float64("utilization_percent", pct).
			Float64("threshold_percent", g.threshold).
			Msg("Memory pressure, suspending submission")
		return false
	}
	return true
}

// Utilization returns current memory usage as a percentage of the cgroup
// limit. The boolean is false when usage or limit is unreadable or no limit
// is set.
func (g *Gate) Utilization() (float64, bool) {
	usage, limit, ok := g.readV2()
	if !ok {
		usage, limit, ok = g.readV1()
	}
	if !ok || limit <= 0 {
		return 0, false
	}
	return float64(usage) / float64(limit) * 100.0, true
}

func (g *Gate) readV2() (usage, limit int64, ok bool) {
	usage, err := readInt(filepath.Join(g.root, "memory.current"))
	if err != nil {
		return 0, 0, false
	}
	raw, err := os.ReadFile(filepath.Join(g.root, "memory.max"))
	if err != nil {
		return 0, 0, false
	}
	s := strings.TrimSpace(string(raw))
	if s == "max" {
		return 0, 0, false
	}
	limit, err = strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return usage, limit, true
}

func (g *Gate) readV1() (usage, limit int64, ok bool) {
	usage, err := readInt(filepath.Join(g.root, "memory", "memory.usage_in_bytes"))
	if err != nil {
		return 0, 0, false
	}
	limit, err = readInt(filepath.Join(g.root, "memory", "memory.limit_in_bytes"))
	if err != nil || limit >= noLimitSentinel {
		return 0, 0, false
	}
	return usage, limit, true
}

func readInt(path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
}
