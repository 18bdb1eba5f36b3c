package resource

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HostSampler reads /proc/meminfo and /proc/stat on Linux. No third-party
// host-metrics library appears anywhere in the example pack's go.mod
// files, so this component is built directly on the standard library
// rather than an ecosystem dependency (see DESIGN.md).
type HostSampler struct {
	mu       sync.Mutex
	lastStat cpuStat
	lastAt   time.Time
}

func NewHostSampler() *HostSampler {
	return &HostSampler{}
}

func (s *HostSampler) MemoryUsedGB() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("open meminfo: %w", err)
	}
	defer f.Close()

	var totalKB, availableKB int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availableKB = parseMeminfoKB(line)
		}
	}
	usedKB := totalKB - availableKB
	return float64(usedKB) / (1024 * 1024), nil
}

func parseMeminfoKB(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseInt(fields[1], 10, 64)
	return v
}

type cpuStat struct {
	idle, total uint64
}

// CPUPercent computes usage since the previous call by differencing
// /proc/stat's aggregate jiffy counters. The first call after process
// start has no prior sample to diff against, so it returns 0.
func (s *HostSampler) CPUPercent() (float64, error) {
	cur, err := readCPUStat()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.lastStat
	s.lastStat = cur
	s.lastAt = time.Now()

	if prev.total == 0 {
		return 0, nil
	}

	totalDelta := cur.total - prev.total
	idleDelta := cur.idle - prev.idle
	if totalDelta == 0 {
		return 0, nil
	}
	return (1 - float64(idleDelta)/float64(totalDelta)) * 100, nil
}

func readCPUStat() (cpuStat, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuStat{}, fmt.Errorf("open stat: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuStat{}, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuStat{}, fmt.Errorf("unexpected /proc/stat format")
	}

	var total uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, _ := strconv.ParseUint(f, 10, 64)
		total += v
		if i == 3 { // idle is the 4th field
			idle = v
		}
	}
	return cpuStat{idle: idle, total: total}, nil
}
