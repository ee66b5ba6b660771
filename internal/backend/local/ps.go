package local

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/guregu/null/v6"
	"pipelineworker/internal/supervisor"
)

// Sampler reads the resource usage of a process and its process group
type Sampler interface {
	Sample(ctx context.Context, pid int) (*supervisor.JobStatistics, error)
}

// psColumns is the fixed column layout requested from ps
const psColumns = 5

// PSSampler scans the process table with ps and sums every row belonging to the process or its group
type PSSampler struct {
	Binary string
}

func (s PSSampler) Sample(ctx context.Context, pid int) (*supervisor.JobStatistics, error) {
	binary := s.Binary
	if binary == "" {
		binary = "ps"
	}

	out, err := exec.CommandContext(ctx, binary, "-A", "-o", "pid=,pgid=,rss=,%cpu=,time=").Output()
	if err != nil {
		return nil, fmt.Errorf("could not list processes: %w", err)
	}

	stats, ok := ParseProcessTable(string(out), pid)
	if !ok {
		return nil, fmt.Errorf("process %d not found in process table", pid)
	}
	return stats, nil
}

// ParseProcessTable sums the pid, pgid, rss (KB), %cpu and cpu time columns of the rows whose pid
// or process group is pid. Memory is reported in MB and cpu time in seconds. Rows that do not
// have exactly five parseable columns are skipped.
func ParseProcessTable(out string, pid int) (*supervisor.JobStatistics, bool) {
	var rssKB, cpuPercent, cpuSeconds float64
	found := false

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != psColumns {
			continue
		}

		rowPID, err1 := strconv.Atoi(fields[0])
		rowPGID, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil || (rowPID != pid && rowPGID != pid) {
			continue
		}

		rss, err1 := strconv.ParseFloat(fields[2], 64)
		cpu, err2 := strconv.ParseFloat(fields[3], 64)
		cpuTime, err3 := ParseCPUTime(fields[4])
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}

		found = true
		rssKB += rss
		cpuPercent += cpu
		cpuSeconds += cpuTime
	}

	if !found {
		return nil, false
	}
	return &supervisor.JobStatistics{
		CPUPercent:     null.FloatFrom(cpuPercent),
		CPUTimeSeconds: null.FloatFrom(cpuSeconds),
		MemoryMB:       null.FloatFrom(rssKB / 1024),
	}, true
}

// ParseCPUTime converts a ps cpu time of the form [DD-][HH:]MM:SS[.ss] into seconds
func ParseCPUTime(s string) (float64, error) {
	var days float64
	if d, rest, ok := strings.Cut(s, "-"); ok {
		v, err := strconv.Atoi(d)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu time %q", s)
		}
		days = float64(v)
		s = rest
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid cpu time %q", s)
	}

	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid cpu time %q", s)
		}
		total = total*60 + v
	}
	return days*86400 + total, nil
}
