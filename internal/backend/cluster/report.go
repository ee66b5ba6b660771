package cluster

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"pipelineworker/internal/models"
	"pipelineworker/internal/supervisor"
)

// column names of the wide job report
const (
	colJobID    = "JOBID"
	colStatus   = "STAT"
	colExitCode = "EXIT_CODE"
	colMemory   = "MEM"
	colCPUUsed  = "CPU_USED"
)

var statusMap = map[string]models.JobStatus{
	"PEND": models.JobPending,
	"RUN":  models.JobOnline,
	"DONE": models.JobStopped,
	"EXIT": models.JobExited,
}

// JobInfo is one row of the scheduler's job report
type JobInfo struct {
	ID         int64
	Status     models.JobStatus
	ExitCode   null.Int
	Statistics supervisor.JobStatistics
}

func (j JobInfo) Update() supervisor.JobUpdate {
	stats := j.Statistics
	return supervisor.JobUpdate{Status: j.Status, ExitCode: j.ExitCode, Statistics: &stats}
}

// ParseJobReport reads a columnar job report. The first line names the columns; unknown columns
// are ignored. Rows whose column count differs from the header or without a job id are skipped.
func ParseJobReport(out string) []JobInfo {
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var columns []string
	var jobs []JobInfo
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if columns == nil {
			columns = fields
			continue
		}
		if len(fields) != len(columns) {
			log.Warn().Str("row", scanner.Text()).Msg("Skipping job report row, column count does not match header")
			continue
		}

		job := JobInfo{Status: models.JobUnknown}
		hasID := false
		for i, col := range columns {
			value := fields[i]
			switch col {
			case colJobID:
				if id, err := strconv.ParseInt(value, 10, 64); err == nil {
					job.ID = id
					hasID = true
				}
			case colStatus:
				if status, ok := statusMap[value]; ok {
					job.Status = status
				} else {
					log.Debug().Str("status", value).Msg("Unknown job status")
				}
			case colExitCode:
				if code, err := strconv.ParseInt(value, 10, 64); err == nil {
					job.ExitCode = null.IntFrom(code)
				}
			case colMemory:
				job.Statistics.MemoryMB = ParseMemory(value)
			case colCPUUsed:
				job.Statistics.CPUTimeSeconds = ParseCPUUsed(value)
			}
		}
		if hasID {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// ParseCPUUsed converts hhh:mm:ss[.sss] into seconds
func ParseCPUUsed(value string) null.Float {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return null.Float{}
	}
	hours, err1 := strconv.Atoi(parts[0])
	minutes, err2 := strconv.Atoi(parts[1])
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return null.Float{}
	}
	return null.FloatFrom(float64(hours*3600+minutes*60) + seconds)
}

// ParseMemory converts a memory figure into MB. A bare number is already in MB; K, M, G and T
// suffixes are honoured.
func ParseMemory(value string) null.Float {
	value = strings.TrimSuffix(strings.ToUpper(value), "B")
	scale := 1.0
	switch {
	case strings.HasSuffix(value, "K"):
		scale = 1.0 / 1024
	case strings.HasSuffix(value, "G"):
		scale = 1024
	case strings.HasSuffix(value, "T"):
		scale = 1024 * 1024
	}
	value = strings.TrimRight(value, "KMGT")

	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return null.Float{}
	}
	return null.FloatFrom(v * scale)
}
