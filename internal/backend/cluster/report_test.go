package cluster_test

import (
	"testing"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pipelineworker/internal/backend/cluster"
	"pipelineworker/internal/models"
)

const report = `JOBID   USER    STAT  QUEUE      FROM_HOST   EXEC_HOST   JOB_NAME   SUBMIT_TIME  PROJ_NAME CPU_USED MEM SWAP PIDS START_TIME FINISH_TIME SLOTS EXIT_CODE
101     pipe    DONE  normal     login1      h07u01      pw-1       04/01-10:00:00 default 000:01:30.50 120M 0 4242 04/01-10:00:05 04/01-10:02:00 1 0
102     pipe    EXIT  normal     login1      h07u02      pw-2       04/01-10:00:00 default 000:00:10.00 1.5G 0 4243 04/01-10:00:05 04/01-10:01:00 1 137
103     pipe    RUN   normal     login1      h07u03      pw-3       04/01-10:00:00 default 010:00:00.00 64 0 4244 04/01-10:00:05 - 1 -
104     pipe    PEND  normal     login1      -
abc     pipe    RUN   normal     login1      h07u03      pw-5       04/01-10:00:00 default 000:00:00.00 0 0 1 04/01-10:00:05 - 1 -
105     pipe    ZOMBI normal     login1      h07u03      pw-6       04/01-10:00:00 default - - - - - - 1 -
`

func TestParseJobReport(t *testing.T) {
	jobs := cluster.ParseJobReport(report)
	require.Len(t, jobs, 4)

	assert.Equal(t, int64(101), jobs[0].ID)
	assert.Equal(t, models.JobStopped, jobs[0].Status)
	assert.Equal(t, null.IntFrom(0), jobs[0].ExitCode)
	assert.Equal(t, null.FloatFrom(90.5), jobs[0].Statistics.CPUTimeSeconds)
	assert.Equal(t, null.FloatFrom(120), jobs[0].Statistics.MemoryMB)

	assert.Equal(t, models.JobExited, jobs[1].Status)
	assert.Equal(t, null.IntFrom(137), jobs[1].ExitCode)
	assert.Equal(t, null.FloatFrom(1536), jobs[1].Statistics.MemoryMB)

	assert.Equal(t, models.JobOnline, jobs[2].Status)
	assert.False(t, jobs[2].ExitCode.Valid)
	assert.Equal(t, null.FloatFrom(36000), jobs[2].Statistics.CPUTimeSeconds)
	assert.Equal(t, null.FloatFrom(64), jobs[2].Statistics.MemoryMB)

	assert.Equal(t, int64(105), jobs[3].ID)
	assert.Equal(t, models.JobUnknown, jobs[3].Status)
	assert.False(t, jobs[3].Statistics.MemoryMB.Valid)

	update := jobs[1].Update()
	assert.Equal(t, models.JobExited, update.Status)
	require.NotNil(t, update.Statistics)
	assert.Equal(t, null.FloatFrom(10), update.Statistics.CPUTimeSeconds)

	assert.Empty(t, cluster.ParseJobReport(""))
	assert.Empty(t, cluster.ParseJobReport("JOBID STAT\n"))
}

func TestParseMemory(t *testing.T) {
	for in, want := range map[string]null.Float{
		"42":    null.FloatFrom(42),
		"42M":   null.FloatFrom(42),
		"512KB": null.FloatFrom(0.5),
		"2G":    null.FloatFrom(2048),
		"1T":    null.FloatFrom(1024 * 1024),
		"-":     {},
		"":      {},
	} {
		assert.Equal(t, want, cluster.ParseMemory(in), in)
	}
}

func TestParseCPUUsed(t *testing.T) {
	assert.Equal(t, null.FloatFrom(3723.25), cluster.ParseCPUUsed("001:02:03.25"))
	assert.Equal(t, null.FloatFrom(360000), cluster.ParseCPUUsed("100:00:00"))
	assert.False(t, cluster.ParseCPUUsed("02:03").Valid)
	assert.False(t, cluster.ParseCPUUsed("-").Valid)
}
