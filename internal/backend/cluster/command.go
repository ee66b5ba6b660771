package cluster

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"pipelineworker/internal/models"
)

var safeWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Quote makes s a single word for a POSIX shell. Words without shell metacharacters are returned
// unchanged; anything else is single quoted.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if safeWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func quoteAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = Quote(w)
	}
	return out
}

// CommandOptions are the site specific parts of a submission
type CommandOptions struct {
	SubmitBinary  string
	JobNamePrefix string
	GroupRoot     string
}

// JobName is the scheduler job name of an execution
func JobName(prefix string, exec *models.TaskExecution) string {
	return prefix + exec.TileID
}

// SubmissionCommand builds the scheduler submission for an execution. Caller supplied scheduler
// arguments come first, followed by the job name, working directory, job group and log
// redirection. The program itself is passed as one quoted word.
func SubmissionCommand(exec *models.TaskExecution, opts CommandOptions) string {
	var program []string
	if exec.ResolvedInterpreter != "" {
		program = append(program, exec.ResolvedInterpreter)
	}
	program = append(program, exec.ResolvedScript)
	program = append(program, exec.ResolvedScriptArgs...)

	words := []string{opts.SubmitBinary}
	words = append(words, quoteAll(exec.ResolvedClusterArgs)...)
	words = append(words,
		"-J", Quote(JobName(opts.JobNamePrefix, exec)),
		"-cwd", Quote(filepath.Dir(exec.ResolvedScript)),
		"-g", Quote(strings.TrimRight(opts.GroupRoot, "/")+"/"+exec.WorkerID.String()),
		"-oo", Quote(exec.LogFile(models.ClusterOutLogSuffix)),
		"-eo", Quote(exec.LogFile(models.ClusterErrLogSuffix)),
		Quote(strings.Join(quoteAll(program), " ")),
	)
	return strings.Join(words, " ")
}

var firstInteger = regexp.MustCompile(`\d+`)

// ParseJobID returns the first integer in the submission output, e.g. 1234 from
// "Job <1234> is submitted to default queue <normal>."
func ParseJobID(out string) (int64, bool) {
	m := firstInteger.FindString(out)
	if m == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
