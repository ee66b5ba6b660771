// Package procman supervises local child processes by name. It starts single-shot processes with
// their output redirected to files, stops whole process groups and publishes lifecycle events to
// any number of subscribers.
package procman

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound = errors.New("process not found")
	ErrRunning  = errors.New("process is still running")
	ErrClosed   = errors.New("process manager is closed")
)

// ExitCodeUnknown is reported when the process could not be waited on
const ExitCodeUnknown = 999

type Status string

const (
	StatusLaunching Status = "launching"
	StatusOnline    Status = "online"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusErrored   Status = "errored"
)

// Exited reports whether the process has finished
func (s Status) Exited() bool {
	return s == StatusStopped || s == StatusErrored
}

// Spec describes a process to start. The process is never restarted.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	OutFile string
	ErrFile string
}

// Process is a snapshot of a supervised process
type Process struct {
	Name      string
	PID       int
	Status    Status
	ExitCode  int
	StartedAt time.Time
	ExitedAt  time.Time
}

// Event is published whenever a process changes status
type Event struct {
	Process Process
	At      time.Time
}

type process struct {
	Process
	cmd  *exec.Cmd
	done chan struct{}
}

type Manager struct {
	// KillTimeout is how long a stopped process group gets before it is killed
	KillTimeout time.Duration

	mu     sync.Mutex
	procs  map[string]*process
	subs   map[int]*subscriber
	nextID int
	closed bool
	wg     sync.WaitGroup
}

func New() *Manager {
	return &Manager{
		KillTimeout: 10 * time.Second,
		procs:       make(map[string]*process),
		subs:        make(map[int]*subscriber),
	}
}

// Start launches the process. A finished process with the same name is replaced.
func (m *Manager) Start(spec Spec) (Process, error) {
	if spec.Name == "" || spec.Command == "" {
		return Process{}, errors.New("process name and command are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Process{}, ErrClosed
	}
	if p, ok := m.procs[spec.Name]; ok && !p.Status.Exited() {
		return Process{}, fmt.Errorf("could not start %s: %w", spec.Name, ErrRunning)
	}

	stdout, err := openLog(spec.OutFile)
	if err != nil {
		return Process{}, err
	}
	stderr, err := openLog(spec.ErrFile)
	if err != nil {
		closeAll(stdout)
		return Process{}, err
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = sysProcAttr()
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdout, stderr)
		return Process{}, fmt.Errorf("could not start %s: %w", spec.Name, err)
	}

	p := &process{
		Process: Process{
			Name:      spec.Name,
			PID:       cmd.Process.Pid,
			Status:    StatusOnline,
			StartedAt: time.Now().UTC(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}
	m.procs[spec.Name] = p
	m.emitLocked(p.Process)

	m.wg.Add(1)
	go m.wait(p, stdout, stderr)

	log.Debug().Str("name", spec.Name).Int("pid", p.PID).Msg("Started process")
	return p.Process, nil
}

func (m *Manager) wait(p *process, files ...*os.File) {
	defer m.wg.Done()

	err := p.cmd.Wait()
	closeAll(files...)

	exitCode := 0
	if err != nil {
		exitCode = exitCodeForError(err)
	}

	m.mu.Lock()
	p.ExitCode = exitCode
	p.ExitedAt = time.Now().UTC()
	if exitCode == 0 {
		p.Status = StatusStopped
	} else {
		p.Status = StatusErrored
	}
	close(p.done)
	m.emitLocked(p.Process)
	m.mu.Unlock()

	log.Debug().Str("name", p.Name).Int("pid", p.PID).Int("exit_code", exitCode).Msg("Process exited")
}

func exitCodeForError(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		return signaledExitCode(exitErr.ProcessState)
	}
	return ExitCodeUnknown
}

// Stop terminates the process group and kills it if it is still alive after KillTimeout.
// Stopping a finished process is a no-op.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	p, ok := m.procs[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("could not stop %s: %w", name, ErrNotFound)
	}
	if p.Status.Exited() || p.Status == StatusStopping {
		m.mu.Unlock()
		return nil
	}
	p.Status = StatusStopping
	m.emitLocked(p.Process)
	m.mu.Unlock()

	if err := terminate(p.cmd.Process, false); err != nil {
		return fmt.Errorf("could not stop %s: %w", name, err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-p.done:
		case <-time.After(m.KillTimeout):
			log.Warn().Str("name", name).Int("pid", p.PID).Msg("Process did not stop in time, killing it")
			if err := terminate(p.cmd.Process, true); err != nil {
				log.Error().Err(err).Str("name", name).Msg("Could not kill process")
			}
		}
	}()
	return nil
}

// Delete forgets a finished process
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs[name]
	if !ok {
		return fmt.Errorf("could not delete %s: %w", name, ErrNotFound)
	}
	if !p.Status.Exited() {
		return fmt.Errorf("could not delete %s: %w", name, ErrRunning)
	}
	delete(m.procs, name)
	return nil
}

func (m *Manager) Get(name string) (Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[name]
	if !ok {
		return Process{}, false
	}
	return p.Process, true
}

// List returns every known process, finished ones included until they are deleted
func (m *Manager) List() []Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Process, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p.Process)
	}
	return out
}

// Subscribe returns a channel receiving every event published after the call and a function that
// ends the subscription. Slow subscribers never block the manager.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	if m.closed {
		sub.close()
		return sub.out, func() {}
	}

	id := m.nextID
	m.nextID++
	m.subs[id] = sub

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			sub.close()
		})
	}
}

func (m *Manager) emitLocked(p Process) {
	ev := Event{Process: p, At: time.Now().UTC()}
	for _, sub := range m.subs {
		sub.push(ev)
	}
}

// Close ends all subscriptions and refuses further starts. Running processes are not stopped.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := m.subs
	m.subs = make(map[int]*subscriber)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Wait blocks until every started process has exited and every pending kill has fired
func (m *Manager) Wait() {
	m.wg.Wait()
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
	if err != nil {
		return nil, fmt.Errorf("could not open log file: %w", err)
	}
	return f, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
