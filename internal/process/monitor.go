package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/chorus/pkg/models"
)

// maxLineBytes bounds a single scanned output line. Longer lines abort the
// scanner; the remainder of the stream is drained so the child never blocks
// on a full pipe.
const maxLineBytes = 1024 * 1024

// LineFunc receives one line of subprocess output. stream is "stdout" or
// "stderr"; the line has its trailing newline stripped.
type LineFunc func(pid int, stream, line string)

// ExitFunc receives the subprocess exit code once both streams are drained.
type ExitFunc func(pid int, exitCode int)

// SpawnFunc is invoked after a process is registered and monitored.
type SpawnFunc func(pid int)

// Monitor owns the output streams of one tracked process. Two readers
// consume stdout and stderr line by line, writing each line to a log file,
// appending it to the rolling tail, and delivering it to onLine. A waiter
// reaps the process as soon as it exits and calls onExit exactly once after
// both readers finish.
//
// The waiter calls cmd.Wait; nothing else may. Exited closes at reap time
// so Kill can wait on process death without waiting for the readers, which
// may stay open while descendants hold the pipes.
type Monitor struct {
	pid    int
	cmd    *exec.Cmd
	logDir string
	tail   *models.RollingTail
	onLine LineFunc
	onExit ExitFunc
	logger *slog.Logger

	stdoutR *os.File
	stderrR *os.File

	stdoutLog string
	stderrLog string

	wg       sync.WaitGroup
	exited   chan struct{}
	done     chan struct{}
	exitCode int
}

type monitorConfig struct {
	PID    int
	Cmd    *exec.Cmd
	LogDir string
	Stdout *os.File
	Stderr *os.File
	Tail   *models.RollingTail
	OnLine LineFunc
	OnExit ExitFunc
	Logger *slog.Logger
}

func newMonitor(cfg monitorConfig) *Monitor {
	return &Monitor{
		pid:       cfg.PID,
		cmd:       cfg.Cmd,
		logDir:    cfg.LogDir,
		tail:      cfg.Tail,
		onLine:    cfg.OnLine,
		onExit:    cfg.OnExit,
		logger:    cfg.Logger,
		stdoutR:   cfg.Stdout,
		stderrR:   cfg.Stderr,
		stdoutLog: filepath.Join(cfg.LogDir, "stdout.log"),
		stderrLog: filepath.Join(cfg.LogDir, "stderr.log"),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// StdoutLog returns the path of the stdout log file.
func (m *Monitor) StdoutLog() string { return m.stdoutLog }

// StderrLog returns the path of the stderr log file.
func (m *Monitor) StderrLog() string { return m.stderrLog }

// Exited is closed once the process has been reaped. ExitCode is valid
// afterwards.
func (m *Monitor) Exited() <-chan struct{} { return m.exited }

// ExitCode returns the observed exit code. Only valid after Exited closes.
func (m *Monitor) ExitCode() int { return m.exitCode }

// Done is closed after onExit has returned.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Start creates the log files and launches the stream readers and the
// waiter. The command must already be started.
func (m *Monitor) Start() error {
	if err := os.MkdirAll(m.logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	stdoutFile, err := os.Create(m.stdoutLog)
	if err != nil {
		return fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(m.stderrLog)
	if err != nil {
		stdoutFile.Close()
		return fmt.Errorf("create stderr log: %w", err)
	}

	m.wg.Add(2)
	go m.readStream("stdout", m.stdoutR, stdoutFile, "")
	go m.readStream("stderr", m.stderrR, stderrFile, "err: ")
	go m.wait()
	return nil
}

func (m *Monitor) readStream(stream string, r, logFile *os.File, tailPrefix string) {
	defer m.wg.Done()
	defer r.Close()
	defer logFile.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if _, err := logFile.WriteString(line + "\n"); err != nil {
			m.logger.Warn("process log write failed",
				"pid", m.pid, "stream", stream, "error", err)
		}
		m.tail.Append(tailPrefix + line)
		if m.onLine != nil {
			m.onLine(m.pid, stream, line)
		}
	}
	if err := sc.Err(); err != nil {
		m.logger.Warn("process stream read aborted",
			"pid", m.pid, "stream", stream, "error", err)
		// Keep draining so the child never blocks writing to a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (m *Monitor) wait() {
	err := m.cmd.Wait()
	code := -1
	if m.cmd.ProcessState != nil {
		code = m.cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			m.logger.Warn("process wait failed", "pid", m.pid, "error", err)
		}
	}
	m.exitCode = code
	close(m.exited)

	m.wg.Wait()
	if m.onExit != nil {
		m.onExit(m.pid, code)
	}
	close(m.done)
}
