package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Class distinguishes consumers that accept every job from those that only
// accept jobs above the high priority threshold
type Class string

const (
	ClassNormal Class = "normal"
	ClassHigh   Class = "high"
)

// Process is a running consumer process
type Process struct {
	Class Class
	Pid   int

	done   chan struct{}
	once   sync.Once
	err    error
	signal func(sig syscall.Signal) error
}

// NewProcess wraps a started process. The returned function must be called
// once the process has exited.
func NewProcess(class Class, pid int, signal func(sig syscall.Signal) error) (*Process, func(err error)) {
	p := &Process{
		Class:  class,
		Pid:    pid,
		done:   make(chan struct{}),
		signal: signal,
	}
	return p, p.exited
}

func (p *Process) exited(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed when the process has exited
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the process is still running
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Err returns the exit error. It is only meaningful after Done is closed.
func (p *Process) Err() error {
	<-p.done
	return p.err
}

// Signal delivers sig to the process group
func (p *Process) Signal(sig syscall.Signal) error {
	if !p.Alive() {
		return nil
	}
	return p.signal(sig)
}

// Spawner starts consumer processes
type Spawner interface {
	Spawn(ctx context.Context, class Class) (*Process, error)
}

// ExecSpawner re-executes a binary with the consume subcommand. Each child
// runs in its own process group so signals reach its descendants too.
type ExecSpawner struct {
	Executable string
	// Args precede the consume subcommand, e.g. the config flag
	Args   []string
	Logger *slog.Logger
}

// NewExecSpawner creates a spawner for the running executable
func NewExecSpawner(args []string, logger *slog.Logger) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return &ExecSpawner{Executable: exe, Args: args, Logger: logger}, nil
}

// Command builds the command line for a consumer of class
func (s *ExecSpawner) Command(class Class) []string {
	args := append([]string{}, s.Args...)
	args = append(args, "consume")
	if class == ClassHigh {
		args = append(args, "--high-priority")
	}
	return args
}

func (s *ExecSpawner) Spawn(ctx context.Context, class Class) (*Process, error) {
	// Not tied to ctx: children are stopped through Signal
	cmd := exec.Command(s.Executable, s.Command(class)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	pid := cmd.Process.Pid
	p, exited := NewProcess(class, pid, func(sig syscall.Signal) error {
		return syscall.Kill(-pid, sig)
	})

	go func() {
		err := cmd.Wait()
		if err != nil {
			s.Logger.Warn("Consumer process exited",
				slog.Int("pid", pid),
				slog.String("class", string(class)),
				slog.Any("error", err),
			)
		} else {
			s.Logger.Info("Consumer process exited",
				slog.Int("pid", pid),
				slog.String("class", string(class)),
			)
		}
		exited(err)
	}()

	return p, nil
}
