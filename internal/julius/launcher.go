package julius

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/loqalabs/loqa-julius/internal/spool"
	"github.com/mattn/go-shellwords"
)

// EngineConfig is the immutable set of files a decoder run is started with.
type EngineConfig struct {
	// Command is the binary followed by any fixed leading arguments.
	Command  []string
	HMMDefs  string
	TiedList string
	DFA      string
	Dict     string
}

// ParseCommand splits a shell-like command string such as
// "julius -C /etc/julius/base.jconf".
func ParseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse julius command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("julius command is empty")
	}
	return args, nil
}

// Probe resolves the decoder binary named by command.
func Probe(command string) (string, error) {
	return probe(command, exec.LookPath)
}

func probe(command string, lookPath func(string) (string, error)) (string, error) {
	args, err := ParseCommand(command)
	if err != nil {
		return "", err
	}
	path, err := lookPath(args[0])
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrEngineUnavailable, args[0], err)
	}
	return path, nil
}

// Args builds the decoder argument list. Quiet runs suppress the banner and log
// output; the self-check runs verbose so configuration problems are printed.
func (c EngineConfig) Args(quiet bool) []string {
	args := append([]string{}, c.Command[1:]...)
	if quiet {
		args = append(args, "-quiet", "-nolog")
	}
	return append(args,
		"-input", "stdin",
		"-dfa", c.DFA,
		"-v", c.Dict,
		"-h", c.HMMDefs,
		"-hlist", c.TiedList,
		"-forcedict",
	)
}

// Capture holds the spooled output streams of one run.
type Capture struct {
	Stdout *spool.Buffer
	Stderr *spool.Buffer
}

// Close deletes both spools.
func (c *Capture) Close() error {
	if c == nil {
		return nil
	}
	errOut := c.Stdout.Close()
	errErr := c.Stderr.Close()
	if errOut != nil {
		return errOut
	}
	return errErr
}

// Launcher runs the decoder with spooled output capture.
type Launcher struct {
	cfg       EngineConfig
	runner    Runner
	threshold int
	spoolDir  string
}

func NewLauncher(cfg EngineConfig, runner Runner, spoolThreshold int, spoolDir string) *Launcher {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Launcher{cfg: cfg, runner: runner, threshold: spoolThreshold, spoolDir: spoolDir}
}

// Run feeds stdin to the decoder and waits for it to exit. On error no spool
// survives; on success the caller owns the Capture and must Close it.
func (l *Launcher) Run(ctx context.Context, stdin io.Reader, quiet bool) (*Capture, error) {
	capture := &Capture{
		Stdout: spool.New(l.threshold, l.spoolDir),
		Stderr: spool.New(l.threshold, l.spoolDir),
	}
	err := l.runner.Run(ctx, Process{
		Path:   l.cfg.Command[0],
		Args:   l.cfg.Args(quiet),
		Stdin:  stdin,
		Stdout: capture.Stdout,
		Stderr: capture.Stderr,
	})
	if err != nil {
		capture.Close()
		return nil, err
	}
	return capture, nil
}
