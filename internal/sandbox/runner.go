package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"cdr.dev/slog"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"simgate/internal/domain"
)

const (
	IsolationNetNS  = "netns"
	IsolationDocker = "docker"
	IsolationNone   = "none"

	OutputReject   = "reject"
	OutputTruncate = "truncate"

	stderrCap = 64 << 10
	waitDelay = 2 * time.Second

	archiveName = "artifact.fmu"
	paramsName  = "params.json"
	modelDir    = "model"
	dockerMount = "/job"
)

type Config struct {
	// Command is the engine argv. {artifact}, {dir}, {params} and {job} are
	// replaced with the archive path, extracted model directory, params file
	// and job root.
	Command        []string
	Isolation      string
	DockerImage    string
	Memory         string
	Timeout        time.Duration
	MaxOutputBytes int64
	OutputPolicy   string
	WorkDir        string
	Limits         Limits
}

type Job struct {
	ID      string
	Content []byte
	Params  json.RawMessage
}

type Result struct {
	Output    []byte
	Truncated bool
	ExitCode  int
	Duration  time.Duration
	Manifest  Manifest
}

// Runner executes one job per call in a fresh scratch directory. It holds no
// state between calls.
type Runner struct {
	cfg       Config
	validator *Validator
	redactor  *Redactor
	logger    slog.Logger
	fs        afero.Fs
}

func New(cfg Config, logger slog.Logger) (*Runner, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("sandbox command is required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("sandbox timeout must be positive")
	}
	if cfg.MaxOutputBytes <= 0 {
		return nil, errors.New("sandbox output cap must be positive")
	}
	switch cfg.OutputPolicy {
	case OutputReject, OutputTruncate:
	case "":
		cfg.OutputPolicy = OutputReject
	default:
		return nil, fmt.Errorf("unknown output policy %q", cfg.OutputPolicy)
	}
	if err := isolationSupported(cfg.Isolation); err != nil {
		return nil, err
	}
	if cfg.Isolation == IsolationDocker && cfg.DockerImage == "" {
		return nil, errors.New("docker isolation needs an image")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	fsys := afero.NewOsFs()
	if err := fsys.MkdirAll(cfg.WorkDir, 0o700); err != nil {
		return nil, fmt.Errorf("sandbox work dir: %w", err)
	}
	r := &Runner{
		cfg:       cfg,
		validator: NewValidator(cfg.Limits),
		redactor:  NewRedactor(),
		logger:    logger.Named("sandbox"),
		fs:        fsys,
	}
	if cfg.Isolation == IsolationNone {
		r.logger.Warn(context.Background(), "SANDBOX ISOLATION DISABLED: engine processes run with network access; use only in tests")
	}
	return r, nil
}

func (r *Runner) Validator() *Validator { return r.validator }

// Execute validates, extracts and runs a job under the hard timeout. The
// caller's context can shorten the run but the timeout always applies.
func (r *Runner) Execute(ctx context.Context, job Job) (Result, error) {
	start := time.Now()
	manifest, err := r.validator.Validate(job.Content)
	if err != nil {
		return Result{}, err
	}
	params := job.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	dir, err := afero.TempDir(r.fs, r.cfg.WorkDir, "job-")
	if err != nil {
		return Result{}, r.failure(ctx, job, "create scratch dir", err)
	}
	defer func() {
		if err := r.fs.RemoveAll(dir); err != nil {
			r.logger.Warn(ctx, "remove scratch dir", slog.F("dir", dir), slog.Error(err))
		}
	}()
	root := afero.NewBasePathFs(r.fs, dir)
	if err := afero.WriteFile(root, "/"+archiveName, job.Content, 0o644); err != nil {
		return Result{}, r.failure(ctx, job, "stage archive", err)
	}
	if err := afero.WriteFile(root, "/"+paramsName, params, 0o644); err != nil {
		return Result{}, r.failure(ctx, job, "stage params", err)
	}
	if err := root.MkdirAll("/"+modelDir, 0o755); err != nil {
		return Result{}, r.failure(ctx, job, "stage model dir", err)
	}
	if err := extract(afero.NewBasePathFs(root, "/"+modelDir), job.Content, r.cfg.Limits.MaxExtractedBytes); err != nil {
		if domain.KindOf(err) == domain.KindArtifactInvalid {
			return Result{}, err
		}
		return Result{}, r.failure(ctx, job, "extract", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	argv, container := r.argv(job, dir)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + dir, "LANG=C.UTF-8"}
	cmd.Stdin = bytes.NewReader(params)
	var tooLarge atomic.Bool
	stdout := newCappedBuffer(r.cfg.MaxOutputBytes, func() {
		if r.cfg.OutputPolicy == OutputReject {
			tooLarge.Store(true)
			cancel()
		}
	})
	stderr := newCappedBuffer(stderrCap, nil)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	if err := configureProcess(cmd, r.cfg.Isolation); err != nil {
		return Result{}, r.failure(ctx, job, "configure isolation", err)
	}
	if container != "" {
		kill := cmd.Cancel
		cmd.Cancel = func() error {
			err := kill()
			removeContainer(container)
			return err
		}
	}

	runErr := cmd.Run()
	res := Result{
		Output:    stdout.Bytes(),
		Truncated: stdout.Overflowed(),
		ExitCode:  exitCode(cmd, runErr),
		Duration:  time.Since(start),
		Manifest:  manifest,
	}
	jobF := slog.F("job", job.ID)
	exit := slog.F("exit_code", res.ExitCode)
	took := slog.F("duration", res.Duration)
	size := slog.F("output", humanize.IBytes(uint64(len(res.Output))))
	switch {
	case tooLarge.Load():
		r.logger.Warn(ctx, "engine output exceeded cap", jobF, exit, took, size)
		return Result{}, domain.Errorf(domain.KindResponseTooLarge, "result exceeds %s", humanize.IBytes(uint64(r.cfg.MaxOutputBytes)))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		r.logger.Warn(ctx, "engine killed at timeout", jobF, exit, took, slog.F("timeout", r.cfg.Timeout))
		return Result{}, domain.Errorf(domain.KindExecutionTimeout, "execution exceeded %s", r.cfg.Timeout)
	case runErr != nil:
		r.logger.Error(ctx, "engine failed", jobF, exit, took, slog.Error(runErr),
			slog.F("stderr", r.redactor.Apply(string(stderr.Bytes()))))
		return Result{}, domain.ErrExecutionFailure
	}
	if res.Truncated {
		r.logger.Info(ctx, "engine output truncated", jobF, exit, took, size)
	} else {
		r.logger.Debug(ctx, "engine finished", jobF, exit, took, size)
	}
	return res, nil
}

// failure logs the detail and hands the caller a sanitized error.
func (r *Runner) failure(ctx context.Context, job Job, step string, err error) error {
	r.logger.Error(ctx, "sandbox "+step, slog.F("job", job.ID), slog.Error(err))
	return domain.ErrExecutionFailure
}

var containerSafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// argv expands the command template for the configured isolation mode and
// returns the docker container name when one is used.
func (r *Runner) argv(job Job, dir string) ([]string, string) {
	base := dir
	if r.cfg.Isolation == IsolationDocker {
		base = dockerMount
	}
	repl := strings.NewReplacer(
		"{artifact}", filepath.Join(base, archiveName),
		"{dir}", filepath.Join(base, modelDir),
		"{params}", filepath.Join(base, paramsName),
		"{job}", base,
	)
	cmd := make([]string, len(r.cfg.Command))
	for i, arg := range r.cfg.Command {
		cmd[i] = repl.Replace(arg)
	}
	if r.cfg.Isolation != IsolationDocker {
		return cmd, ""
	}
	name := "simgate-" + containerSafe.ReplaceAllString(job.ID, "-")
	if job.ID == "" {
		name += fmt.Sprintf("%d", time.Now().UnixNano())
	}
	args := []string{"docker", "run", "--rm", "-i",
		"--name", name,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", "256",
		"--read-only",
		"--tmpfs", "/tmp",
		"-v", dir + ":" + dockerMount,
		"-w", dockerMount,
	}
	if r.cfg.Memory != "" {
		args = append(args, "--memory", r.cfg.Memory)
	}
	args = append(args, r.cfg.DockerImage)
	return append(args, cmd...), name
}

// removeContainer stops a container whose docker client was killed; the
// daemon would otherwise keep it running.
func removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "rm", "-f", name).Run()
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
