package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/rs/zerolog"

	"github.com/argus-qa/test-dispatcher/types"
)

// ExecResult is the raw outcome of running one test process. Err is set
// only for spawn-level failures; a test that ran and failed reports
// through ReturnCode.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ReturnCode int
	TimedOut   bool
	Err        error
}

// Executor runs one named test case. The dispatcher treats it as opaque:
// it hands over a task and gets back a verdict, however it was produced.
type Executor interface {
	Execute(ctx context.Context, task *types.Task) ExecResult
}

// GoTestExecutor runs a test case by shelling out to `go test`, bounded by
// the task's timeout. Captured output is ANSI-stripped before it goes on
// the wire.
type GoTestExecutor struct {
	goBinary string
	workDir  string
	log      zerolog.Logger
}

// NewGoTestExecutor creates an executor. goBinary defaults to "go" and
// workDir to the current directory.
func NewGoTestExecutor(goBinary, workDir string, log zerolog.Logger) *GoTestExecutor {
	if goBinary == "" {
		goBinary = "go"
	}
	return &GoTestExecutor{goBinary: goBinary, workDir: workDir, log: log}
}

// Execute runs the task's test with a process-level deadline.
func (e *GoTestExecutor) Execute(ctx context.Context, task *types.Task) ExecResult {
	timeout := task.Timeout()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := e.buildArgs(task, timeout)
	cmd := exec.CommandContext(cctx, e.goBinary, args...)
	cmd.Dir = e.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.log.Debug().Str("task_id", task.ID).Strs("args", args).Msg("executing test")
	runErr := cmd.Run()

	res := ExecResult{
		Stdout: stripansi.Strip(stdout.String()),
		Stderr: stripansi.Strip(stderr.String()),
	}

	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		return res
	}

	if runErr != nil {
		exitErr := &exec.ExitError{}
		if errors.As(runErr, &exitErr) {
			res.ReturnCode = exitErr.ExitCode()
		} else {
			res.Err = fmt.Errorf("failed to run test process: %w", runErr)
		}
	}
	return res
}

func (e *GoTestExecutor) buildArgs(task *types.Task, timeout time.Duration) []string {
	args := []string{"test", packageDir(task.TestFile), "-count=1", "-timeout", timeout.String()}
	if task.TestName != "" {
		args = append(args, "-run", fmt.Sprintf("^%s$", task.TestName))
	}
	return args
}

// packageDir maps a task's test file (or directory) to the package path
// argument `go test` expects.
func packageDir(testFile string) string {
	dir := testFile
	if strings.HasSuffix(testFile, ".go") {
		dir = filepath.Dir(testFile)
	}
	dir = filepath.ToSlash(dir)
	if dir == "." || dir == "" {
		return "./."
	}
	if !strings.HasPrefix(dir, "./") && !filepath.IsAbs(dir) {
		dir = "./" + dir
	}
	return dir
}
