package worker

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
	"github.com/kadena-io/chainweb-mining-client/pkg/errors"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

// ExternalWorker delegates mining to a configured subprocess: it writes
// target (32 bytes) || work (286 bytes) to the child's stdin and expects
// 286 bytes of solved Work back on stdout. Cancellation sends SIGTERM; the
// wall-clock timeout sends SIGKILL.
type ExternalWorker struct {
	command []string
	timeout time.Duration
	logger  *log.Logger
}

// NewExternal creates an ExternalWorker. command is a pre-split argv
// (command[0] is the executable); timeout bounds total wall-clock time for
// one mining call.
func NewExternal(command []string, timeout time.Duration, logger *log.Logger) *ExternalWorker {
	return &ExternalWorker{
		command: command,
		timeout: timeout,
		logger:  logger.WithComponent("external-worker"),
	}
}

// ParseExternalCommand splits a shell-style "cmd arg1 arg2" string the way
// --external-worker-cmd is specified on the CLI.
func ParseExternalCommand(s string) []string {
	return strings.Fields(s)
}

// Mine implements Worker.
func (w *ExternalWorker) Mine(ctx context.Context, work chainweb.Work, target chainweb.Target) (chainweb.MiningResult, error) {
	if len(w.command) == 0 {
		return chainweb.MiningResult{}, errors.New(errors.ErrorTypeWorker, "external_mine", "no external worker command configured")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, w.command[0], w.command[1:]...)
	cmd.Cancel = func() error {
		if ctx.Err() == nil {
			// only the wall-clock timeout fired, not the caller's cancellation
			return cmd.Process.Kill()
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 2 * time.Second // escalate to SIGKILL if it ignores SIGTERM

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return chainweb.MiningResult{}, errors.Wrap(err, errors.ErrorTypeWorker, "external_mine", "failed to open stdin")
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Start(); err != nil {
		return chainweb.MiningResult{}, errors.Wrap(err, errors.ErrorTypeWorker, "external_mine", "failed to start child process")
	}

	input := append(target.Bytes(), work.Bytes()...)
	if _, err := stdin.Write(input); err != nil {
		stdin.Close()
		_ = cmd.Wait()
		return chainweb.MiningResult{}, errors.Wrap(err, errors.ErrorTypeWorker, "external_mine", "failed to write to child stdin")
	}
	stdin.Close()

	err = cmd.Wait()
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return chainweb.MiningResult{}, errors.Wrap(timeoutCtx.Err(), errors.ErrorTypeWorker, "external_mine", "child process timed out")
	}
	if ctx.Err() == context.Canceled {
		return chainweb.MiningResult{}, ctx.Err()
	}
	if err != nil {
		return chainweb.MiningResult{}, errors.Wrap(err, errors.ErrorTypeWorker, "external_mine", "child process exited with error")
	}

	solved, perr := chainweb.ParseWork(stdout.Bytes())
	if perr != nil {
		return chainweb.MiningResult{}, errors.Wrap(perr, errors.ErrorTypeWorker, "external_mine", "child produced malformed work on stdout")
	}

	digest := chainweb.Digest(solved)
	if !target.Meets(digest) {
		return chainweb.MiningResult{}, errors.New(errors.ErrorTypeWorker, "external_mine", "child-produced work does not meet target")
	}

	return chainweb.MiningResult{Work: solved, Digest: digest}, nil
}
