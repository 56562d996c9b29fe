package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"trainctl/internal/model"
)

// Runner executes the work a job describes and returns its result.
type Runner interface {
	Run(ctx context.Context, j *model.Job) ([]byte, error)
}

// ShellRunner runs the payload command through bash. Job metadata and
// params are exported as TRAINCTL_* environment variables; stdout is the
// job result.
type ShellRunner struct {
	Dir string
}

func (r ShellRunner) Run(ctx context.Context, j *model.Job) ([]byte, error) {
	p, err := model.DecodePayload(j.Payload)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Command) == "" {
		return nil, fmt.Errorf("%w: job %s has no command", model.ErrValidation, j.ID)
	}

	cmd := exec.CommandContext(ctx, "bash", "-lc", p.Command)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(),
		"TRAINCTL_JOB_ID="+j.ID,
		"TRAINCTL_EXECUTION_ID="+j.ExecutionID,
		"TRAINCTL_WORKFLOW_ID="+j.WorkflowID,
		"TRAINCTL_STAGE="+j.Stage,
		"TRAINCTL_JOB_TYPE="+string(j.Type),
		fmt.Sprintf("TRAINCTL_ATTEMPT=%d", j.Attempts+1),
	)
	for k, v := range p.Params {
		cmd.Env = append(cmd.Env, "TRAINCTL_PARAM_"+envName(k)+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, tail(msg, 512))
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

func envName(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, k)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
