package framework

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/logging"
)

// DefaultGracePeriod is how long an interrupted adapter may take to save
// its state before it is killed.
const DefaultGracePeriod = 60 * time.Second

const stderrTail = 20

// Subprocess runs the framework adapter command once per stage:
//
//	<command...> <op>
//
// The request is written to stdin as JSON and the response read from
// stdout. Every stderr line is forwarded to the logger. Cancelling the
// context sends SIGINT so training can flush its history.
type Subprocess struct {
	Command     []string
	Dir         string
	Env         []string
	GracePeriod time.Duration
	Logger      *logging.Logger
}

// NewSubprocess splits command on whitespace.
func NewSubprocess(command, dir string, logger *logging.Logger) (*Subprocess, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errkind.Config(errkind.MissingValue, "settings", "framework_cmd",
			"no ML framework adapter is configured",
			"Set MODELZOO_FRAMEWORK_CMD to the adapter command")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Subprocess{Command: argv, Dir: dir, GracePeriod: DefaultGracePeriod, Logger: logger}, nil
}

func (s *Subprocess) Preprocess(ctx context.Context, req *Request) (*Response, error) {
	return s.call(ctx, OpPreprocess, req)
}

func (s *Subprocess) Train(ctx context.Context, req *Request) (*Response, error) {
	return s.call(ctx, OpTrain, req)
}

func (s *Subprocess) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	return s.call(ctx, OpEvaluate, req)
}

func (s *Subprocess) Quantize(ctx context.Context, req *Request) (*Response, error) {
	return s.call(ctx, OpQuantize, req)
}

func (s *Subprocess) Predict(ctx context.Context, req *Request) (*Response, error) {
	return s.call(ctx, OpPredict, req)
}

func (s *Subprocess) call(ctx context.Context, op Op, req *Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", op, err)
	}

	args := append(append([]string(nil), s.Command[1:]...), string(op))
	cmd := exec.CommandContext(ctx, s.Command[0], args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = s.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGracePeriod
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, errkind.Wrap(errkind.KindStage, errkind.StageFailed,
			fmt.Sprintf("starting framework adapter %q", s.Command[0]), err)
	}
	tail := s.forward(ctx, stderr)
	waitErr := cmd.Wait()

	var resp Response
	decodeErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp)
	if waitErr != nil {
		// An interrupted adapter that still reported its state is a
		// clean stop.
		if ctx.Err() != nil && decodeErr == nil && resp.Interrupted {
			return &resp, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("framework %s: %w", op, ctx.Err())
		}
		return nil, &errkind.Error{
			Kind: errkind.KindStage,
			Code: errkind.StageFailed,
			Msg:  fmt.Sprintf("framework %s failed", op),
			Hint: lastLines(tail),
			Err:  waitErr,
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("framework %s returned invalid output: %w", op, decodeErr)
	}
	return &resp, nil
}

// forward logs stderr lines until EOF and returns the last few.
func (s *Subprocess) forward(ctx context.Context, r io.Reader) []string {
	var tail []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		s.Logger.Info(ctx, line, zap.String("source", "framework"))
		tail = append(tail, line)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.Logger.Debug(ctx, "reading framework output", zap.Error(err))
	}
	return tail
}

func lastLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return "Framework output:\n" + strings.Join(lines, "\n")
}
