package container

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/common/apperr"
)

// ExecResult is the outcome of a streaming exec.
type ExecResult struct {
	ExitCode       int
	CombinedOutput string
}

// Exec runs argv inside the container and returns its stdout. The command is
// always passed in argv form; no shell ever interprets untrusted input.
// A deadline overrun surfaces as a Timeout error, distinguishable from a
// non-zero exit.
func (r *Runtime) Exec(ctx context.Context, containerID string, argv []string, timeout time.Duration) (string, error) {
	res, err := r.exec(ctx, containerID, argv, timeout, nil)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("command %q exited with code %d: %s",
			strings.Join(argv, " "), res.ExitCode, tail(res.CombinedOutput, 512))
	}
	return res.CombinedOutput, nil
}

// ExecStreaming runs argv inside the container, surfacing each output line
// through onLine as it is produced. Stdout and stderr are merged in the
// combined output.
func (r *Runtime) ExecStreaming(ctx context.Context, containerID string, argv []string, timeout time.Duration, onLine func(string)) (*ExecResult, error) {
	return r.exec(ctx, containerID, argv, timeout, onLine)
}

func (r *Runtime) exec(ctx context.Context, containerID string, argv []string, timeout time.Duration, onLine func(string)) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, apperr.InvalidInput("exec argv must not be empty")
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout+execDeadlineSlack)
	defer cancel()

	created, err := r.cli.ContainerExecCreate(execCtx, containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackendUnavailable, "failed to create exec", err)
	}

	attach, err := r.cli.ContainerExecAttach(execCtx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackendUnavailable, "failed to attach exec", err)
	}
	defer attach.Close()

	// Demultiplex on a goroutine so the deadline can interrupt the read.
	type readResult struct {
		output string
		err    error
	}
	done := make(chan readResult, 1)
	go func() {
		var buf bytes.Buffer
		err := demultiplex(attach.Reader, &buf, onLine)
		done <- readResult{output: buf.String(), err: err}
	}()

	var output string
	select {
	case res := <-done:
		if res.err != nil && !errors.Is(res.err, io.EOF) {
			r.logger.Debug("exec stream error", zap.Error(res.err))
		}
		output = res.output
	case <-time.After(timeout):
		return nil, apperr.Timeout(fmt.Sprintf("exec %q timed out after %v", argv[0], timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspect, err := r.cli.ContainerExecInspect(execCtx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecResult{ExitCode: inspect.ExitCode, CombinedOutput: output}, nil
}

// demultiplex reads Docker's multiplexed stream format (8-byte headers when
// Tty=false), merging stdout and stderr into w and surfacing complete lines
// through onLine.
func demultiplex(reader io.Reader, w io.Writer, onLine func(string)) error {
	pr, pw := io.Pipe()

	go func() {
		header := make([]byte, 8)
		for {
			if _, err := io.ReadFull(reader, header); err != nil {
				pw.CloseWithError(err)
				return
			}
			size := binary.BigEndian.Uint32(header[4:8])
			if size == 0 {
				continue
			}
			frame := make([]byte, size)
			if _, err := io.ReadFull(reader, frame); err != nil {
				pw.CloseWithError(err)
				return
			}
			streamType := header[0]
			if streamType == 1 || streamType == 2 {
				if _, err := pw.Write(frame); err != nil {
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(w, line)
		if onLine != nil {
			onLine(line)
		}
	}
	return scanner.Err()
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func homeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return home, nil
}
