// Package imagepull serializes container image pulls so concurrent session
// creations for the same image share one pull and one progress stream.
package imagepull

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/common/logger"
)

// Pull statuses.
const (
	StatusIdle    = "idle"
	StatusPulling = "pulling"
	StatusReady   = "ready"
	StatusError   = "error"
)

// Puller starts an image pull and returns the progress stream. Satisfied by
// the Docker SDK; replaced in tests.
type Puller interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

// dockerPuller adapts the SDK client.
type dockerPuller struct{ cli *client.Client }

func (d dockerPuller) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	return d.cli.ImagePull(ctx, ref, options)
}

// imageState tracks one image's pull.
type imageState struct {
	status      string
	err         string
	ready       chan struct{} // closed when status becomes ready
	subscribers map[int]func(string)
	nextSubID   int
}

// Coordinator ensures at most one active pull per image and fans progress
// lines out to subscribers in order.
type Coordinator struct {
	puller Puller
	logger *logger.Logger

	mu     sync.Mutex
	images map[string]*imageState
}

// New creates a coordinator backed by the Docker client.
func New(cli *client.Client, log *logger.Logger) *Coordinator {
	return NewWithPuller(dockerPuller{cli: cli}, log)
}

// NewWithPuller creates a coordinator with an injected puller.
func NewWithPuller(p Puller, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		puller: p,
		logger: log.WithFields(zap.String("component", "image-pull")),
		images: make(map[string]*imageState),
	}
}

func (c *Coordinator) stateFor(imageRef string) *imageState {
	st, ok := c.images[imageRef]
	if !ok {
		st = &imageState{
			status:      StatusIdle,
			ready:       make(chan struct{}),
			subscribers: make(map[int]func(string)),
		}
		c.images[imageRef] = st
	}
	return st
}

// IsReady reports whether the image has been pulled.
func (c *Coordinator) IsReady(imageRef string) bool {
	return c.State(imageRef) == StatusReady
}

// State returns the pull status for an image.
func (c *Coordinator) State(imageRef string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateFor(imageRef).status
}

// LastError returns the error recorded for an image, if any.
func (c *Coordinator) LastError(imageRef string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateFor(imageRef).err
}

// EnsureImage starts a pull when the image is idle or previously errored.
// Pulling and ready images are left alone; ready is terminal.
func (c *Coordinator) EnsureImage(ctx context.Context, imageRef string) {
	c.mu.Lock()
	st := c.stateFor(imageRef)
	if st.status == StatusPulling || st.status == StatusReady {
		c.mu.Unlock()
		return
	}
	st.status = StatusPulling
	st.err = ""
	c.mu.Unlock()

	go c.pull(ctx, imageRef, st)
}

func (c *Coordinator) pull(ctx context.Context, imageRef string, st *imageState) {
	c.logger.Info("pulling image", zap.String("image", imageRef))

	reader, err := c.puller.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		c.fail(imageRef, st, fmt.Sprintf("failed to start pull: %v", err))
		return
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg jsonmessage.JSONMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			c.fail(imageRef, st, msg.Error.Message)
			return
		}
		if line := formatProgressLine(msg); line != "" {
			c.broadcast(imageRef, line)
		}
	}
	if err := scanner.Err(); err != nil {
		c.fail(imageRef, st, fmt.Sprintf("pull stream failed: %v", err))
		return
	}

	c.mu.Lock()
	st.status = StatusReady
	close(st.ready)
	c.mu.Unlock()

	c.logger.Info("image ready", zap.String("image", imageRef))
	c.broadcast(imageRef, "Image ready: "+imageRef)
}

func (c *Coordinator) fail(imageRef string, st *imageState, msg string) {
	c.logger.Warn("image pull failed", zap.String("image", imageRef), zap.String("error", msg))

	c.mu.Lock()
	st.status = StatusError
	st.err = msg
	c.mu.Unlock()

	c.broadcast(imageRef, "Pull failed: "+msg)
}

// broadcast delivers a line to every subscriber, in subscription order held
// under the lock so all subscribers see the same sequence.
func (c *Coordinator) broadcast(imageRef, line string) {
	c.mu.Lock()
	st := c.stateFor(imageRef)
	cbs := make([]func(string), 0, len(st.subscribers))
	for i := 0; i < st.nextSubID; i++ {
		if cb, ok := st.subscribers[i]; ok {
			cbs = append(cbs, cb)
		}
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(line)
	}
}

// OnProgress subscribes to an image's progress lines. Late subscribers see
// only lines produced after subscription. Returns an unsubscribe func.
func (c *Coordinator) OnProgress(imageRef string, cb func(string)) func() {
	c.mu.Lock()
	st := c.stateFor(imageRef)
	id := st.nextSubID
	st.nextSubID++
	st.subscribers[id] = cb
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(st.subscribers, id)
		c.mu.Unlock()
	}
}

// WaitForReady blocks until the image is ready or the deadline passes.
// Returns false on timeout, pull error, or context cancellation.
func (c *Coordinator) WaitForReady(ctx context.Context, imageRef string, deadline time.Duration) bool {
	c.mu.Lock()
	st := c.stateFor(imageRef)
	if st.status == StatusReady {
		c.mu.Unlock()
		return true
	}
	ready := st.ready
	c.mu.Unlock()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		select {
		case <-ready:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
			// A pull error never closes the ready channel; poll for it.
			if c.State(imageRef) == StatusError {
				return false
			}
		}
	}
}

// formatProgressLine renders one Docker JSON progress message as a
// human-readable line. Empty messages yield "".
func formatProgressLine(msg jsonmessage.JSONMessage) string {
	if msg.Status == "" {
		return ""
	}
	line := msg.Status
	if msg.ID != "" {
		line = msg.ID + ": " + line
	}
	if msg.Progress != nil && msg.Progress.String() != "" {
		line += " " + msg.Progress.String()
	}
	return line
}
