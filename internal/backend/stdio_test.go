package backend

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionhq/companion/pkg/protocol"
)

// catAdapter spawns cat as the backend child, which echoes every line the
// adapter sends, exercising the full write-read round trip.
func catAdapter(t *testing.T) *StdioAdapter {
	t.Helper()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	a, err := NewStdioAdapter("s1", LaunchOptions{
		Backend: protocol.BackendClaude,
		Argv:    []string{"cat"},
	}, nil)
	require.NoError(t, err)
	return a
}

func TestStdioRoundTrip(t *testing.T) {
	a := catAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Close()

	require.NoError(t, a.Send(map[string]any{"type": "assistant", "text": "hi"}))

	select {
	case evt := <-a.Events():
		require.NotNil(t, evt)
		assert.Equal(t, protocol.EventAssistant, evt.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no event from child")
	}
}

func TestStdioOrderPreserved(t *testing.T) {
	a := catAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(map[string]any{"type": "assistant", "n": i}))
	}

	for i := 0; i < 10; i++ {
		select {
		case evt := <-a.Events():
			var body struct {
				N int `json:"n"`
			}
			require.NoError(t, evt.DecodeData(&body))
			assert.Equal(t, i, body.N, "events must arrive in write order")
		case <-time.After(2 * time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestStdioDoneOnClose(t *testing.T) {
	a := catAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.NoError(t, a.Close())
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Close")
	}

	// Close is idempotent.
	assert.NoError(t, a.Close())
}

func TestStdioMissingBinary(t *testing.T) {
	a, err := NewStdioAdapter("s1", LaunchOptions{
		Backend: protocol.BackendClaude,
		Argv:    []string{"definitely-not-a-real-binary-12345"},
	}, nil)
	require.NoError(t, err)
	assert.Error(t, a.Start(context.Background()))
}
