package randomedit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etherdsync/etherd/internal/textdelta"
)

type captureBackend struct {
	deltas chan *textdelta.TextDelta
}

func (c *captureBackend) RandomEdit(delta *textdelta.TextDelta) {
	c.deltas <- delta
}

func TestNextProducesApplicableDelta(t *testing.T) {
	backend := &captureBackend{deltas: make(chan *textdelta.TextDelta, 1)}
	content := "hello world"
	d := New(backend, func() (string, bool) { return content, true }, time.Millisecond)

	delta := d.next(content)
	assert.Equal(t, uint64(len([]rune(content))), delta.BaseLen())

	out, err := delta.Apply(content)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestRunFiresOnTickerAndStops(t *testing.T) {
	backend := &captureBackend{deltas: make(chan *textdelta.TextDelta, 4)}
	content := "abc"
	d := New(backend, func() (string, bool) { return content, true }, time.Millisecond)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		d.Run(stop)
		close(done)
	}()

	select {
	case <-backend.deltas:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a random edit")
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop was closed")
	}
}

func TestRunSkipsTicksWithNoContentYet(t *testing.T) {
	backend := &captureBackend{deltas: make(chan *textdelta.TextDelta, 4)}
	d := New(backend, func() (string, bool) { return "", false }, time.Millisecond)

	stop := make(chan struct{})
	go d.Run(stop)
	defer close(stop)

	select {
	case <-backend.deltas:
		t.Fatal("should not have produced a delta with no content available")
	case <-time.After(20 * time.Millisecond):
	}
}
