// Package randomedit drives random edits against a document for manual
// and automated soak testing of convergence. It is never wired into a
// production daemon invocation except behind an explicit opt-in flag.
package randomedit

import (
	"math/rand"
	"time"

	"github.com/etherdsync/etherd/internal/textdelta"
)

// options are the fragments spliced in by a random edit, matching the
// character set the original driver used.
var options = []string{"a", "b", "c", "d", "e", "f", "\n"}

// DefaultInterval is how often the driver fires when no other interval
// is specified.
const DefaultInterval = 2 * time.Second

// Backend is the subset of the document actor's API the driver needs.
type Backend interface {
	RandomEdit(delta *textdelta.TextDelta)
}

// Driver fires random edits against one file on a fixed interval until
// stopped.
type Driver struct {
	backend  Backend
	current  func() (string, bool)
	interval time.Duration
	rng      *rand.Rand
}

// New builds a driver. current should return the live content of the
// target file (and false if it doesn't exist yet, in which case the
// driver skips that tick).
func New(backend Backend, current func() (string, bool), interval time.Duration) *Driver {
	return &Driver{
		backend:  backend,
		current:  current,
		interval: interval,
		rng:      rand.New(rand.NewSource(1)),
	}
}

// Run fires edits every interval until stop is closed.
func (d *Driver) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			content, ok := d.current()
			if !ok {
				continue
			}
			d.backend.RandomEdit(d.next(content))
		}
	}
}

// next generates one random retain/insert/delete delta against content,
// biased toward small, local changes the way a human's keystrokes would
// be.
func (d *Driver) next(content string) *textdelta.TextDelta {
	textLength := uint64(len([]rune(content)))

	randomText := make([]byte, 0, 4)
	for i := 0; i < 4; i++ {
		randomText = append(randomText, options[d.rng.Intn(len(options))]...)
	}

	randomPosition := uint64(0)
	if textLength > 0 {
		randomPosition = uint64(d.rng.Int63n(int64(textLength) + 1))
	}

	delta := textdelta.New().Retain(randomPosition).Insert(string(randomText))

	deletionLength := uint64(0)
	if remaining := textLength - randomPosition; remaining > 0 {
		deletionLength = uint64(d.rng.Int63n(int64(remaining)))
		if deletionLength > 3 {
			deletionLength = 3
		}
	}
	if deletionLength > 0 {
		delta.Delete(deletionLength)
	}
	if remaining := textLength - randomPosition - deletionLength; remaining > 0 {
		delta.Retain(remaining)
	}

	return delta
}
