// Package persister drives periodic persistence of the CRDT document to
// disk: an initial save on startup, then a debounced save after each
// change ping. There is no debounce library anywhere in the reference
// corpus for this, so this uses only the standard time package, exactly
// as the daemon it's grounded on does.
package persister

import "time"

// Debounce is how long Run sleeps after each change-triggered persist
// before it handles the next ping; the startup persist is not followed
// by this pause.
const Debounce = time.Second

// Run persists once immediately, then loops forever waiting for pings
// on changed, debouncing by Debounce between saves. persist is called
// with true on the very first call and false on every later one. Run
// returns when changed is closed or stop fires.
func Run(changed <-chan struct{}, stop <-chan struct{}, persist func(full bool)) {
	persist(true)

	for {
		select {
		case <-stop:
			return
		case _, ok := <-changed:
			if !ok {
				return
			}
			// Drain any pings that piled up while we were busy or
			// sleeping; a lagging sender is non-fatal, we'll just
			// persist the latest state once.
			drain(changed)
			persist(false)
			time.Sleep(Debounce)
		}
	}
}

func drain(changed <-chan struct{}) {
	for {
		select {
		case <-changed:
		default:
			return
		}
	}
}
