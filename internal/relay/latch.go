// Package relay moves request and response bodies between the inbound
// connection and the upstream exchange, one chunk at a time.
package relay

import "sync"

// Latch records a single completion. Only the first Fire takes effect.
type Latch struct {
	once sync.Once
	done chan struct{}
	err  error
	mu   sync.Mutex // guards lazy init of done
}

func (l *Latch) ch() chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		l.done = make(chan struct{})
	}
	return l.done
}

// Fire completes the latch with err and reports whether this call did it.
func (l *Latch) Fire(err error) bool {
	fired := false
	l.once.Do(func() {
		l.err = err
		close(l.ch())
		fired = true
	})
	return fired
}

// Done is closed once the latch has fired.
func (l *Latch) Done() <-chan struct{} {
	return l.ch()
}

// Fired reports whether the latch has fired.
func (l *Latch) Fired() bool {
	select {
	case <-l.ch():
		return true
	default:
		return false
	}
}

// Err returns the error the latch fired with. It is nil before firing.
func (l *Latch) Err() error {
	select {
	case <-l.ch():
		return l.err
	default:
		return nil
	}
}
