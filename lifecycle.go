package amppool

import "sync"

// shutdownOnce guarantees a pool's drain sequence runs exactly once
// even under concurrent Stop callers: the second and later callers
// block until the first's sequence finishes and then observe the same
// result, rather than racing past an in-progress drain.
type shutdownOnce struct {
	once sync.Once
	err  error
}

func (s *shutdownOnce) run(f func() error) error {
	s.once.Do(func() { s.err = f() })
	return s.err
}
