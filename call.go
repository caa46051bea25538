package amppool

import "github.com/go-amp/amppool/internal/future"

// workItem is a pending DoWork admission: the command, its arguments,
// and the single-shot future its caller observes. It exists from
// submission until it is handed to a child's endpoint or cancelled out
// of the queue.
type workItem struct {
	cmd  Command
	args map[string]any
	fut  *future.Future[map[string]any]
}
