// Asynchronous calls deliver their final outcome through an Executor the caller supplies, either
// at cache construction or per call. The cache makes no cross-thread marshaling decisions of its
// own beyond invoking the designated executor exactly once per call; callers that need results on
// a particular goroutine (an event loop, a render thread) hand in an executor that hops there.

package cache

// Executor runs a completion callback on an execution context of the caller's choosing.
type Executor interface {
	Do(fn func())
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Do(fn func()) { f(fn) }

var (
	// Spawn runs every completion on its own goroutine. This is the default executor.
	Spawn Executor = ExecutorFunc(func(fn func()) { go fn() })
	// Inline runs completions synchronously on the goroutine that finished the operation. Useful
	// in tests and for callers that do their own hand-off.
	Inline Executor = ExecutorFunc(func(fn func()) { fn() })
)
