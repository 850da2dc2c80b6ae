package workflow

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/resilience/retry"
)

// Observer receives node lifecycle events. The executor serializes calls and
// recovers panics, so implementations need no locking of their own.
type Observer interface {
	OnNodeStart(node string)
	OnNodeComplete(node string, output any, duration time.Duration)
	OnNodeError(node string, err error)
	OnNodeProgress(node string, fraction float64)
}

// RetryObserver is optionally implemented by observers interested in retries.
type RetryObserver interface {
	OnNodeRetry(node string, info retry.AttemptInfo)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Start    func(node string)
	Complete func(node string, output any, duration time.Duration)
	Error    func(node string, err error)
	Progress func(node string, fraction float64)
	Retry    func(node string, info retry.AttemptInfo)
}

func (f ObserverFuncs) OnNodeStart(node string) {
	if f.Start != nil {
		f.Start(node)
	}
}

func (f ObserverFuncs) OnNodeComplete(node string, output any, duration time.Duration) {
	if f.Complete != nil {
		f.Complete(node, output, duration)
	}
}

func (f ObserverFuncs) OnNodeError(node string, err error) {
	if f.Error != nil {
		f.Error(node, err)
	}
}

func (f ObserverFuncs) OnNodeProgress(node string, fraction float64) {
	if f.Progress != nil {
		f.Progress(node, fraction)
	}
}

func (f ObserverFuncs) OnNodeRetry(node string, info retry.AttemptInfo) {
	if f.Retry != nil {
		f.Retry(node, info)
	}
}

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnNodeStart(node string) {
	for _, o := range m {
		o.OnNodeStart(node)
	}
}

func (m MultiObserver) OnNodeComplete(node string, output any, duration time.Duration) {
	for _, o := range m {
		o.OnNodeComplete(node, output, duration)
	}
}

func (m MultiObserver) OnNodeError(node string, err error) {
	for _, o := range m {
		o.OnNodeError(node, err)
	}
}

func (m MultiObserver) OnNodeProgress(node string, fraction float64) {
	for _, o := range m {
		o.OnNodeProgress(node, fraction)
	}
}

func (m MultiObserver) OnNodeRetry(node string, info retry.AttemptInfo) {
	for _, o := range m {
		if ro, ok := o.(RetryObserver); ok {
			ro.OnNodeRetry(node, info)
		}
	}
}

// notifier serializes observer calls for one run and isolates their panics.
type notifier struct {
	mu     sync.Mutex
	obs    Observer
	logger *zap.Logger
}

func newNotifier(obs Observer, logger *zap.Logger) *notifier {
	return &notifier{obs: obs, logger: logger}
}

func (n *notifier) dispatch(event, node string, fn func(Observer)) {
	if n == nil || n.obs == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("observer panicked",
				zap.String("event", event),
				zap.String("node", node),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(n.obs)
}

func (n *notifier) start(node string) {
	n.dispatch("start", node, func(o Observer) { o.OnNodeStart(node) })
}

func (n *notifier) complete(node string, output any, d time.Duration) {
	n.dispatch("complete", node, func(o Observer) { o.OnNodeComplete(node, output, d) })
}

func (n *notifier) fail(node string, err error) {
	n.dispatch("error", node, func(o Observer) { o.OnNodeError(node, err) })
}

func (n *notifier) progress(node string, fraction float64) {
	n.dispatch("progress", node, func(o Observer) { o.OnNodeProgress(node, fraction) })
}

func (n *notifier) retry(node string, info retry.AttemptInfo) {
	n.dispatch("retry", node, func(o Observer) {
		if ro, ok := o.(RetryObserver); ok {
			ro.OnNodeRetry(node, info)
		}
	})
}
