// Package alert delivers fire-and-forget operational notifications. Delivery
// never blocks and never fails the caller.
package alert

import (
	"sync"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
)

// Kind classifies a notification.
type Kind string

const (
	KindProviderFailure Kind = "provider_failure"
	KindInvalidResponse Kind = "invalid_response"
	KindRiskLimit       Kind = "risk_limit"
	KindRepeatedFailure Kind = "repeated_execution_failure"
)

// Notifier receives operational notifications.
type Notifier interface {
	Fire(kind Kind, message string)
}

// LogNotifier writes notifications to the error log.
type LogNotifier struct{}

func (LogNotifier) Fire(kind Kind, message string) {
	logx.Errorf("alert [%s]: %s", kind, message)
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Fire(Kind, string) {}

// Async wraps a Notifier so Fire returns immediately and delivery runs on its
// own goroutine with panic recovery.
func Async(n Notifier) Notifier {
	if n == nil {
		n = Noop{}
	}
	return asyncNotifier{inner: n}
}

type asyncNotifier struct {
	inner Notifier
}

func (a asyncNotifier) Fire(kind Kind, message string) {
	threading.GoSafe(func() {
		a.inner.Fire(kind, message)
	})
}

// Recorder collects notifications for assertions in tests.
type Recorder struct {
	mu    sync.Mutex
	fired []Record
}

// Record is one captured notification.
type Record struct {
	Kind    Kind
	Message string
}

func (r *Recorder) Fire(kind Kind, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, Record{Kind: kind, Message: message})
}

// Fired returns a copy of the captured notifications.
func (r *Recorder) Fired() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.fired))
	copy(out, r.fired)
	return out
}

// Count returns how many notifications of kind were captured; an empty kind
// counts everything.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == "" {
		return len(r.fired)
	}
	n := 0
	for _, rec := range r.fired {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}
