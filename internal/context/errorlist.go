package context

import (
	"sync"

	"github.com/behrlich/go-nnpi/internal/wire"
)

// ExecErrorList accumulates a two-phase paged query response: the caller
// issues a query, the dispatch task appends pages as they arrive, and the
// list becomes Completed once the accumulated size reaches the total the
// first page declared.
type ExecErrorList struct {
	mu          sync.Mutex
	total       uint32
	accumulated []byte
	completed   bool
	descriptors []wire.ExecErrorDescriptor
	waiters     []chan struct{}
}

// NewExecErrorList returns an empty, not-yet-queried list.
func NewExecErrorList() *ExecErrorList {
	return &ExecErrorList{}
}

// StartQuery resets the list for a fresh query.
func (l *ExecErrorList) StartQuery() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total = 0
	l.accumulated = nil
	l.completed = false
	l.descriptors = nil
}

// AppendPage ingests one page of the chained response. Once the
// accumulated size reaches page.Total the list parses its descriptors,
// marks itself completed, and wakes every waiter.
func (l *ExecErrorList) AppendPage(page wire.ExecErrorListPage) error {
	l.mu.Lock()
	l.total = page.Total
	l.accumulated = append(l.accumulated, page.Payload...)
	done := uint32(len(l.accumulated)) >= l.total
	var waiters []chan struct{}
	if done {
		descs, err := wire.ParseExecErrorDescriptors(l.accumulated)
		if err != nil {
			l.mu.Unlock()
			return err
		}
		l.descriptors = descs
		l.completed = true
		waiters = l.waiters
		l.waiters = nil
	}
	l.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return nil
}

// WaitCompleted blocks until the current query completes.
func (l *ExecErrorList) WaitCompleted() {
	l.mu.Lock()
	if l.completed {
		l.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()
	<-ch
}

// Completed reports whether the current query has finished.
func (l *ExecErrorList) Completed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed
}

// Descriptors returns the parsed error descriptors of the last completed
// query.
func (l *ExecErrorList) Descriptors() []wire.ExecErrorDescriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wire.ExecErrorDescriptor, len(l.descriptors))
	copy(out, l.descriptors)
	return out
}

// ClearRequestSucceeded resets the list to its empty state, called after a
// successful clear-variant query.
func (l *ExecErrorList) ClearRequestSucceeded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total = 0
	l.accumulated = nil
	l.completed = false
	l.descriptors = nil
}
