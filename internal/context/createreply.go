package context

import (
	"context"
	"fmt"

	"github.com/behrlich/go-nnpi/internal/waitqueue"
	"github.com/behrlich/go-nnpi/internal/wire"
)

// ObjID keys a create-reply. A component value of -1 is a wildcard that
// matches any concrete value on the other side of a comparison — it lets
// a caller register interest in, say, "any create-context event" without
// knowing the context's assigned ID yet.
type ObjID struct {
	Type wire.ObjType
	ID1  int32
	ID2  int32
}

// AnyID is the wildcard component value.
const AnyID int32 = -1

func idMatches(a, b int32) bool {
	return a == AnyID || b == AnyID || a == b
}

// Matches reports whether id and other identify the same object, treating
// AnyID components as wildcards on either side.
func (id ObjID) Matches(other ObjID) bool {
	return id.Type == other.Type && idMatches(id.ID1, other.ID1) && idMatches(id.ID2, other.ID2)
}

// createReplyRegistry holds pending create replies keyed by ObjID. Lookup
// is a linear scan under the shared wait queue lock: the registry only
// ever holds as many entries as there are outstanding create calls plus a
// handful of not-yet-collected replies, so a scan is cheap and, unlike a
// plain map, supports wildcard matching correctly.
type createReplyRegistry struct {
	wq      *waitqueue.WaitQueue
	entries []replyEntry
}

type replyEntry struct {
	key   ObjID
	reply wire.EventReport
}

func newCreateReplyRegistry() *createReplyRegistry {
	return &createReplyRegistry{wq: waitqueue.New()}
}

// Deliver stores a reply and wakes any waiter whose key matches it. Called
// by the event router when a create-{success,failed} event arrives.
func (r *createReplyRegistry) Deliver(key ObjID, reply wire.EventReport) {
	r.wq.UpdateAndNotify(func() {
		r.entries = append(r.entries, replyEntry{key: key, reply: reply})
	})
}

// Wait blocks until a reply matching key is delivered or brokenFn reports
// the context has become broken, whichever comes first. On success it
// removes and returns the matching reply.
func (r *createReplyRegistry) Wait(ctx context.Context, key ObjID, brokenFn func() bool) (wire.EventReport, error) {
	var found wire.EventReport
	var foundIdx = -1

	err := r.wq.WaitContext(ctx, func() bool {
		for i, e := range r.entries {
			if e.key.Matches(key) {
				foundIdx = i
				return true
			}
		}
		return brokenFn()
	})
	if err != nil {
		return wire.EventReport{}, err
	}

	r.wq.Lock()
	defer r.wq.Unlock()
	if foundIdx >= 0 && foundIdx < len(r.entries) && r.entries[foundIdx].key.Matches(key) {
		found = r.entries[foundIdx].reply
		r.entries = append(r.entries[:foundIdx], r.entries[foundIdx+1:]...)
		return found, nil
	}
	if brokenFn() {
		return wire.EventReport{}, fmt.Errorf("context: broken while waiting for create reply")
	}
	return wire.EventReport{}, fmt.Errorf("context: create reply registry inconsistent state")
}
