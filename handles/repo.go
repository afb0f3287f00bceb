// Package handles stores and retrieves the interned identifiers of one
// session. A handle is a small integer standing in for a normalized
// string, unique and stable within its type for the session's
// lifetime. Handles carry a global reference count plus per-client
// hold sets, so that a local caller's handles can all be dropped at
// once when that caller goes away.
package handles

import (
	"container/heap"
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
)

type entry struct {
	str      string
	refcount uint32
}

// intHeap keeps released ids so the lowest free id is reused first.
type intHeap []protocol.Handle

func (h intHeap) Len() int            { return len(h) }
func (h intHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)         { *h = append(*h, x.(protocol.Handle)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// typeRepo holds the interned entries of a single handle type.
type typeRepo struct {
	mu      sync.RWMutex
	byID    map[protocol.Handle]*entry
	serial  protocol.Handle
	freeIDs intHeap

	// byString is readable without taking mu; writes happen under mu.
	byString cmap.ConcurrentMap[string, protocol.Handle]
}

func newTypeRepo() *typeRepo {
	return &typeRepo{
		byID:     make(map[protocol.Handle]*entry),
		serial:   1,
		byString: cmap.New[protocol.Handle](),
	}
}

func (r *typeRepo) intern(s string) protocol.Handle {
	if h, ok := r.byString.Get(s); ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// lost a race with another intern of the same string
	if h, ok := r.byString.Get(s); ok {
		return h
	}

	var h protocol.Handle
	if len(r.freeIDs) > 0 {
		h = heap.Pop(&r.freeIDs).(protocol.Handle)
	} else {
		h = r.serial
		r.serial++
	}
	r.byID[h] = &entry{str: s}
	r.byString.Set(s, h)
	return h
}

func (r *typeRepo) lookup(s string) protocol.Handle {
	h, _ := r.byString.Get(s)
	return h
}

func (r *typeRepo) ref(h protocol.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[h]
	if !ok {
		return false
	}
	e.refcount++
	return true
}

func (r *typeRepo) unref(h protocol.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[h]
	if !ok {
		return false
	}
	if e.refcount > 0 {
		e.refcount--
	}
	if e.refcount == 0 {
		r.remove(h, e)
	}
	return true
}

// remove drops a slot and recycles its id. Callers hold mu.
func (r *typeRepo) remove(h protocol.Handle, e *entry) {
	delete(r.byID, h)
	r.byString.Remove(e.str)
	if h == r.serial-1 {
		r.serial--
	} else {
		heap.Push(&r.freeIDs, h)
	}
}

func (r *typeRepo) inspect(h protocol.Handle) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[h]
	if !ok {
		return "", false
	}
	return e.str, true
}

// Repo is the handle registry of one session.
type Repo struct {
	contacts *typeRepo
	rooms    *typeRepo
	groups   *typeRepo

	// per-client hold sets, keyed by client name
	contactHolds cmap.ConcurrentMap[string, *Set]
	roomHolds    cmap.ConcurrentMap[string, *Set]
	groupHolds   cmap.ConcurrentMap[string, *Set]
}

func NewRepo() *Repo {
	return &Repo{
		contacts:     newTypeRepo(),
		rooms:        newTypeRepo(),
		groups:       newTypeRepo(),
		contactHolds: cmap.New[*Set](),
		roomHolds:    cmap.New[*Set](),
		groupHolds:   cmap.New[*Set](),
	}
}

func (r *Repo) typeRepoFor(t protocol.HandleType) *typeRepo {
	switch t {
	case protocol.HandleTypeContact:
		return r.contacts
	case protocol.HandleTypeRoom:
		return r.rooms
	case protocol.HandleTypeGroup:
		return r.groups
	default:
		return nil
	}
}

func (r *Repo) holdsFor(t protocol.HandleType) cmap.ConcurrentMap[string, *Set] {
	switch t {
	case protocol.HandleTypeContact:
		return r.contactHolds
	case protocol.HandleTypeRoom:
		return r.roomHolds
	default:
		return r.groupHolds
	}
}

// ForContact interns a contact jid and returns its handle, or 0 if the
// jid is not a valid contact identifier.
func (r *Repo) ForContact(jid string) protocol.Handle {
	s := normalizeContact(jid)
	if s == "" {
		return 0
	}
	return r.contacts.intern(s)
}

// ForRoom interns a room jid (room@service, nick stripped) and returns
// its handle, or 0 for a malformed jid.
func (r *Repo) ForRoom(jid string) protocol.Handle {
	s := normalizeRoom(jid)
	if s == "" {
		return 0
	}
	return r.rooms.intern(s)
}

// RoomExists reports whether a room jid is already interned, without
// minting a handle for it.
func (r *Repo) RoomExists(jid string) bool {
	s := normalizeRoom(jid)
	if s == "" {
		return false
	}
	return r.rooms.lookup(s) != 0
}

// ForList maps a list name to its fixed handle, or 0.
func (r *Repo) ForList(name string) protocol.Handle {
	for i, s := range protocol.ListHandleNames {
		if s == name {
			return protocol.Handle(i + 1)
		}
	}
	return 0
}

// ForGroup interns an arbitrary group name.
func (r *Repo) ForGroup(name string) protocol.Handle {
	if name == "" {
		return 0
	}
	return r.groups.intern(name)
}

// Ref increments the global reference count. List handles are not
// refcounted; Ref reports only whether the handle is in range.
func (r *Repo) Ref(t protocol.HandleType, h protocol.Handle) bool {
	if t == protocol.HandleTypeList {
		return h >= protocol.ListHandlePublish && h <= protocol.ListHandleDeny
	}
	tr := r.typeRepoFor(t)
	if tr == nil {
		return false
	}
	return tr.ref(h)
}

// Unref decrements the global reference count; at zero the slot is
// removed and its id recycled.
func (r *Repo) Unref(t protocol.HandleType, h protocol.Handle) bool {
	if t == protocol.HandleTypeList {
		return h >= protocol.ListHandlePublish && h <= protocol.ListHandleDeny
	}
	tr := r.typeRepoFor(t)
	if tr == nil {
		return false
	}
	return tr.unref(h)
}

// IsValid reports whether a handle currently names a live slot.
func (r *Repo) IsValid(t protocol.HandleType, h protocol.Handle) bool {
	if h == 0 {
		return false
	}
	if t == protocol.HandleTypeList {
		return h <= protocol.ListHandleDeny
	}
	tr := r.typeRepoFor(t)
	if tr == nil {
		return false
	}
	_, ok := tr.inspect(h)
	return ok
}

// AreValid checks a whole slice, optionally allowing zero entries.
func (r *Repo) AreValid(t protocol.HandleType, hs []protocol.Handle, allowZero bool) error {
	for _, h := range hs {
		if h == 0 && allowZero {
			continue
		}
		if !r.IsValid(t, h) {
			return fmt.Errorf("%w: handle %d of type %s", pkg.ErrInvalidHandle, h, t)
		}
	}
	return nil
}

// Inspect returns the interned string for a handle, or "".
func (r *Repo) Inspect(t protocol.HandleType, h protocol.Handle) string {
	if t == protocol.HandleTypeList {
		if h >= protocol.ListHandlePublish && h <= protocol.ListHandleDeny {
			return protocol.ListHandleNames[h-1]
		}
		return ""
	}
	tr := r.typeRepoFor(t)
	if tr == nil {
		return ""
	}
	s, _ := tr.inspect(h)
	return s
}

// ClientHold marks a handle as held on behalf of a named local caller.
// Each distinct (client, type, handle) hold owns one reference.
func (r *Repo) ClientHold(client string, t protocol.HandleType, h protocol.Handle) error {
	if t == protocol.HandleTypeList {
		return nil
	}
	if !t.IsValid() {
		return fmt.Errorf("%w: handle type %d", pkg.ErrInvalidArgument, t)
	}
	if client == "" {
		return fmt.Errorf("%w: empty client name", pkg.ErrInvalidArgument)
	}

	holds := r.holdsFor(t)
	set, _ := holds.Get(client)
	if set == nil {
		set = NewSet(r, t)
		if !holds.SetIfAbsent(client, set) {
			set, _ = holds.Get(client)
		}
	}
	set.Add(h)
	return nil
}

// ClientRelease unmarks a hold made with ClientHold.
func (r *Repo) ClientRelease(client string, t protocol.HandleType, h protocol.Handle) error {
	if t == protocol.HandleTypeList {
		return nil
	}
	if !t.IsValid() {
		return fmt.Errorf("%w: handle type %d", pkg.ErrInvalidArgument, t)
	}
	if client == "" {
		return fmt.Errorf("%w: empty client name", pkg.ErrInvalidArgument)
	}

	set, _ := r.holdsFor(t).Get(client)
	if set == nil {
		return fmt.Errorf("%w: client %s holds no handles", pkg.ErrNotAvailable, client)
	}
	if !set.Remove(h) {
		return fmt.Errorf("%w: client %s was not holding handle %d", pkg.ErrNotAvailable, client, h)
	}
	return nil
}

// ClientReleaseAll drops every hold of a client that has gone away.
func (r *Repo) ClientReleaseAll(client string) {
	for _, holds := range []cmap.ConcurrentMap[string, *Set]{r.contactHolds, r.roomHolds, r.groupHolds} {
		if set, ok := holds.Get(client); ok {
			holds.Remove(client)
			set.Clear()
		}
	}
}
