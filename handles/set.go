package handles

import (
	"sync"

	"github.com/lanternchat/go-xcm/protocol"
)

// Set is a reference-holding set of handles of one type. Adding a
// handle takes a ref on the repo, removing it (or clearing the set)
// gives the ref back, so a set going away can never leak references.
type Set struct {
	repo       *Repo
	handleType protocol.HandleType

	mu      sync.Mutex
	members map[protocol.Handle]struct{}
}

func NewSet(repo *Repo, t protocol.HandleType) *Set {
	return &Set{
		repo:       repo,
		handleType: t,
		members:    make(map[protocol.Handle]struct{}),
	}
}

// Add puts a handle in the set, taking a ref. Re-adding a member is a
// no-op; a member holds exactly one ref no matter how often it is
// added.
func (s *Set) Add(h protocol.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[h]; ok {
		return
	}
	if s.repo.Ref(s.handleType, h) {
		s.members[h] = struct{}{}
	}
}

// Remove takes a handle out of the set, releasing its ref, and reports
// whether it was a member.
func (s *Set) Remove(h protocol.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[h]; !ok {
		return false
	}
	delete(s.members, h)
	s.repo.Unref(s.handleType, h)
	return true
}

func (s *Set) Contains(h protocol.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.members[h]
	return ok
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.members)
}

// Clear empties the set, releasing every ref it held.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h := range s.members {
		s.repo.Unref(s.handleType, h)
	}
	s.members = make(map[protocol.Handle]struct{})
}
