package objects

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

type state struct {
	// current view of the remote objects
	objects map[string]bool
	// objects we saw go away and have not seen come back
	gone        map[string]bool
	nopCheckCnt int
}

func makeState() *state {
	return &state{
		objects: make(map[string]bool),
		gone:    make(map[string]bool),
	}
}

// setAndDiff takes a full listing as the new state and returns the updates
// that lead to it from the current one, registrations first.
func (s *state) setAndDiff(newState []string) []Update {
	var added, removed []string
	current := make(map[string]bool, len(newState))
	for _, o := range newState {
		if current[o] {
			continue
		}
		current[o] = true
		if !s.objects[o] {
			added = append(added, o)
		}
	}
	for o := range s.objects {
		if !current[o] {
			removed = append(removed, o)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	outgoing := []Update{}
	for _, o := range added {
		outgoing = append(outgoing, NewRegistered(o))
	}
	for _, o := range removed {
		outgoing = append(outgoing, NewUnregistered(o))
	}

	// record how many listings went by without a change, a long streak followed
	// by a burst usually means the agent was restarted under us.
	if len(outgoing) > 0 {
		log.Infof("Objects registered: %d, unregistered: %d, listed: %d (%d listings with no change)",
			len(added), len(removed), len(current), s.nopCheckCnt)
		s.nopCheckCnt = 0
	} else {
		s.nopCheckCnt++
	}
	for _, u := range outgoing {
		s.apply(u)
	}
	return outgoing
}

// apply folds one update into the state and reports whether it changed anything.
func (s *state) apply(u Update) bool {
	switch u.Type {
	case Registered:
		delete(s.gone, u.Object)
		if s.objects[u.Object] {
			return false
		}
		s.objects[u.Object] = true
	case Unregistered:
		wasGone := s.gone[u.Object]
		s.gone[u.Object] = true
		if !s.objects[u.Object] {
			return !wasGone
		}
		delete(s.objects, u.Object)
	}
	return true
}

func (s *state) current() []string {
	out := make([]string, 0, len(s.objects))
	for o := range s.objects {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}
