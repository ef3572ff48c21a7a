package rcchat

// Presence and typing sets are copy-on-write: a change returns a new map,
// a no-op returns the input map.

func setWith(set map[string]struct{}, id string) (map[string]struct{}, bool) {
	if _, ok := set[id]; ok || id == "" {
		return set, false
	}
	out := make(map[string]struct{}, len(set)+1)
	for k := range set {
		out[k] = struct{}{}
	}
	out[id] = struct{}{}
	return out, true
}

func setWithout(set map[string]struct{}, id string) (map[string]struct{}, bool) {
	if _, ok := set[id]; !ok {
		return set, false
	}
	out := make(map[string]struct{}, len(set))
	for k := range set {
		if k != id {
			out[k] = struct{}{}
		}
	}
	return out, true
}

// OnPeerOnline marks userID online.
func (e *Engine) OnPeerOnline(userID string) {
	e.update(func(s *State) bool {
		var changed bool
		s.Online, changed = setWith(s.Online, userID)
		return changed
	})
}

// OnPeerOffline marks userID offline.
func (e *Engine) OnPeerOffline(userID string) {
	e.update(func(s *State) bool {
		var changed bool
		s.Online, changed = setWithout(s.Online, userID)
		return changed
	})
}

// OnPeerTyping records that userID is typing to us.
func (e *Engine) OnPeerTyping(userID string) {
	e.update(func(s *State) bool {
		var changed bool
		s.Typing, changed = setWith(s.Typing, userID)
		return changed
	})
}

// OnPeerStopTyping clears the typing mark for userID.
func (e *Engine) OnPeerStopTyping(userID string) {
	e.update(func(s *State) bool {
		var changed bool
		s.Typing, changed = setWithout(s.Typing, userID)
		return changed
	})
}

// IsOnline reports whether userID is known to be online.
func (e *Engine) IsOnline(userID string) bool {
	_, ok := e.state.Load().Online[userID]
	return ok
}

// IsTyping reports whether userID is typing.
func (e *Engine) IsTyping(userID string) bool {
	_, ok := e.state.Load().Typing[userID]
	return ok
}
