package controller

// State is the device-visible state of a controller: a JSON-shaped tree of
// scalars, nested trees and lists keyed by strings.
type State map[string]any

// Clone returns a shallow copy of the state. Nested values are shared; callers
// that hand a State across a goroutine boundary must not mutate nested values
// afterwards.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	c := make(State, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Merge applies partial on top of s and returns the result. Keys present in
// partial replace the prior value wholesale at that key; keys absent from
// partial are left unchanged. The receiver is not modified.
func (s State) Merge(partial State) State {
	merged := s.Clone()
	if merged == nil {
		merged = make(State, len(partial))
	}
	for k, v := range partial {
		merged[k] = v
	}
	return merged
}
