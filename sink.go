package harvestd

import (
	"sort"
)

// SinkSet is the set of sinks a datapoint is destined for, keyed by sink instance name.
// All methods return a new SinkSet and leave the receiver untouched.
type SinkSet map[string]Sink

// NewSinkSet creates a SinkSet from the provided sinks.
func NewSinkSet(sinks ...Sink) SinkSet {
	ss := make(SinkSet, len(sinks))
	for _, s := range sinks {
		ss[s.Name()] = s
	}
	return ss
}

// Names returns the sorted names of the sinks in the set.
func (ss SinkSet) Names() []string {
	names := make([]string, 0, len(ss))
	for name := range ss {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if the named sink is in the set.
func (ss SinkSet) Has(name string) bool {
	_, ok := ss[name]
	return ok
}

// Without returns a copy of the set with the named sinks removed.
func (ss SinkSet) Without(names ...string) SinkSet {
	result := make(SinkSet, len(ss))
	for name, s := range ss {
		result[name] = s
	}
	for _, name := range names {
		delete(result, name)
	}
	return result
}

// Only returns a copy of the set restricted to the named sinks. Names not in the set are ignored.
func (ss SinkSet) Only(names ...string) SinkSet {
	result := make(SinkSet, len(names))
	for _, name := range names {
		if s, ok := ss[name]; ok {
			result[name] = s
		}
	}
	return result
}
