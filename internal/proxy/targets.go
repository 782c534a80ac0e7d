package proxy

import "grip-proxy-go/internal/routemap"

// targetIterator consumes an ordered candidate target list.
type targetIterator struct {
	targets []routemap.Target
}

// next pops the first remaining target.
func (it *targetIterator) next() (routemap.Target, bool) {
	if len(it.targets) == 0 {
		return routemap.Target{}, false
	}
	t := it.targets[0]
	it.targets = it.targets[1:]
	return t, true
}
