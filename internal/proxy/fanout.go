package proxy

// clientState is the per-client state machine.
type clientState int

const (
	clientWaitingForResponse clientState = iota
	clientResponding
	clientResponded
	clientErrored
	clientPausing
	clientPaused
)

// bytesToWriteDone marks a terminated entry; writes to it are no longer
// accounted.
const bytesToWriteDone = -1

// sessionItem is one attached client with its outstanding-write counter.
type sessionItem struct {
	cs           ClientSession
	state        clientState
	bytesToWrite int
}

// fanout is the set of attached clients. Iteration order is attach order.
type fanout struct {
	items  []*sessionItem
	byItem map[ClientSession]*sessionItem
}

func newFanout() fanout {
	return fanout{byItem: make(map[ClientSession]*sessionItem)}
}

func (f *fanout) add(cs ClientSession) *sessionItem {
	si := &sessionItem{cs: cs}
	f.items = append(f.items, si)
	f.byItem[cs] = si
	return si
}

func (f *fanout) item(cs ClientSession) *sessionItem {
	return f.byItem[cs]
}

func (f *fanout) remove(cs ClientSession) {
	si := f.byItem[cs]
	if si == nil {
		return
	}
	delete(f.byItem, cs)
	for i, it := range f.items {
		if it == si {
			f.items = append(f.items[:i], f.items[i+1:]...)
			break
		}
	}
}

func (f *fanout) clear() {
	f.items = nil
	f.byItem = make(map[ClientSession]*sessionItem)
}

func (f *fanout) empty() bool {
	return len(f.items) == 0
}

// pendingWrites reports whether any live entry still has bytes outstanding.
// This is the back-pressure probe for syncing to the slowest client.
func (f *fanout) pendingWrites() bool {
	for _, si := range f.items {
		if si.bytesToWrite != bytesToWriteDone && si.bytesToWrite > 0 {
			return true
		}
	}
	return false
}

func (f *fanout) allPaused() bool {
	for _, si := range f.items {
		if si.state != clientPaused {
			return false
		}
	}
	return true
}
