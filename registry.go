package elbus

import (
	"sort"
)

// ClientInfo is a snapshot of one registered client.
type ClientInfo struct {
	Name          string
	Kind          ClientKind
	Source        string
	Port          string
	Subscriptions int
	QueueLen      int
}

// Register adds an external client. Names starting with "." are reserved
// for the broker and rejected with ErrReservedName. The returned handle is
// the registration token; closing it deregisters the client.
func (b *Broker) Register(name string, opts ...HandleOption) (*ClientHandle, error) {
	return b.register(name, false, opts)
}

// RegisterInternal adds a broker-owned client. Reserved names are allowed
// and the client kind is always ClientInternal.
func (b *Broker) RegisterInternal(name string, opts ...HandleOption) (*ClientHandle, error) {
	return b.register(name, true, opts)
}

func (b *Broker) register(name string, internal bool, opts []HandleOption) (*ClientHandle, error) {
	h := newClientHandle(b, name, b.config.queueSize, opts...)
	if internal {
		h.kind = ClientInternal
	} else if h.kind == ClientInternal {
		h.kind = ClientLocalIPC
	}

	err := b.insertClient(h, internal)
	b.metrics.ClientRegistered(h.kind, err)
	if err != nil {
		b.logger.Debug("registration rejected", LogFields{
			LogFieldClient: name,
			LogFieldKind:   string(h.kind),
			LogFieldError:  err.Error(),
		})
		return nil, err
	}

	b.logger.Debug("client registered", LogFields{
		LogFieldClient: name,
		LogFieldKind:   string(h.kind),
	})
	if b.config.onRegister != nil {
		b.config.onRegister(h)
	}
	return h, nil
}

func (b *Broker) insertClient(h *ClientHandle, internal bool) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	if err := ValidateClientName(h.name); err != nil {
		return err
	}
	if IsReservedName(h.name) && !internal {
		return NewClientError(ErrReservedName, h.name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return ErrBrokerClosed
	}
	if _, ok := b.clients[h.name]; ok {
		return NewClientError(ErrNameTaken, h.name)
	}

	if _, err := b.broadcasts.Insert(h.name, h.name); err != nil {
		return err
	}
	if _, err := b.topics.Insert(h.name, BrokerWarnTopic); err != nil {
		b.broadcasts.RemoveAll(h.name)
		return err
	}
	b.clients[h.name] = h
	b.metrics.SubscriptionsChanged(1)
	return nil
}

// Deregister removes the client registered under name. It drops every
// pattern and subscription the client owns, notifies its watchers and
// releases the watches it holds. Removing an unknown name is a no-op.
func (b *Broker) Deregister(name string) {
	b.mu.RLock()
	h, ok := b.clients[name]
	b.mu.RUnlock()

	if ok {
		b.deregisterHandle(h)
	}
}

// deregisterHandle removes h only if it is still the registration for its name.
func (b *Broker) deregisterHandle(h *ClientHandle) {
	b.mu.Lock()
	if cur, ok := b.clients[h.name]; !ok || cur != h {
		b.mu.Unlock()
		h.shutdown()
		return
	}
	delete(b.clients, h.name)
	b.broadcasts.RemoveAll(h.name)
	subs := b.topics.RemoveAll(h.name)
	watchers := b.releaseWatches(h.name)
	b.mu.Unlock()

	h.shutdown()

	for _, w := range watchers {
		w.notifyGone(h.name)
	}

	b.metrics.ClientDeregistered()
	b.metrics.SubscriptionsChanged(-subs)
	b.logger.Debug("client deregistered", LogFields{
		LogFieldClient: h.name,
		LogFieldKind:   string(h.kind),
	})
	if b.config.onDeregister != nil {
		b.config.onDeregister(h)
	}
}

// releaseWatches removes name from the watch table in both directions and
// returns the live handles that were watching it. Callers hold b.mu.
func (b *Broker) releaseWatches(name string) []*ClientHandle {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()

	var out []*ClientHandle
	for watcher := range b.watchers[name] {
		if set := b.watching[watcher]; set != nil {
			delete(set, name)
			if len(set) == 0 {
				delete(b.watching, watcher)
			}
		}
		if h, ok := b.clients[watcher]; ok {
			out = append(out, h)
		}
	}
	delete(b.watchers, name)

	for target := range b.watching[name] {
		if set := b.watchers[target]; set != nil {
			delete(set, name)
			if len(set) == 0 {
				delete(b.watchers, target)
			}
		}
	}
	delete(b.watching, name)

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Lookup returns the live handle registered under name.
func (b *Broker) Lookup(name string) (*ClientHandle, bool) {
	b.mu.RLock()
	h, ok := b.clients[name]
	b.mu.RUnlock()

	if !ok || !h.Connected() {
		return nil, false
	}
	return h, true
}

// ClientCount returns the number of registered clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Clients returns a snapshot of all registered clients sorted by name.
func (b *Broker) Clients() []ClientInfo {
	b.mu.RLock()
	handles := make([]*ClientHandle, 0, len(b.clients))
	for _, h := range b.clients {
		handles = append(handles, h)
	}
	b.mu.RUnlock()

	out := make([]ClientInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, ClientInfo{
			Name:          h.name,
			Kind:          h.kind,
			Source:        h.source,
			Port:          h.port,
			Subscriptions: len(b.topics.Patterns(h.name)),
			QueueLen:      h.QueueLen(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch asks the broker to notify watcher with a FramePeerGone frame when
// target deregisters. Watches are reference counted: each Watch must be
// matched by one Unwatch.
func (b *Broker) Watch(watcher, target string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	w, ok := b.clients[watcher]
	if !ok {
		return NewClientError(ErrClientClosed, watcher)
	}
	if _, ok := b.clients[target]; !ok {
		return NewClientError(ErrNoSuchClient, target)
	}
	// Notices queued for an earlier registration of target no longer apply.
	w.dropGone(target)

	b.watchMu.Lock()
	defer b.watchMu.Unlock()

	set := b.watchers[target]
	if set == nil {
		set = make(map[string]int)
		b.watchers[target] = set
	}
	set[watcher]++

	rev := b.watching[watcher]
	if rev == nil {
		rev = make(map[string]struct{})
		b.watching[watcher] = rev
	}
	rev[target] = struct{}{}
	return nil
}

// Unwatch releases one reference taken by Watch. Unwatching a pair that is
// not watched is a no-op.
func (b *Broker) Unwatch(watcher, target string) {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()

	set := b.watchers[target]
	if set == nil {
		return
	}
	if set[watcher] > 1 {
		set[watcher]--
		return
	}
	delete(set, watcher)
	if len(set) == 0 {
		delete(b.watchers, target)
	}
	if rev := b.watching[watcher]; rev != nil {
		delete(rev, target)
		if len(rev) == 0 {
			delete(b.watching, watcher)
		}
	}
}

// watchCount returns the number of references watcher holds on target.
func (b *Broker) watchCount(watcher, target string) int {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	return b.watchers[target][watcher]
}
