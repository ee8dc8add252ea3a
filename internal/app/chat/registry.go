package chat

// Registry maps durable user ids to their live connection.
//
// It is owned by a single Relay event loop and is not safe for concurrent use;
// create one registry per relay (and per test).
type Registry struct {
	entries map[string]Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Conn)}
}

// Register stores conn under id, replacing any previous handle (last writer wins).
// The previous handle is returned when there was one.
func (r *Registry) Register(id string, conn Conn) (prev Conn, replaced bool) {
	prev, replaced = r.entries[id]
	r.entries[id] = conn
	return prev, replaced
}

// Unregister removes id. Removing an absent id is a no-op.
func (r *Registry) Unregister(id string) {
	delete(r.entries, id)
}

// Lookup returns the handle registered for id.
func (r *Registry) Lookup(id string) (Conn, bool) {
	conn, ok := r.entries[id]
	return conn, ok
}

// Len returns the number of registered ids.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Range calls fn for every entry in unspecified order.
func (r *Registry) Range(fn func(id string, conn Conn)) {
	for id, conn := range r.entries {
		fn(id, conn)
	}
}
