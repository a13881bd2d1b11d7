package x402

// schemeRegistry holds handlers keyed by network then scheme. Wildcard
// networks ("eip155:*") register once and match every network in the
// namespace.
type schemeRegistry[T any] struct {
	byNetwork map[Network]map[string]T
}

func newSchemeRegistry[T any]() *schemeRegistry[T] {
	return &schemeRegistry[T]{byNetwork: make(map[Network]map[string]T)}
}

func (r *schemeRegistry[T]) add(network Network, scheme string, handler T) {
	if r.byNetwork[network] == nil {
		r.byNetwork[network] = make(map[string]T)
	}
	r.byNetwork[network][scheme] = handler
}

// find returns the handler for (network, scheme), preferring an exact
// network entry over a wildcard one.
func (r *schemeRegistry[T]) find(network Network, scheme string) (T, bool) {
	var zero T
	if handlers, ok := r.byNetwork[network]; ok {
		if h, ok := handlers[scheme]; ok {
			return h, true
		}
	}
	for registered, handlers := range r.byNetwork {
		if registered.Match(network) {
			if h, ok := handlers[scheme]; ok {
				return h, true
			}
		}
	}
	return zero, false
}

// networks lists every registered network.
func (r *schemeRegistry[T]) networks() []Network {
	out := make([]Network, 0, len(r.byNetwork))
	for n := range r.byNetwork {
		out = append(out, n)
	}
	return out
}

// schemes lists the schemes registered for a network, wildcard included.
func (r *schemeRegistry[T]) schemes(network Network) map[string]T {
	out := make(map[string]T)
	for registered, handlers := range r.byNetwork {
		if registered.Match(network) {
			for scheme, h := range handlers {
				if _, exists := out[scheme]; !exists {
					out[scheme] = h
				}
			}
		}
	}
	return out
}
