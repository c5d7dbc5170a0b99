package apps

import "strings"

// routeIndex is the in-memory lookup structure the dispatcher resolves routes
// against. It is rebuilt under the store's lock; readers get copies.
//
// Resolution order: exact match on (method, path) first, then the longest
// registered prefix ending at a path-segment boundary. When two registrations
// contest the same key the most recently registered binding (highest Seq)
// wins.
type routeIndex struct {
	byKey map[string]RouteBinding
}

func newRouteIndex() *routeIndex {
	return &routeIndex{byKey: map[string]RouteBinding{}}
}

// put inserts b, replacing an existing binding for the same key only if b is
// newer.
func (ix *routeIndex) put(b RouteBinding) {
	cur, ok := ix.byKey[b.Key()]
	if ok && cur.Seq > b.Seq {
		return
	}
	ix.byKey[b.Key()] = b
}

// dropApp removes every binding owned by appID.
func (ix *routeIndex) dropApp(appID string) {
	for k, b := range ix.byKey {
		if b.AppID == appID {
			delete(ix.byKey, k)
		}
	}
}

// lookup resolves method+path to a binding, exact match before longest
// prefix.
func (ix *routeIndex) lookup(method, path string) (RouteBinding, bool) {
	if b, ok := ix.byKey[method+" "+path]; ok {
		return b, true
	}

	// Walk prefixes from longest to shortest, trimming one segment at a time.
	// A binding on "/" is the catch-all of last resort.
	p := path
	for {
		i := strings.LastIndexByte(p, '/')
		if i < 0 {
			return RouteBinding{}, false
		}
		if i == 0 {
			b, ok := ix.byKey[method+" /"]
			return b, ok
		}
		p = p[:i]
		if b, ok := ix.byKey[method+" "+p]; ok {
			return b, true
		}
	}
}

// all returns a copy of every binding.
func (ix *routeIndex) all() []RouteBinding {
	out := make([]RouteBinding, 0, len(ix.byKey))
	for _, b := range ix.byKey {
		out = append(out, b)
	}
	return out
}
