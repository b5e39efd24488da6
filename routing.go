package rdsmq

import (
	"fmt"
	"strings"
)

// RoutingTable is the ordered set of routes the reaper walks each tick.
// It is fixed at construction.
type RoutingTable struct {
	routes  []Route
	byQueue map[string]string
}

func NewRoutingTable(routes ...Route) (*RoutingTable, error) {
	t := &RoutingTable{
		routes:  make([]Route, 0, len(routes)),
		byQueue: make(map[string]string, len(routes)),
	}
	for _, r := range routes {
		r.Queue = strings.TrimSpace(r.Queue)
		r.List = strings.TrimSpace(r.List)
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byQueue[r.Queue]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateQueue, r.Queue)
		}
		t.byQueue[r.Queue] = r.List
		t.routes = append(t.routes, r)
	}
	return t, nil
}

// Routes returns a copy in declaration order.
func (t *RoutingTable) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

func (t *RoutingTable) Len() int { return len(t.routes) }

func (t *RoutingTable) ListFor(queue string) (string, bool) {
	l, ok := t.byQueue[queue]
	return l, ok
}

// Lists returns the distinct ready lists, first occurrence order.
func (t *RoutingTable) Lists() []string {
	seen := make(map[string]struct{}, len(t.routes))
	out := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		if _, ok := seen[r.List]; ok {
			continue
		}
		seen[r.List] = struct{}{}
		out = append(out, r.List)
	}
	return out
}
