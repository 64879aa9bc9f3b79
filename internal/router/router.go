// Package router matches inbound activities against an ordered list of routes
// and runs them as a middleware-style chain.
//
// Routes run in registration order. A handler either returns a Response,
// which ends the turn, or calls Context.Next to hand over to the next
// matching route and may post-process what comes back.
package router

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// Router holds the ordered route table. Safe for concurrent use; a dispatch
// sees the table as it was when the dispatch started.
type Router struct {
	mu     sync.RWMutex
	routes []Route
}

// New returns an empty Router.
func New() *Router {
	return &Router{}
}

// Register appends route. It panics on a nil handler, like http.Handle.
func (r *Router) Register(route Route) *Router {
	if route.Handler == nil {
		panic("router: nil handler for route " + route.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
	return r
}

// On registers h for activities matching sel.
func (r *Router) On(sel Selector, h HandlerFunc) *Router {
	return r.Register(Route{Selector: sel, Handler: h})
}

// Use registers h for every activity.
func (r *Router) Use(h HandlerFunc) *Router {
	return r.Register(Route{Name: "use", Handler: h})
}

// OnMessage registers h for message activities.
func (r *Router) OnMessage(h HandlerFunc) *Router {
	return r.Register(Route{Name: "message", Selector: IsMessage(), Handler: h})
}

// OnText registers h for messages whose text matches re.
func (r *Router) OnText(re *regexp.Regexp, h HandlerFunc) *Router {
	return r.Register(Route{Name: "text " + re.String(), Selector: TextMatches(re), Handler: h})
}

// OnActivity registers h for activities of type t.
func (r *Router) OnActivity(t protocol.ActivityType, h HandlerFunc) *Router {
	return r.Register(Route{Name: string(t), Selector: IsType(t), Handler: h})
}

// OnInvoke registers h for invoke activities named name.
func (r *Router) OnInvoke(name string, h HandlerFunc) *Router {
	return r.Register(Route{Name: "invoke " + name, Selector: IsInvoke(name), Handler: h})
}

// OnEvent registers h for event activities named name.
func (r *Router) OnEvent(name string, h HandlerFunc) *Router {
	return r.Register(Route{Name: "event " + name, Selector: IsEvent(name), Handler: h})
}

// OnConversationUpdate registers h for conversation updates.
func (r *Router) OnConversationUpdate(h HandlerFunc) *Router {
	return r.Register(Route{Name: "conversationUpdate", Selector: IsConversationUpdate(), Handler: h})
}

// Routes returns a copy of the route table.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Route(nil), r.routes...)
}

// Len reports the number of registered routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Dispatch runs the chain for c.Activity. Result.Response is nil when no
// handler produced one. Handler errors are returned wrapped with the route
// name; panics propagate to the caller.
func (r *Router) Dispatch(c *Context) (Result, error) {
	ch := &chain{routes: r.Routes()}
	res, err := ch.run(c, 0)
	executed := ch.executedCount()
	if err != nil {
		return Result{RoutesExecuted: executed}, err
	}
	c.Log.Debug("router: dispatched", "routes_executed", executed, "short_circuit", res != nil)
	return Result{Response: res, RoutesExecuted: executed}, nil
}

// chain is one dispatch over a snapshot of the route table.
type chain struct {
	routes []Route

	mu       sync.Mutex
	executed int
}

func (ch *chain) executedCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.executed
}

// run invokes the first route at or after from that matches.
func (ch *chain) run(c *Context, from int) (*Response, error) {
	for i := from; i < len(ch.routes); i++ {
		rt := ch.routes[i]
		if !rt.matches(c.Activity) {
			continue
		}

		cur := &cursor{chain: ch, next: i + 1}
		ch.mu.Lock()
		ch.executed++
		ch.mu.Unlock()

		res, err := rt.Handler(c.withCursor(cur))
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", routeName(rt, i), err)
		}
		if res != nil {
			return res, nil
		}
		// No response of its own: adopt whatever downstream produced, if Next ran.
		return cur.response(), nil
	}
	return nil, nil
}

func routeName(rt Route, i int) string {
	if rt.Name != "" {
		return fmt.Sprintf("%q (#%d)", rt.Name, i)
	}
	return fmt.Sprintf("#%d", i)
}

// cursor is the single-use continuation handed to one handler invocation.
type cursor struct {
	chain *chain
	next  int

	mu     sync.Mutex
	called bool
	res    *Response
}

func (cur *cursor) advance(c *Context) (*Response, error) {
	cur.mu.Lock()
	if cur.called {
		cur.mu.Unlock()
		slog.Warn("router: next called twice", "route_index", cur.next-1)
		return nil, ErrNextAlreadyCalled
	}
	cur.called = true
	cur.mu.Unlock()

	res, err := cur.chain.run(c, cur.next)

	cur.mu.Lock()
	cur.res = res
	cur.mu.Unlock()
	return res, err
}

func (cur *cursor) response() *Response {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	return cur.res
}
