package router

import "net/http"

// Response is the outcome of a turn returned to the transport.
type Response struct {
	Status int  `json:"status"`
	Body   any  `json:"body,omitempty"`
	Meta   Meta `json:"meta"`
}

// Meta carries diagnostics about how the turn was processed.
type Meta struct {
	RoutesExecuted int `json:"routesExecuted"`
}

// OK returns a 200 response with body.
func OK(body any) *Response {
	return &Response{Status: http.StatusOK, Body: body}
}

// WithStatus returns a response with an explicit status code.
func WithStatus(status int, body any) *Response {
	return &Response{Status: status, Body: body}
}

// Result is what a Router run produced.
type Result struct {
	// Response is the short-circuiting handler's response, or nil if the
	// chain ran out without one.
	Response       *Response
	RoutesExecuted int
}
