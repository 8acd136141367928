package pipeline

import "context"

// Middleware interface that all pipeline stages implement.
type Middleware interface {
	// Name returns the unique name of this middleware.
	Name() string

	// Enabled reports whether this middleware is active.
	Enabled() bool

	// ProcessRequest runs before the request is translated for the upstream.
	// Middleware may modify the request or return an error to abort.
	ProcessRequest(ctx context.Context, req *Request) (*Request, error)

	// ProcessResponse runs on the assembled upstream response before it is
	// rendered for the client.
	ProcessResponse(ctx context.Context, req *Request, resp *Response) (*Response, error)
}
