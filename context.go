package hxdefer

import "context"

// ExecutionContext says which render pass is running.
//
// Server is the initial page render; Client is a render triggered by the
// browser after the page has loaded, such as the request a placeholder
// issues to fetch its deferred component. Contexts carry this explicitly
// instead of guessing from request headers.
type ExecutionContext int

const (
	// Server is the default for any context that has not been marked.
	Server ExecutionContext = iota
	Client
)

// String returns "server" or "client".
func (ec ExecutionContext) String() string {
	switch ec {
	case Server:
		return "server"
	case Client:
		return "client"
	default:
		return "unknown"
	}
}

type executionContextKey struct{}

// WithExecutionContext returns a copy of ctx marked with ec.
func WithExecutionContext(ctx context.Context, ec ExecutionContext) context.Context {
	return context.WithValue(ctx, executionContextKey{}, ec)
}

// ExecutionContextOf returns the execution context carried by ctx, or
// Server when none was set.
func ExecutionContextOf(ctx context.Context) ExecutionContext {
	if ec, ok := ctx.Value(executionContextKey{}).(ExecutionContext); ok {
		return ec
	}
	return Server
}
