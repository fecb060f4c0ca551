package tools

import "context"

// Route identifies where the turn that invoked a tool came from.
type Route struct {
	Channel  string
	ChatID   string
	Metadata map[string]any
}

type routeKey struct{}

// WithRoute attaches the turn's route to ctx.
func WithRoute(ctx context.Context, r Route) context.Context {
	return context.WithValue(ctx, routeKey{}, r)
}

// RouteFrom returns the route attached to ctx, if any.
func RouteFrom(ctx context.Context) (Route, bool) {
	r, ok := ctx.Value(routeKey{}).(Route)
	return r, ok && r.Channel != ""
}
