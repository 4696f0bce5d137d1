package testutil

import (
	"context"
	"time"

	"phiguard/pkg/domain"
	"phiguard/pkg/requestcontext"
)

// ActorContext returns a context carrying the given actor, as request
// middleware would populate it for an authenticated caller.
func ActorContext(userID string, role domain.Role) context.Context {
	ctx := requestcontext.WithActor(context.Background(), userID, role, "sess-"+userID)
	return requestcontext.WithClientMetadata(ctx, "10.0.0.1", "Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0")
}

// FixedClock returns a context whose request time is pinned to now.
func FixedClock(ctx context.Context, now time.Time) context.Context {
	return requestcontext.WithTime(ctx, now)
}
