package testutil

import "go.uber.org/goleak"

// GoleakOptions is a common list of options to pass to goleak. Redis client
// pools keep a reaper goroutine alive for a short while after Close.
var GoleakOptions = []goleak.Option{
	goleak.IgnoreAnyFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
	goleak.IgnoreTopFunction("github.com/alicebob/miniredis/v2/server.(*Server).servePeer"),
}
