package queue

import "github.com/redis/go-redis/v9"

// KV is the atomic-scripting client the distribution protocol is built
// on. It is satisfied by both a real github.com/redis/go-redis/v9 client
// and by github.com/alicebob/miniredis/v2's in-process server wrapped in
// the same client, which is what every test in this package uses.
type KV = redis.UniversalClient
