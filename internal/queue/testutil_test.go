package queue

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// withKV spins up an in-process miniredis instance and hands a real
// go-redis client wrapping it to fn.
func withKV(t *testing.T, fn func(kv KV)) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	fn(client)
}
