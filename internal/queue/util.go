package queue

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func isRedisNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
