package bus

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

func isNilReply(err error) bool {
	return errors.Is(err, redis.Nil)
}
