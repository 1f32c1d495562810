package redis

import "github.com/redis/go-redis/v9"

// Scripts used by IdempotencyStore. A reservation is a hash with the owner
// token; each script only touches a hash still owned by the caller.
var (
	// KEYS[1] key, ARGV[1] token, ARGV[2] ttl ms
	reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'token', ARGV[1], 'done', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

	// KEYS[1] key, ARGV[1] token, ARGV[2] status, ARGV[3] body, ARGV[4] ttl ms
	completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'done', '1', 'status', ARGV[2], 'body', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

	// KEYS[1] key, ARGV[1] token
	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
if redis.call('HGET', KEYS[1], 'done') == '1' then
	return 0
end
return redis.call('DEL', KEYS[1])
`)
)
