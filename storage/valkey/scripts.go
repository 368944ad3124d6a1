package valkey

// Lua scripts for the operations that must be atomic. Values may be
// encrypted, so scripts never decode them: they move opaque strings and
// compare them byte for byte.

// Script results that are not stored values
const (
	resultOK        = "OK"
	resultNotFound  = "NOT_FOUND"
	resultCollision = "COLLISION"
	resultConflict  = "CONFLICT"
	resultAccess    = "ACCESS"
	resultRefresh   = "REFRESH"
)

// luaGetAndDelete atomically reads and removes a key. Of any number of
// concurrent callers for the same key exactly one receives the value.
//
// KEYS[1] = code key
//
// Returns the stored value or "NOT_FOUND".
const luaGetAndDelete = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
return data
`

// luaSetAllIfAbsent stores one value per key only if none of the keys
// exists yet.
//
// KEYS[i] = key to create
// ARGV[2i-1] = value for KEYS[i]
// ARGV[2i]   = TTL in milliseconds for KEYS[i], 0 for none
//
// Returns "OK" or "COLLISION" (nothing written).
const luaSetAllIfAbsent = `
for i = 1, #KEYS do
    if redis.call('EXISTS', KEYS[i]) == 1 then
        return 'COLLISION'
    end
end
for i = 1, #KEYS do
    local ttl = tonumber(ARGV[2 * i])
    if ttl > 0 then
        redis.call('SET', KEYS[i], ARGV[2 * i - 1], 'PX', ttl)
    else
        redis.call('SET', KEYS[i], ARGV[2 * i - 1])
    end
end
return 'OK'
`

// luaRefresh exchanges a refresh token for a new access token in one step.
// The presented refresh value must still be the one the caller read, so
// two concurrent refreshes of one token cannot both succeed.
//
// KEYS[1] = presented refresh key
// KEYS[2] = new access key
// KEYS[3] = new refresh key (equal to KEYS[1] without rotation)
// KEYS[4] = paired access key of the presented refresh token
// KEYS[5] = paired access key of the new refresh token (equal to KEYS[4]
//           without rotation)
// ARGV[1] = refresh value the caller read
// ARGV[2] = new access value
// ARGV[3] = new access TTL in milliseconds
// ARGV[4] = new refresh value
// ARGV[5] = new refresh TTL in milliseconds, 0 for none
// ARGV[6] = "1" to rotate, "0" to re-bind the presented refresh token
//
// Returns "OK", "CONFLICT" (refresh token gone or changed) or "COLLISION".
const luaRefresh = `
local current = redis.call('GET', KEYS[1])
if not current or current ~= ARGV[1] then
    return 'CONFLICT'
end
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 'COLLISION'
end
local ttl = tonumber(ARGV[5])
if ARGV[6] == '1' then
    if redis.call('EXISTS', KEYS[3]) == 1 then
        return 'COLLISION'
    end
    redis.call('DEL', KEYS[1], KEYS[4])
    if ttl > 0 then
        redis.call('SET', KEYS[3], ARGV[4], 'PX', ttl)
    else
        redis.call('SET', KEYS[3], ARGV[4])
    end
else
    redis.call('SET', KEYS[1], ARGV[4], 'KEEPTTL')
end
if ttl > 0 then
    redis.call('SET', KEYS[5], KEYS[2], 'PX', ttl)
else
    redis.call('SET', KEYS[5], KEYS[2])
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', tonumber(ARGV[3]))
return 'OK'
`

// luaRevoke removes an access token, or a refresh token together with the
// access token last minted with it. The paired access key is read from
// KEYS[3], so all keys must live on one node.
//
// KEYS[1] = access key
// KEYS[2] = refresh key
// KEYS[3] = paired access key of the refresh token
//
// Returns "ACCESS", "REFRESH" or "NOT_FOUND".
const luaRevoke = `
if redis.call('DEL', KEYS[1]) == 1 then
    return 'ACCESS'
end
local paired = redis.call('GET', KEYS[3])
if redis.call('DEL', KEYS[2]) == 0 then
    if paired then
        redis.call('DEL', KEYS[3])
    end
    return 'NOT_FOUND'
end
if paired then
    redis.call('DEL', paired, KEYS[3])
end
return 'REFRESH'
`
