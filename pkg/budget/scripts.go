package budget

import (
	"github.com/redis/go-redis/v9"

	"github.com/tokengate/tokengate/pkg/store"
)

// reclaimHelper releases holds whose deadline has passed. A hold only
// outlives its deadline when the gateway that took it died mid-request.
const reclaimHelper = `
local function reclaim(session, holds, deadlines, now)
  local expired = redis.call('ZRANGEBYSCORE', deadlines, '-inf', now)
  for _, id in ipairs(expired) do
    local est = tonumber(redis.call('HGET', holds, id) or '0')
    if est > 0 then
      redis.call('HINCRBY', session, 'reserved', -est)
    end
    redis.call('HDEL', holds, id)
    redis.call('ZREM', deadlines, id)
  end
  return #expired
end
`

// reserveScript atomically checks state and capacity and takes a hold.
// KEYS: session, holds, deadlines, index
// ARGV: default_budget, estimate, handle, now_ms, deadline_ms, session_id
// Reply: {"ok", available_before, budget, reclaimed}
//
//	{"exceeded", available, budget, reclaimed}
//	{"frozen", reason, expires_ms, reclaimed}
var reserveScript = redis.NewScript(store.LuaSessionHelpers + reclaimHelper + `
local now = tonumber(ARGV[4])
local est = tonumber(ARGV[2])
ensure_session(KEYS[1], KEYS[4], ARGV[6], ARGV[1], now)

if redis.call('HEXISTS', KEYS[2], ARGV[3]) == 1 then
  local avail = num(KEYS[1], 'budget') - num(KEYS[1], 'spent') - num(KEYS[1], 'reserved')
  return {'ok', avail + est, num(KEYS[1], 'budget'), 0}
end

local reclaimed = reclaim(KEYS[1], KEYS[2], KEYS[3], now)
expire_freeze(KEYS[1], now)

if redis.call('HGET', KEYS[1], 'state') == 'frozen' then
  return {'frozen', redis.call('HGET', KEYS[1], 'freeze_reason') or '', num(KEYS[1], 'freeze_expires_at'), reclaimed}
end

local budget = num(KEYS[1], 'budget')
local available = budget - num(KEYS[1], 'spent') - num(KEYS[1], 'reserved')
if est > available then
  return {'exceeded', available, budget, reclaimed}
end

redis.call('HINCRBY', KEYS[1], 'reserved', est)
redis.call('HSET', KEYS[2], ARGV[3], est)
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[3])
return {'ok', available, budget, reclaimed}
`)

// settleScript releases a hold and, for a commit, adds the actual cost.
// KEYS: session, holds, deadlines, settled
// ARGV: handle, actual (empty for refund), settled_ttl_s
// Reply: {status, held_estimate, spent, budget, reserved}
// status is "ok", "orphan" (hold already reclaimed) or "duplicate".
var settleScript = redis.NewScript(store.LuaSessionHelpers + `
if redis.call('EXISTS', KEYS[4]) == 1 then
  return {'duplicate', 0, num(KEYS[1], 'spent'), num(KEYS[1], 'budget'), num(KEYS[1], 'reserved')}
end

local status = 'ok'
local est = redis.call('HGET', KEYS[2], ARGV[1])
if est then
  est = tonumber(est)
  redis.call('HINCRBY', KEYS[1], 'reserved', -est)
  redis.call('HDEL', KEYS[2], ARGV[1])
  redis.call('ZREM', KEYS[3], ARGV[1])
else
  status = 'orphan'
  est = 0
end

local spent = num(KEYS[1], 'spent')
if ARGV[2] ~= '' then
  spent = redis.call('HINCRBY', KEYS[1], 'spent', ARGV[2])
end
redis.call('SET', KEYS[4], status, 'EX', ARGV[3])
return {status, est, spent, num(KEYS[1], 'budget'), num(KEYS[1], 'reserved')}
`)

// resetScript zeroes spent. Budget and in-flight reservations are untouched.
// KEYS: session, index
// ARGV: default_budget, now_ms, session_id
var resetScript = redis.NewScript(store.LuaSessionHelpers + `
ensure_session(KEYS[1], KEYS[2], ARGV[3], ARGV[1], tonumber(ARGV[2]))
redis.call('HSET', KEYS[1], 'spent', 0)
return {num(KEYS[1], 'budget'), num(KEYS[1], 'reserved')}
`)

// setBudgetScript replaces the budget.
// KEYS: session, index
// ARGV: default_budget, now_ms, session_id, amount
var setBudgetScript = redis.NewScript(store.LuaSessionHelpers + `
ensure_session(KEYS[1], KEYS[2], ARGV[3], ARGV[1], tonumber(ARGV[2]))
redis.call('HSET', KEYS[1], 'budget', ARGV[4])
return {num(KEYS[1], 'budget'), num(KEYS[1], 'spent'), num(KEYS[1], 'reserved')}
`)

// purgeScript deletes a session's ledger state when nothing is in flight.
// KEYS: session, holds, deadlines, index
// ARGV: now_ms, session_id
// Reply: {"ok"|"busy"|"missing", holds_in_flight, reclaimed}
var purgeScript = redis.NewScript(reclaimHelper + `
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[4], ARGV[2])
  return {'missing', 0, 0}
end
local reclaimed = reclaim(KEYS[1], KEYS[2], KEYS[3], tonumber(ARGV[1]))
local inflight = redis.call('HLEN', KEYS[2])
if inflight > 0 then
  return {'busy', inflight, reclaimed}
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
redis.call('SREM', KEYS[4], ARGV[2])
return {'ok', 0, reclaimed}
`)
