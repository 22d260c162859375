package anomaly

import "github.com/redis/go-redis/v9"

// Spend is kept as a hash of time buckets (bucket index -> micro-dollars) so
// the window holds at most window/bucket fields however fast a session spends.
const spendHelpers = `
local function spend_sum(key, now, window, bucket)
  local oldest = math.floor((now - window) / bucket)
  local fields = redis.call('HGETALL', key)
  local total = 0
  local stale = {}
  for i = 1, #fields, 2 do
    local b = tonumber(fields[i])
    if b <= oldest then
      stale[#stale + 1] = fields[i]
    else
      total = total + tonumber(fields[i + 1])
    end
  end
  if #stale > 0 then
    redis.call('HDEL', key, unpack(stale))
  end
  return total
end

local function identical_run(key, k)
  local fps = redis.call('LRANGE', key, 0, k - 1)
  if #fps == 0 then
    return 0
  end
  local run = 1
  for i = 2, #fps do
    if fps[i] ~= fps[1] then
      break
    end
    run = run + 1
  end
  return run
end
`

// observeScript records one request and returns the window counters.
// KEYS: requests, fingerprints, spend
// ARGV: now_ms, rate_window_ms, max_requests, member, fingerprint,
//
//	loop_threshold, velocity_window_ms, bucket_ms, ttl_s
//
// Reply: {requests_in_window, identical_run, spend_in_window}
var observeScript = redis.NewScript(spendHelpers + `
local now = tonumber(ARGV[1])
local cap = tonumber(ARGV[3]) + 1
local k = tonumber(ARGV[6])
local ttl = tonumber(ARGV[9])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - tonumber(ARGV[2]))
redis.call('ZADD', KEYS[1], now, ARGV[4])
local count = redis.call('ZCARD', KEYS[1])
if count > cap then
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, count - cap - 1)
  count = cap
end

local run = 0
if ARGV[5] ~= '' then
  redis.call('LPUSH', KEYS[2], ARGV[5])
  redis.call('LTRIM', KEYS[2], 0, k - 1)
  run = identical_run(KEYS[2], k)
end

local spent = spend_sum(KEYS[3], now, tonumber(ARGV[7]), tonumber(ARGV[8]))

for i = 1, 3 do
  if redis.call('EXISTS', KEYS[i]) == 1 then
    redis.call('EXPIRE', KEYS[i], ttl)
  end
end
return {count, run, spent}
`)

// recordSpendScript adds committed cost to the current bucket.
// KEYS: spend
// ARGV: now_ms, micros, bucket_ms, ttl_s
var recordSpendScript = redis.NewScript(`
local bucket = math.floor(tonumber(ARGV[1]) / tonumber(ARGV[3]))
redis.call('HINCRBY', KEYS[1], bucket, ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

// statsScript reads the window counters without recording a request.
// KEYS: requests, fingerprints, spend
// ARGV: now_ms, rate_window_ms, loop_threshold, velocity_window_ms, bucket_ms
var statsScript = redis.NewScript(spendHelpers + `
local now = tonumber(ARGV[1])
local count = redis.call('ZCOUNT', KEYS[1], '(' .. (now - tonumber(ARGV[2])), '+inf')
local run = identical_run(KEYS[2], tonumber(ARGV[3]))
local spent = spend_sum(KEYS[3], now, tonumber(ARGV[4]), tonumber(ARGV[5]))
return {count, run, spent}
`)
