package store

import (
	"fmt"
	"strconv"
)

// Lua helpers shared by the ledger and the state machine scripts. They are
// prepended to a script body so both packages agree on how a session hash is
// created and how a freeze expires.
//
// Session hash fields: budget, spent, reserved (integer micro-dollars),
// state ("active"|"frozen"), freeze_reason, freeze_expires_at (unix ms),
// created_at (unix ms).
const LuaSessionHelpers = `
local function ensure_session(key, index, id, budget, now)
  if redis.call('HSETNX', key, 'budget', budget) == 1 then
    redis.call('HSET', key, 'spent', 0, 'reserved', 0, 'state', 'active', 'created_at', now)
    redis.call('SADD', index, id)
    return 1
  end
  return 0
end

local function expire_freeze(key, now)
  if redis.call('HGET', key, 'state') == 'frozen' then
    local exp = tonumber(redis.call('HGET', key, 'freeze_expires_at') or '0')
    if exp > 0 and exp <= now then
      redis.call('HSET', key, 'state', 'active')
      redis.call('HDEL', key, 'freeze_reason', 'freeze_expires_at')
      return 1
    end
  end
  return 0
end

local function num(key, field)
  return tonumber(redis.call('HGET', key, field) or '0')
end
`

// Int64 converts a script reply element to int64.
func Int64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected script value %T", v)
	}
}

// String converts a script reply element to string.
func String(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}

// Reply is a positional view over a script's array reply.
type Reply []any

// Int returns element i as int64, or an error if it is missing or malformed.
func (r Reply) Int(i int) (int64, error) {
	if i >= len(r) {
		return 0, fmt.Errorf("script reply has %d elements, want index %d", len(r), i)
	}
	return Int64(r[i])
}

// Str returns element i as a string, or "" when missing.
func (r Reply) Str(i int) string {
	if i >= len(r) {
		return ""
	}
	return String(r[i])
}
