package queue

import "github.com/redis/go-redis/v9"

// Every cross-key transition runs as a Lua script so no observer can see a
// job in two queues at once. Clocks are passed in as ARGV so behavior is
// deterministic under test. Job hashes are addressed as <prefix>job:<id>;
// scripts receive the prefix instead of per-job KEYS because ids are only
// known once inside the script.

// KEYS[1] processing zset, KEYS[2..] queue lists (priority order)
// ARGV[1] now ms, ARGV[2] lease ttl ms, ARGV[3] owner token, ARGV[4] prefix
var fetchScript = redis.NewScript(`
for i = 2, #KEYS do
  local id = redis.call('RPOP', KEYS[i])
  if id then
    local jk = ARGV[4] .. 'job:' .. id
    redis.call('HSET', jk, 'state', 'processing', 'owner_token', ARGV[3], 'started_at', ARGV[1])
    redis.call('ZADD', KEYS[1], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
    return id
  end
end
return false
`)

// KEYS[1] processing zset, KEYS[2] terminal zset
// ARGV[1] id, ARGV[2] owner, ARGV[3] now ms, ARGV[4] prefix, ARGV[5] retention ms
var completeScript = redis.NewScript(`
local jk = ARGV[4] .. 'job:' .. ARGV[1]
if redis.call('HGET', jk, 'owner_token') ~= ARGV[2] then return 0 end
if redis.call('HGET', jk, 'state') ~= 'processing' then return 0 end
redis.call('HSET', jk, 'state', 'succeeded', 'finished_at', ARGV[3], 'owner_token', '')
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
if tonumber(ARGV[5]) > 0 then redis.call('PEXPIRE', jk, ARGV[5]) end
local ck = redis.call('HGET', jk, 'concurrency_key')
if ck and ck ~= '' then
  local lk = ARGV[4] .. 'lock:' .. ck
  if redis.call('GET', lk) == ARGV[1] then redis.call('DEL', lk) end
end
local contk = ARGV[4] .. 'cont:' .. ARGV[1]
local children = redis.call('LRANGE', contk, 0, -1)
for _, cid in ipairs(children) do
  local cjk = ARGV[4] .. 'job:' .. cid
  if redis.call('HGET', cjk, 'state') == 'awaiting' then
    redis.call('HSET', cjk, 'state', 'enqueued', 'enqueued_at', ARGV[3])
    local q = redis.call('HGET', cjk, 'queue')
    redis.call('LPUSH', ARGV[4] .. 'queue:' .. q, cid)
  end
end
redis.call('DEL', contk)
return 1
`)

// KEYS[1] processing zset, KEYS[2] scheduled zset, KEYS[3] terminal zset, KEYS[4] failed queue
// ARGV[1] id, ARGV[2] owner, ARGV[3] now ms, ARGV[4] prefix, ARGV[5] error,
// ARGV[6] retry-at ms (0 = terminal), ARGV[7] retention ms
var failScript = redis.NewScript(`
local jk = ARGV[4] .. 'job:' .. ARGV[1]
if redis.call('HGET', jk, 'owner_token') ~= ARGV[2] then return 0 end
if redis.call('HGET', jk, 'state') ~= 'processing' then return 0 end
redis.call('HINCRBY', jk, 'attempts', 1)
redis.call('HSET', jk, 'last_error', ARGV[5], 'owner_token', '')
redis.call('ZREM', KEYS[1], ARGV[1])
local ck = redis.call('HGET', jk, 'concurrency_key')
if ck and ck ~= '' then
  local lk = ARGV[4] .. 'lock:' .. ck
  if redis.call('GET', lk) == ARGV[1] then redis.call('DEL', lk) end
end
if tonumber(ARGV[6]) > 0 then
  redis.call('HSET', jk, 'state', 'scheduled', 'next_attempt_at', ARGV[6])
  redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
  return 1
end
redis.call('HSET', jk, 'state', 'failed', 'finished_at', ARGV[3])
redis.call('LPUSH', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
if tonumber(ARGV[7]) > 0 then redis.call('PEXPIRE', jk, ARGV[7]) end
local stack = { ARGV[1] }
while #stack > 0 do
  local pid = table.remove(stack)
  local pck = ARGV[4] .. 'cont:' .. pid
  local kids = redis.call('LRANGE', pck, 0, -1)
  for _, cid in ipairs(kids) do
    local cjk = ARGV[4] .. 'job:' .. cid
    if redis.call('HGET', cjk, 'state') == 'awaiting' then
      redis.call('HSET', cjk, 'state', 'failed', 'finished_at', ARGV[3],
        'last_error', 'parent job ' .. pid .. ' failed')
      redis.call('LPUSH', KEYS[4], cid)
      redis.call('ZADD', KEYS[3], ARGV[3], cid)
      if tonumber(ARGV[7]) > 0 then redis.call('PEXPIRE', cjk, ARGV[7]) end
      table.insert(stack, cid)
    end
  end
  redis.call('DEL', pck)
end
return 2
`)

// Returns a leased job to the scheduled set without counting an attempt.
// Used when the job's concurrency key is held elsewhere.
// KEYS[1] processing zset, KEYS[2] scheduled zset
// ARGV[1] id, ARGV[2] owner, ARGV[3] run-at ms, ARGV[4] prefix
var postponeScript = redis.NewScript(`
local jk = ARGV[4] .. 'job:' .. ARGV[1]
if redis.call('HGET', jk, 'owner_token') ~= ARGV[2] then return 0 end
if redis.call('HGET', jk, 'state') ~= 'processing' then return 0 end
redis.call('HSET', jk, 'state', 'scheduled', 'next_attempt_at', ARGV[3], 'owner_token', '', 'started_at', '')
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS[1] processing zset
// ARGV[1] id, ARGV[2] owner, ARGV[3] new deadline ms, ARGV[4] prefix
var heartbeatScript = redis.NewScript(`
local jk = ARGV[4] .. 'job:' .. ARGV[1]
if redis.call('HGET', jk, 'owner_token') ~= ARGV[2] then return 0 end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 1
`)

// Parks a child on its parent's continuation list, or resolves it right away
// when the parent is already terminal.
// ARGV[1] parent id, ARGV[2] child id, ARGV[3] now ms, ARGV[4] prefix,
// ARGV[5] retention ms
// Returns "parked", "enqueued" or "failed".
var continueScript = redis.NewScript(`
local pjk = ARGV[4] .. 'job:' .. ARGV[1]
local cjk = ARGV[4] .. 'job:' .. ARGV[2]
local ps = redis.call('HGET', pjk, 'state')
if ps == false then return 'missing' end
if ps == 'succeeded' then
  redis.call('HSET', cjk, 'state', 'enqueued', 'enqueued_at', ARGV[3])
  local q = redis.call('HGET', cjk, 'queue')
  redis.call('LPUSH', ARGV[4] .. 'queue:' .. q, ARGV[2])
  return 'enqueued'
end
if ps == 'failed' then
  redis.call('HSET', cjk, 'state', 'failed', 'finished_at', ARGV[3],
    'last_error', 'parent job ' .. ARGV[1] .. ' failed')
  redis.call('LPUSH', ARGV[4] .. 'queue:failed', ARGV[2])
  redis.call('ZADD', ARGV[4] .. 'terminal', ARGV[3], ARGV[2])
  if tonumber(ARGV[5]) > 0 then redis.call('PEXPIRE', cjk, ARGV[5]) end
  return 'failed'
end
redis.call('RPUSH', ARGV[4] .. 'cont:' .. ARGV[1], ARGV[2])
return 'parked'
`)

// Moves due scheduled jobs into their queues.
// KEYS[1] scheduled zset
// ARGV[1] now ms, ARGV[2] batch limit, ARGV[3] prefix
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, id in ipairs(due) do
  local jk = ARGV[3] .. 'job:' .. id
  if redis.call('HGET', jk, 'state') == 'scheduled' then
    redis.call('HSET', jk, 'state', 'enqueued', 'enqueued_at', ARGV[1])
    redis.call('HDEL', jk, 'next_attempt_at')
    local q = redis.call('HGET', jk, 'queue')
    redis.call('LPUSH', ARGV[3] .. 'queue:' .. q, id)
    moved = moved + 1
  end
  redis.call('ZREM', KEYS[1], id)
end
return moved
`)

// Reverts jobs whose lease lapsed to enqueued. Attempts are untouched: a
// crashed worker is not a user failure.
// KEYS[1] processing zset
// ARGV[1] now ms, ARGV[2] prefix
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(expired) do
  local jk = ARGV[2] .. 'job:' .. id
  if redis.call('HGET', jk, 'state') == 'processing' then
    redis.call('HSET', jk, 'state', 'enqueued', 'owner_token', '', 'started_at', '', 'enqueued_at', ARGV[1])
    local q = redis.call('HGET', jk, 'queue')
    redis.call('LPUSH', ARGV[2] .. 'queue:' .. q, id)
    n = n + 1
  end
  redis.call('ZREM', KEYS[1], id)
end
return n
`)

// Removes terminal jobs older than the cutoff.
// KEYS[1] terminal zset, KEYS[2] failed queue
// ARGV[1] cutoff ms, ARGV[2] prefix
var purgeScript = redis.NewScript(`
local old = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(old) do
  redis.call('DEL', ARGV[2] .. 'job:' .. id)
  redis.call('LREM', KEYS[2], 0, id)
  redis.call('ZREM', KEYS[1], id)
end
return #old
`)

// Reentrant named lock: acquires when free, extends when already held by the
// same holder.
// KEYS[1] lock key
// ARGV[1] holder, ARGV[2] ttl ms
var acquireLockScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// KEYS[1] lock key
// ARGV[1] holder
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
