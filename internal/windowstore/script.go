package windowstore

// checkAndIncrementLua reads every counter, and only if none has reached its
// limit increments all of them. A counter without an expiry gets its window
// length in the same step.
//
// KEYS[1..n]       counter keys
// ARGV[1..n]       limits
// ARGV[n+1..2n]    window lengths in milliseconds
//
// Returns { allowed, exceeded (1-based, 0 = none), count1, pttl1, ..., countn, pttln }.
const checkAndIncrementLua = `
local n = #KEYS
local counts = {}
local ttls = {}

for i = 1, n do
  counts[i] = tonumber(redis.call("GET", KEYS[i]) or "0")
  ttls[i] = tonumber(redis.call("PTTL", KEYS[i]))
end

local exceeded = 0
for i = 1, n do
  if counts[i] >= tonumber(ARGV[i]) then
    exceeded = i
    break
  end
end

if exceeded == 0 then
  for i = 1, n do
    counts[i] = redis.call("INCR", KEYS[i])
    if ttls[i] < 0 then
      local window = tonumber(ARGV[n + i])
      redis.call("PEXPIRE", KEYS[i], window)
      ttls[i] = window
    end
  end
end

local allowed = 0
if exceeded == 0 then
  allowed = 1
end

local out = { allowed, exceeded }
for i = 1, n do
  out[#out + 1] = counts[i]
  out[#out + 1] = ttls[i]
end
return out
`
