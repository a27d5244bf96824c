// Copyright 2025 James Ross
package kv

import "github.com/redis/go-redis/v9"

// Every script below is the kv backend's equivalent of a relational
// transaction: one EVALSHA is one atomic unit, per spec.md section 6.
// Job blobs travel as JSON strings; cjson only ever touches the fields
// a given script needs to branch on (status, groupId, ...).

// addJobScript inserts a freshly-built job, honoring idempotency. The id
// is reserved beforehand with a plain INCR (outside this script), so a
// duplicate idempotency key leaves a harmless gap in id_seq — the same
// gap a rolled-back SQL transaction leaves behind a SERIAL column.
//
// KEYS[1]=jobKey KEYS[2]=all KEYS[3]=queue KEYS[4]=delayed KEYS[5]=idempotencyKey
// ARGV[1]=jobJSON ARGV[2]=id ARGV[3]=jobType ARGV[4]=tagsJSON ARGV[5]=createdAtUnix
// ARGV[6]=queueScore ARGV[7]=delayedScore ("" = ready now, use queueScore)
// ARGV[8]=keyPrefix ARGV[9]=idempotencyKey value ("" = none)
var addJobScript = redis.NewScript(`
local jobKey, allKey, queueKey, delayedKey, idemKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local jobJSON, id, jobType, tagsJSON, createdAtUnix = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]
local queueScore, delayedScore, prefix, idemValue = ARGV[6], ARGV[7], ARGV[8], ARGV[9]

if idemValue ~= '' then
  local existing = redis.call('GET', idemKey)
  if existing then return {existing, '0'} end
end

redis.call('HSET', jobKey, 'data', jobJSON)
redis.call('ZADD', allKey, createdAtUnix, id)
if delayedScore ~= '' then
  redis.call('ZADD', delayedKey, delayedScore, id)
else
  redis.call('ZADD', queueKey, queueScore, id)
end
redis.call('SADD', prefix .. 'status:pending', id)
redis.call('SADD', prefix .. 'type:' .. jobType, id)
local tags = cjson.decode(tagsJSON)
for _, tag in ipairs(tags) do
  redis.call('SADD', prefix .. 'tag:' .. tag, id)
  redis.call('SADD', prefix .. 'job:' .. id .. ':tags', tag)
end
if idemValue ~= '' then
  redis.call('SET', idemKey, id)
end
return {id, '1'}
`)

// claimScript pops up to batchSize ready ids off the queue zset (highest
// priority / oldest first, per the score formula in spec.md section 6),
// skipping ids that fail the job-type filter or the group-concurrency
// cap, and atomically flips each claimed job to processing.
//
// KEYS[1]=queue KEYS[2]=groupInflight
// ARGV[1]=batchSize ARGV[2]=workerID ARGV[3]=nowRFC3339Nano
// ARGV[4]=groupConcurrency (0 = unlimited) ARGV[5]=jobTypeFilterJSON ("[]" = none)
// ARGV[6]=keyPrefix
var claimScript = redis.NewScript(`
local queueKey = KEYS[1]
local groupInflightKey = KEYS[2]
local batchSize = tonumber(ARGV[1])
local workerID = ARGV[2]
local now = ARGV[3]
local groupCap = tonumber(ARGV[4])
local typeFilter = cjson.decode(ARGV[5])
local prefix = ARGV[6]

local typeSet = {}
for _, t in ipairs(typeFilter) do typeSet[t] = true end
local hasTypeFilter = #typeFilter > 0

local claimed = {}
local ids = redis.call('ZREVRANGE', queueKey, 0, -1)
for _, idStr in ipairs(ids) do
  if #claimed >= batchSize then break end
  local jobKey = prefix .. 'job:' .. idStr
  local raw = redis.call('HGET', jobKey, 'data')
  if raw then
    local job = cjson.decode(raw)
    local eligible = true
    if hasTypeFilter and not typeSet[job.jobType] then eligible = false end
    local groupID = nil
    if job.group and job.group.id then groupID = job.group.id end
    if eligible and groupID and groupCap > 0 then
      local inflight = tonumber(redis.call('HGET', groupInflightKey, groupID) or '0')
      if inflight >= groupCap then eligible = false end
    end
    if eligible then
      redis.call('ZREM', queueKey, idStr)
      local isRetry = job.attempts and job.attempts > 0
      job.status = 'processing'
      job.lockedAt = now
      job.lockedBy = workerID
      if not job.startedAt or job.startedAt == cjson.null then job.startedAt = now end
      if isRetry then
        job.attempts = job.attempts + 1
        job.lastRetriedAt = now
      else
        job.attempts = 1
      end
      redis.call('HSET', jobKey, 'data', cjson.encode(job))
      redis.call('SREM', prefix .. 'status:pending', idStr)
      redis.call('SADD', prefix .. 'status:processing', idStr)
      if groupID then
        redis.call('HINCRBY', groupInflightKey, groupID, 1)
      end
      table.insert(claimed, cjson.encode(job))
    end
  end
end
return claimed
`)

// promoteScript moves delayed/retry/waiting entries whose due time has
// arrived into the ready queue zset, flipping each job's status back to
// pending (spec.md section 4.2 steps 1-3). It runs once per
// getNextBatch call, immediately before claimScript.
//
// KEYS[1]=delayed KEYS[2]=retry KEYS[3]=waiting KEYS[4]=queue
// ARGV[1]=nowUnixSeconds ARGV[2]=keyPrefix
var promoteScript = redis.NewScript(`
local delayedKey, retryKey, waitingKey, queueKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local now = tonumber(ARGV[1])
local prefix = ARGV[2]
local K = 1000000000000000

local function promote(zkey)
  local ids = redis.call('ZRANGEBYSCORE', zkey, '-inf', now)
  for _, idStr in ipairs(ids) do
    redis.call('ZREM', zkey, idStr)
    local jobKey = prefix .. 'job:' .. idStr
    local raw = redis.call('HGET', jobKey, 'data')
    if raw then
      local job = cjson.decode(raw)
      local prevStatus = job.status
      job.status = 'pending'
      redis.call('HSET', jobKey, 'data', cjson.encode(job))
      redis.call('SREM', prefix .. 'status:' .. prevStatus, idStr)
      redis.call('SADD', prefix .. 'status:pending', idStr)
      local score = job.priority * K + (K - job.createdAtUnix)
      redis.call('ZADD', queueKey, score, idStr)
    end
  end
end

promote(delayedKey)
promote(retryKey)
-- wall-clock waits only; token-bound waits are resumed by completeToken/expireTimedOutTokens
local waitIds = redis.call('ZRANGEBYSCORE', waitingKey, '-inf', now)
for _, idStr in ipairs(waitIds) do
  local jobKey = prefix .. 'job:' .. idStr
  local raw = redis.call('HGET', jobKey, 'data')
  if raw then
    local job = cjson.decode(raw)
    if not job.waitTokenId or job.waitTokenId == cjson.null then
      redis.call('ZREM', waitingKey, idStr)
      job.status = 'pending'
      job.waitUntil = cjson.null
      redis.call('HSET', jobKey, 'data', cjson.encode(job))
      redis.call('SREM', prefix .. 'status:waiting', idStr)
      redis.call('SADD', prefix .. 'status:pending', idStr)
      local score = job.priority * K + (K - job.createdAtUnix)
      redis.call('ZADD', queueKey, score, idStr)
    end
  end
end
return redis.status_reply('OK')
`)

// mutateJobScript applies a precomputed job JSON blob (already mutated by
// Go-side business logic such as retry-delay math or dead-letter linkage)
// and rewrites every index the status transition touches, as a single
// script. KEYS/ARGV describe the full fan-out so every caller (complete,
// fail, retry, cancel, edit, prolong, progress, waitJob) shares one path.
//
// KEYS[1]=jobKey KEYS[2]=queue KEYS[3]=delayed KEYS[4]=retry KEYS[5]=waiting
// ARGV[1]=newJobJSON ARGV[2]=oldStatus ARGV[3]=newStatus ARGV[4]=id
// ARGV[5]=keyPrefix ARGV[6]=groupID ("" = none) ARGV[7]=groupDelta (-1/0/+1)
// ARGV[8]=queueScore ("" = do not add to queue) ARGV[9]=delayedScore ("" = skip)
// ARGV[10]=retryScore ("" = skip) ARGV[11]=waitingScore ("" = skip)
var mutateJobScript = redis.NewScript(`
local jobKey, queueKey, delayedKey, retryKey, waitingKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local newJSON, oldStatus, newStatus, id, prefix = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]
local groupID, groupDelta = ARGV[6], tonumber(ARGV[7])
local queueScore, delayedScore, retryScore, waitingScore = ARGV[8], ARGV[9], ARGV[10], ARGV[11]

redis.call('HSET', jobKey, 'data', newJSON)
if oldStatus ~= '' and oldStatus ~= newStatus then
  redis.call('SREM', prefix .. 'status:' .. oldStatus, id)
end
if newStatus ~= '' then
  redis.call('SADD', prefix .. 'status:' .. newStatus, id)
end

redis.call('ZREM', queueKey, id)
redis.call('ZREM', delayedKey, id)
redis.call('ZREM', retryKey, id)
redis.call('ZREM', waitingKey, id)
if queueScore ~= '' then redis.call('ZADD', queueKey, queueScore, id) end
if delayedScore ~= '' then redis.call('ZADD', delayedKey, delayedScore, id) end
if retryScore ~= '' then redis.call('ZADD', retryKey, retryScore, id) end
if waitingScore ~= '' then redis.call('ZADD', waitingKey, waitingScore, id) end

if groupID ~= '' and groupDelta ~= 0 then
  redis.call('HINCRBY', prefix .. 'group_inflight', groupID, groupDelta)
end
return redis.status_reply('OK')
`)

// completeTokenScript resolves a waitpoint token and, if it is bound to a
// job, resumes that job to pending — the kv mirror of the relational
// backend's CompleteToken (waitpoint.go).
//
// KEYS[1]=tokenKey KEYS[2]=waitpointTimeout KEYS[3]=jobKey(or "") KEYS[4]=queue KEYS[5]=waiting
// ARGV[1]=output ARGV[2]=now ARGV[3]=tokenID ARGV[4]=keyPrefix ARGV[5]=jobID(or "")
var completeTokenScript = redis.NewScript(`
local tokenKey, timeoutKey, jobKey, queueKey, waitingKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local output, now, tokenID, prefix, jobID = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]

local raw = redis.call('HGET', tokenKey, 'data')
if not raw then return redis.error_reply('token not found') end
local token = cjson.decode(raw)
if token.Status ~= 'waiting' then
  return redis.status_reply('OK')
end
token.Status = 'completed'
token.Output = cjson.decode(output)
token.CompletedAt = now
redis.call('HSET', tokenKey, 'data', cjson.encode(token))
redis.call('ZREM', timeoutKey, tokenID)

if jobID ~= '' then
  local jraw = redis.call('HGET', jobKey, 'data')
  if jraw then
    local job = cjson.decode(jraw)
    if job.status == 'waiting' and job.waitTokenId == tokenID then
      job.status = 'pending'
      job.waitTokenId = cjson.null
      redis.call('HSET', jobKey, 'data', cjson.encode(job))
      redis.call('SREM', prefix .. 'status:waiting', jobID)
      redis.call('SADD', prefix .. 'status:pending', jobID)
      redis.call('ZREM', waitingKey, jobID)
      local K = 1000000000000000
      local score = job.priority * K + (K - job.createdAtUnix)
      redis.call('ZADD', queueKey, score, jobID)
    end
  end
end
return redis.status_reply('OK')
`)

// expireTokenScript times out one waitpoint token past its deadline and
// resumes any job bound to it, the timeout counterpart to
// completeTokenScript.
//
// KEYS[1]=tokenKey KEYS[2]=jobKey(or placeholder) KEYS[3]=queue KEYS[4]=waiting
// ARGV[1]=now ARGV[2]=tokenID ARGV[3]=keyPrefix ARGV[4]=jobID(or "")
var expireTokenScript = redis.NewScript(`
local tokenKey, jobKey, queueKey, waitingKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local now, tokenID, prefix, jobID = ARGV[1], ARGV[2], ARGV[3], ARGV[4]

local raw = redis.call('HGET', tokenKey, 'data')
if not raw then return 0 end
local token = cjson.decode(raw)
if token.Status ~= 'waiting' then return 0 end
token.Status = 'timed_out'
token.CompletedAt = now
redis.call('HSET', tokenKey, 'data', cjson.encode(token))

if jobID ~= '' then
  local jraw = redis.call('HGET', jobKey, 'data')
  if jraw then
    local job = cjson.decode(jraw)
    if job.status == 'waiting' and job.waitTokenId == tokenID then
      job.status = 'pending'
      job.waitTokenId = cjson.null
      redis.call('HSET', jobKey, 'data', cjson.encode(job))
      redis.call('SREM', prefix .. 'status:waiting', jobID)
      redis.call('SADD', prefix .. 'status:pending', jobID)
      redis.call('ZREM', waitingKey, jobID)
      local K = 1000000000000000
      local score = job.priority * K + (K - job.createdAtUnix)
      redis.call('ZADD', queueKey, score, jobID)
    end
  end
end
return 1
`)
