package redis

const (
	// createRecordScript stores a new hash and indexes it, refusing to overwrite
	createRecordScript = `
local record_key = KEYS[1]     -- kcafe:{kind}:{id}
local index_set = KEYS[2]      -- kcafe:{kinds}

local id = ARGV[1]

if redis.call('EXISTS', record_key) == 1 then
  return 0
end

-- Remaining ARGV are field/value pairs
redis.call('HSET', record_key, unpack(ARGV, 2))
redis.call('SADD', index_set, id)

return 1
`

	// setFieldScript updates one field of an existing hash
	setFieldScript = `
local record_key = KEYS[1]

if redis.call('EXISTS', record_key) == 0 then
  return 0
end

redis.call('HSET', record_key, ARGV[1], ARGV[2])
return 1
`

	// startSessionScript atomically creates a session and marks the PC occupied
	startSessionScript = `
local pc_key = KEYS[1]         -- kcafe:pc:{pcID}
local user_key = KEYS[2]       -- kcafe:user:{userID}
local session_key = KEYS[3]    -- kcafe:session:{sessionID}
local active_set = KEYS[4]     -- kcafe:sessions:active

local session_id = ARGV[1]
local pc_id = ARGV[2]
local user_id = ARGV[3]
local start_time = ARGV[4]
local force = ARGV[5]

if redis.call('EXISTS', pc_key) == 0 then
  return 'PC_NOT_FOUND'
end
if redis.call('EXISTS', user_key) == 0 then
  return 'USER_NOT_FOUND'
end
if redis.call('EXISTS', session_key) == 1 then
  return 'SESSION_EXISTS'
end

-- Refuse to replace an occupant unless forced
local occupant = redis.call('HGET', pc_key, 'current_user_id')
if occupant and occupant ~= '' and force ~= '1' then
  return 'OCCUPIED'
end

redis.call('HSET', session_key,
  'id', session_id,
  'pc_id', pc_id,
  'user_id', user_id,
  'start_time', start_time,
  'end_time', '',
  'paid', '0',
  'amount', '0',
  'settled', '0'
)
redis.call('SADD', active_set, session_id)
redis.call('HSET', pc_key, 'current_user_id', user_id, 'current_session_id', session_id)

return 'OK'
`

	// closeSessionScript sets the end time once and releases the PC if this
	// session still owns it
	closeSessionScript = `
local session_key = KEYS[1]    -- kcafe:session:{sessionID}
local active_set = KEYS[2]     -- kcafe:sessions:active
local pc_key = KEYS[3]         -- kcafe:pc:{pcID}

local session_id = ARGV[1]
local end_time = ARGV[2]

if redis.call('EXISTS', session_key) == 0 then
  return 'NOT_FOUND'
end

local ended = redis.call('HGET', session_key, 'end_time')
if ended and ended ~= '' then
  return 'CLOSED'
end

redis.call('HSET', session_key, 'end_time', end_time)
redis.call('SREM', active_set, session_id)

-- A forced start may have handed the PC to a newer session
if redis.call('HGET', pc_key, 'current_session_id') == session_id then
  redis.call('HSET', pc_key, 'current_user_id', '', 'current_session_id', '')
end

return 'OK'
`
)
