package redis

// Script results
const (
	resultMissing   = -2
	resultOutOfLine = -1
	resultConflict  = 0
	resultIdentical = 1
	resultCommitted = 2
)

const (
	luaPersistEvent = `
		-- Atomically commit an event, enforcing contiguous ids
		-- KEYS[1] = event hash key
		-- KEYS[2] = stats hash key
		-- ARGV[1] = event id
		-- ARGV[2] = event data
		-- Returns: {2} committed, {1} identical retry, {0} conflict,
		--          {-1, greatest} gap, {-2, greatest} missing event

		local stored = redis.call('HGET', KEYS[1], ARGV[1])
		if stored then
			if stored == ARGV[2] then
				return {1}
			end
			return {0}
		end

		local id = tonumber(ARGV[1])
		local greatest = tonumber(redis.call('HGET', KEYS[2], 'event') or '-1')
		if id > greatest + 1 then
			return {-1, greatest}
		end
		if id <= greatest then
			return {-2, greatest}
		end

		redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
		redis.call('HSET', KEYS[2], 'event', id)
		return {2}
		`

	luaPersistSnapshot = `
		-- Atomically commit a snapshot summarizing committed events
		-- KEYS[1] = snapshot hash key
		-- KEYS[2] = stats hash key
		-- ARGV[1] = snapshot id (the last event it covers)
		-- ARGV[2] = snapshot data
		-- Returns: {2} committed, {1} identical retry, {0} conflict,
		--          {-1, greatest} ahead of the greatest event

		local stored = redis.call('HGET', KEYS[1], ARGV[1])
		if stored then
			if stored == ARGV[2] then
				return {1}
			end
			return {0}
		end

		local id = tonumber(ARGV[1])
		local greatest = tonumber(redis.call('HGET', KEYS[2], 'event') or '-1')
		if id > greatest then
			return {-1, greatest}
		end

		redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
		redis.call('HSET', KEYS[2], 'snapshot', id)
		return {2}
		`
)
