package redisstore

// commitScript validates a transaction's read-set, consulted ranges and
// uniqueness constraints, then applies its staged writes, all inside one
// Redis Lua script so the CAS-validate-then-apply sequence in spec.md §4.1
// is atomic from Redis's point of view (SPEC_FULL.md §4.1). ARGV[1] is a
// JSON-encoded commitPayload describing the operation; row value blobs are
// binary and so travel as their own ARGV entries (ARGV[2:]), referenced
// from the payload by 1-based index, rather than being embedded in the
// JSON text. KEYS is left empty; the script addresses every key from the
// payload.
const commitScript = `
local payload = cjson.decode(ARGV[1])

for _, r in ipairs(payload.reads or {}) do
  local cur = redis.call('HGET', r.key, 'ver')
  if r.expect == 0 then
    if cur then return 'conflict:inserted-concurrently' end
  else
    if not cur or tonumber(cur) ~= r.expect then return 'conflict:version-changed' end
  end
end

for _, u in ipairs(payload.uniques or {}) do
  local owner = redis.call('GET', u.key)
  if owner and owner ~= u.id then return 'unique-violated' end
end

for _, rg in ipairs(payload.ranges or {}) do
  local cur = redis.call('ZRANGEBYSCORE', rg.key, rg.min, rg.max)
  local curSet = {}
  for _, m in ipairs(cur) do curSet[m] = true end
  local ids = rg.ids or {}
  if #cur ~= #ids then return 'conflict:range-changed' end
  for _, id in ipairs(ids) do
    if not curSet[id] then return 'conflict:range-changed' end
  end
end

for _, w in ipairs(payload.writes or {}) do
  if w.op == 'delete' then
    redis.call('DEL', w.rowkey)
    for _, z in ipairs(w.zrem or {}) do redis.call('ZREM', z[1], z[2]) end
    for _, u in ipairs(w.uniqdel or {}) do redis.call('DEL', u) end
  else
    redis.call('HSET', w.rowkey, 'v', ARGV[w.blobarg + 1], 'ver', w.newversion)
    for _, z in ipairs(w.zrem or {}) do redis.call('ZREM', z[1], z[2]) end
    for _, z in ipairs(w.zadd or {}) do redis.call('ZADD', z[1], z[2], z[3]) end
    for _, u in ipairs(w.uniqdel or {}) do redis.call('DEL', u) end
    for _, u in ipairs(w.uniqset or {}) do redis.call('SET', u[1], u[2]) end
  end
end

return 'OK'
`
