// Package projection applies read-model updates under per-aggregate
// optimistic version checks, mirroring the event store's commit discipline
// on the query side.
package projection

import (
	"context"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/slapcommerce/eventcore/libs/eventstore"
)

// applyScript checks the projection version and applies every queued
// mutation in one atomic step. An unset version key counts as -1, so the
// first transaction for an aggregate expects -1. The version advances by
// exactly one per transaction, mutations or not.
var applyScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false then
  current = -1
else
  current = tonumber(current)
end
local expected = tonumber(ARGV[1])
if current ~= expected then
  return redis.error_reply('PROJECTIONCONFLICT ' .. KEYS[1] .. ' ' .. expected .. ' ' .. current)
end

local muts = cjson.decode(ARGV[2])
for i, m in ipairs(muts) do
  local key = KEYS[i + 1]
  if m.op == 'hset' then
    redis.call('HSET', key, unpack(m.args))
  elseif m.op == 'sadd' then
    redis.call('SADD', key, unpack(m.args))
  elseif m.op == 'rpush' then
    redis.call('RPUSH', key, unpack(m.args))
  elseif m.op == 'zadd' then
    redis.call('ZADD', key, unpack(m.args))
  elseif m.op == 'del' then
    redis.call('DEL', key)
  end
end

redis.call('SET', KEYS[1], expected + 1)
return expected + 1
`)

type mutation struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// Transaction batches read-model mutations for one aggregate at one
// expected projection version. Not safe for concurrent use.
type Transaction struct {
	client      *redis.Client
	aggregateID string
	expected    int64
	keys        []string
	muts        []mutation
}

// New opens a transaction expecting the aggregate's projection to be at
// expectedVersion. Pass -1 for an aggregate that was never projected.
func New(client *redis.Client, aggregateID string, expectedVersion int64) *Transaction {
	return &Transaction{client: client, aggregateID: aggregateID, expected: expectedVersion}
}

func (t *Transaction) HSet(key string, fieldValues ...string) *Transaction {
	return t.add("hset", key, fieldValues)
}

func (t *Transaction) SAdd(key string, members ...string) *Transaction {
	return t.add("sadd", key, members)
}

func (t *Transaction) RPush(key string, values ...string) *Transaction {
	return t.add("rpush", key, values)
}

func (t *Transaction) ZAdd(key string, score float64, member string) *Transaction {
	return t.add("zadd", key, []string{strconv.FormatFloat(score, 'f', -1, 64), member})
}

func (t *Transaction) Del(key string) *Transaction {
	return t.add("del", key, nil)
}

func (t *Transaction) add(op, key string, args []string) *Transaction {
	t.keys = append(t.keys, key)
	t.muts = append(t.muts, mutation{Op: op, Args: args})
	return t
}

// Commit applies the batch and returns the new projection version. A
// version mismatch returns a ConflictError and changes nothing. A
// transaction with no mutations still advances the version.
func (t *Transaction) Commit(ctx context.Context) (int64, error) {
	muts := t.muts
	if muts == nil {
		// Encode as [] rather than null so the script can iterate.
		muts = []mutation{}
	}
	descriptor, err := json.Marshal(muts)
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(t.keys)+1)
	keys = append(keys, eventstore.ProjectionVersionKey(t.aggregateID))
	keys = append(keys, t.keys...)

	version, err := applyScript.Run(ctx, t.client, keys, t.expected, string(descriptor)).Int64()
	if err != nil {
		return 0, parseConflict(err)
	}
	return version, nil
}
