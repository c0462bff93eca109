package eventstore

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// commitScript runs the whole commit server-side so a multi-stream write is
// all-or-nothing. Steps, in order: return the cached sequence when the
// command was already committed; validate that every staged append targets
// exactly the next version of its stream (a stream's next version is its
// current length); only then allocate the per-type sequence, record the
// dedup mapping, and apply every write. A conflict aborts before any state
// changes, including the dedup record, so a corrected retry runs in full.
var commitScript = redis.NewScript(`
local cached = redis.call('GET', KEYS[1])
if cached then
  return cached
end

local ops = cjson.decode(ARGV[2])
local lens = {}
for i, op in ipairs(ops) do
  if op.kind == 'event' then
    local key = KEYS[i + 2]
    local len = lens[key]
    if len == nil then
      len = redis.call('XLEN', key)
    end
    if op.version ~= len then
      return redis.error_reply('VERSIONCONFLICT ' .. key .. ' ' .. op.version .. ' ' .. len)
    end
    lens[key] = len + 1
  end
end

local seq = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[1], seq, 'EX', ARGV[1])
for i, op in ipairs(ops) do
  local key = KEYS[i + 2]
  if op.kind == 'event' then
    redis.call('XADD', key, op.id, 'event', op.body)
  elseif op.kind == 'copy' then
    redis.call('XADD', key, '*', 'event', op.body)
  else
    redis.call('SET', key, op.body)
  end
end
return seq
`)

type commitOp struct {
	Kind    string `json:"kind"`
	Version int64  `json:"version"`
	ID      string `json:"id"`
	Body    string `json:"body"`
}

// Commit stages writes for one aggregate commit and sends them to the
// broker in a single atomic script call. Not safe for concurrent use.
type Commit struct {
	store         *Store
	aggregateType string
	commandID     string
	keys          []string
	ops           []commitOp
}

// AppendEvent stages the event onto its per-aggregate stream. The event's
// version must be the next version of that stream or the whole commit
// fails with a VersionConflictError.
func (c *Commit) AppendEvent(ev Event) error {
	body, err := c.store.codec.Encode(ev)
	if err != nil {
		return err
	}
	c.keys = append(c.keys, EventStreamKey(ev.AggregateID))
	c.ops = append(c.ops, commitOp{
		Kind:    "event",
		Version: ev.Version,
		ID:      EntryID(ev.Version),
		Body:    string(body),
	})
	return nil
}

// AppendToTypeStream stages a copy of the event onto the shared stream for
// the commit's aggregate type. Entry IDs are broker-assigned; ordering
// across aggregates carries no meaning.
func (c *Commit) AppendToTypeStream(ev Event) error {
	body, err := c.store.codec.Encode(ev)
	if err != nil {
		return err
	}
	c.keys = append(c.keys, TypeStreamKey(c.aggregateType))
	c.ops = append(c.ops, commitOp{Kind: "copy", Body: string(body)})
	return nil
}

// SaveSnapshot stages an overwrite of the aggregate's snapshot.
func (c *Commit) SaveSnapshot(aggregateID string, snap Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	c.keys = append(c.keys, SnapshotKey(c.aggregateType, aggregateID))
	c.ops = append(c.ops, commitOp{Kind: "snapshot", Body: string(body)})
	return nil
}

// Commit executes the staged operations atomically and returns the
// allocated per-type sequence number. Committing the same command ID again
// returns the original sequence number without writing anything.
func (c *Commit) Commit(ctx context.Context) (int64, error) {
	if len(c.ops) == 0 {
		return 0, errors.New("commit has no staged operations")
	}
	descriptor, err := json.Marshal(c.ops)
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(c.keys)+2)
	keys = append(keys, CommandKey(c.commandID), SequenceKey(c.aggregateType))
	keys = append(keys, c.keys...)

	seq, err := commitScript.Run(ctx, c.store.client, keys,
		int64(c.store.dedupTTL.Seconds()), string(descriptor)).Int64()
	if err != nil {
		return 0, parseCommitError(err)
	}
	return seq, nil
}
