package dedup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/webrecorder/recorder/cdx"
)

// RedisIndex is an Index backed by Redis, grounded on pywb's
// WritableRedisIndexer: CDX rows live in a sorted set keyed
// "{user}:{coll}:cdxj" (member = CDXJ line, score 0, range-queried with
// ZRANGEBYLEX), and filename->absolute-path entries live in a hash keyed
// "{user}:{coll}:warc" (spec.md §6). A third hash, "{user}:{coll}:digest",
// maps payload digest to the first CDXJ line seen for it — pywb's Redis
// scheme doesn't need this because Python dicts do it implicitly, but an
// explicit structure is required to make Lookup O(1) here.
type RedisIndex struct {
	client *redis.Client
}

// NewRedisIndex wraps an existing *redis.Client.
func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func cdxjKey(user, coll string) string   { return user + ":" + coll + ":cdxj" }
func warcKey(user, coll string) string   { return user + ":" + coll + ":warc" }
func digestKey(user, coll string) string { return user + ":" + coll + ":digest" }

func (r *RedisIndex) Lookup(ctx context.Context, user, coll, digest string) (*cdx.Entry, error) {
	line, err := r.client.HGet(ctx, digestKey(user, coll), digest).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup: redis lookup: %w", err)
	}

	entry, err := cdx.Unmarshal(line)
	if err != nil {
		return nil, fmt.Errorf("dedup: decoding stored entry: %w", err)
	}
	return &entry, nil
}

func (r *RedisIndex) Insert(ctx context.Context, user, coll string, e cdx.Entry) error {
	line, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("dedup: encoding entry: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, cdxjKey(user, coll), redis.Z{Score: 0, Member: line})
	// HSetNX: only the first sighting of a digest is kept as the dedup
	// target, matching "references the original record" (spec.md §9).
	pipe.HSetNX(ctx, digestKey(user, coll), e.Digest, line)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dedup: redis insert: %w", err)
	}
	return nil
}

// RegisterFile records filename's absolute path in the "{user}:{coll}:warc"
// hash, called once by the File Manager when it opens a new WARC file.
func (r *RedisIndex) RegisterFile(ctx context.Context, user, coll, filename, absPath string) error {
	if err := r.client.HSet(ctx, warcKey(user, coll), filename, absPath).Err(); err != nil {
		return fmt.Errorf("dedup: registering file: %w", err)
	}
	return nil
}

func (r *RedisIndex) Range(ctx context.Context, user, coll, lo, hi string) ([]cdx.Entry, error) {
	lines, err := r.client.ZRangeByLex(ctx, cdxjKey(user, coll), &redis.ZRangeBy{
		Min: "[" + lo,
		Max: "(" + hi,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dedup: redis range: %w", err)
	}

	entries := make([]cdx.Entry, 0, len(lines))
	for _, line := range lines {
		e, err := cdx.Unmarshal(line)
		if err != nil {
			return nil, fmt.Errorf("dedup: decoding ranged entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
