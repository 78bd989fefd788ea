package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// sagaSaveScript writes the record only if its stored version still matches.
var sagaSaveScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if (current or "0") ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[2], "data", ARGV[3])
redis.call("SADD", KEYS[2], ARGV[4])
return 1
`)

// RedisStore keeps one hash per member plus a set indexing every member with a record.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "payments:payout_saga"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisStore{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (s *RedisStore) recordKey(memberID string) string {
	return fmt.Sprintf("%s:member:%s", s.prefix, memberID)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":members"
}

func (s *RedisStore) Load(ctx context.Context, memberID string) (*Record, error) {
	values, err := s.client.HMGet(ctx, s.recordKey(memberID), "version", "data").Result()
	if err != nil {
		return nil, err
	}
	if len(values) != 2 || values[1] == nil {
		return nil, ErrRecordNotFound
	}
	data, ok := values[1].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected saga record type %T", values[1])
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode saga record %s: %w", memberID, err)
	}
	if raw, ok := values[0].(string); ok {
		version, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode saga record version %s: %w", memberID, err)
		}
		rec.Version = version
	}
	return &rec, nil
}

func (s *RedisStore) Save(ctx context.Context, record *Record) error {
	next := record.Version + 1
	copyForWrite := *record
	copyForWrite.Version = next
	data, err := json.Marshal(&copyForWrite)
	if err != nil {
		return err
	}

	result, err := sagaSaveScript.Run(ctx, s.client,
		[]string{s.recordKey(record.MemberID), s.indexKey()},
		strconv.FormatInt(record.Version, 10),
		strconv.FormatInt(next, 10),
		string(data),
		record.MemberID,
	).Int64()
	if err != nil {
		return err
	}
	if result != 1 {
		return ErrStaleRecord
	}
	record.Version = next
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, memberID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(memberID))
		pipe.SRem(ctx, s.indexKey(), memberID)
		return nil
	})
	return err
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}
