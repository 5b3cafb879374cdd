// Copyright 2025 James Ross
package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/dispatch/internal/domain"
)

// incLoadScript clamps the load counter to [0, max_capacity] and seeds a
// minimal row (spec §4.2 Worker invariant (a)) the first time a worker is
// ever incremented ahead of its first UpsertWorkerReport, so a scheduler
// commit can never race an as-yet-unseen roster entry into existing.
const incLoadScript = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  redis.call('HSET', key, 'max_capacity', 5, 'load', 1, 'is_serving', '1', 'last_seen', ARGV[1])
  return 1
end
local load = tonumber(redis.call('HGET', key, 'load') or '0')
local max_cap = tonumber(redis.call('HGET', key, 'max_capacity') or '0')
if max_cap > 0 and load >= max_cap then
  return load
end
return redis.call('HINCRBY', key, 'load', 1)
`

const decLoadScript = `
local key = KEYS[1]
local load = tonumber(redis.call('HGET', key, 'load') or '0')
if load <= 0 then return 0 end
return redis.call('HINCRBY', key, 'load', -1)
`

func (s *Store) GetWorker(ctx context.Context, workerID string) (domain.Worker, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, workerKey(workerID)).Result()
	if err != nil {
		return domain.Worker{}, false, domain.NewError(domain.KindTransient, "GetWorker", "redis hgetall", err)
	}
	if len(vals) == 0 {
		return domain.Worker{}, false, nil
	}
	w, err := decodeWorker(workerID, vals)
	if err != nil {
		return domain.Worker{}, false, err
	}
	return w, true, nil
}

func (s *Store) PutWorker(ctx context.Context, w domain.Worker) error {
	fields, err := encodeWorker(w)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, workerKey(w.WorkerID), fields)
	pipe.SAdd(ctx, workersAllKey(), w.WorkerID)
	pipe.ZAdd(ctx, workersLastSeenKey(), redis.Z{Score: float64(w.LastSeen.UnixNano()), Member: w.WorkerID})
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.NewError(domain.KindTransient, "PutWorker", "redis pipeline", err)
	}
	return nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	ids, err := s.rdb.SMembers(ctx, workersAllKey()).Result()
	if err != nil {
		return nil, domain.NewError(domain.KindTransient, "ListWorkers", "redis smembers", err)
	}
	workers := make([]domain.Worker, 0, len(ids))
	for _, id := range ids {
		w, ok, err := s.GetWorker(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // stale membership entry, e.g. reaped between SMEMBERS and HGETALL
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func (s *Store) IncLoad(ctx context.Context, workerID string) (int, error) {
	res, err := s.rdb.Eval(ctx, incLoadScript, []string{workerKey(workerID)}, time.Now().UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return 0, domain.NewError(domain.KindTransient, "IncLoad", "redis eval", err)
	}
	return intResult(res)
}

func (s *Store) DecLoad(ctx context.Context, workerID string) (int, error) {
	res, err := s.rdb.Eval(ctx, decLoadScript, []string{workerKey(workerID)}).Result()
	if err != nil {
		return 0, domain.NewError(domain.KindTransient, "DecLoad", "redis eval", err)
	}
	return intResult(res)
}

func (s *Store) LoadOf(ctx context.Context, workerID string) (int, error) {
	v, err := s.rdb.HGet(ctx, workerKey(workerID), "load").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, domain.NewError(domain.KindTransient, "LoadOf", "redis hget", err)
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

func (s *Store) LiveCount(ctx context.Context, workerID string, activeStates []domain.State) (int, error) {
	ids, err := s.rdb.SMembers(ctx, jobsAssignedKey(workerID)).Result()
	if err != nil {
		return 0, domain.NewError(domain.KindTransient, "LiveCount", "redis smembers", err)
	}
	jobs, err := s.mgetJobs(ctx, ids)
	if err != nil {
		return 0, err
	}
	allowed := make(map[domain.State]bool, len(activeStates))
	for _, st := range activeStates {
		allowed[st] = true
	}
	count := 0
	for _, j := range jobs {
		if allowed[j.State] {
			count++
		}
	}
	return count, nil
}

func (s *Store) ReapInactive(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, workersLastSeenKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, domain.NewError(domain.KindTransient, "ReapInactive", "redis zrangebyscore", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, workerKey(id))
		pipe.SRem(ctx, workersAllKey(), id)
		pipe.ZRem(ctx, workersLastSeenKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, domain.NewError(domain.KindTransient, "ReapInactive", "redis pipeline", err)
	}
	return len(ids), nil
}

func (s *Store) DeleteWorker(ctx context.Context, workerID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, workerKey(workerID))
	pipe.SRem(ctx, workersAllKey(), workerID)
	pipe.ZRem(ctx, workersLastSeenKey(), workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.NewError(domain.KindTransient, "DeleteWorker", "redis pipeline", err)
	}
	return nil
}

func intResult(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, domain.NewError(domain.KindFatal, "intResult", "unexpected script reply type", nil)
	}
}

func encodeWorker(w domain.Worker) (map[string]interface{}, error) {
	specBlob, err := json.Marshal(w.Specialization)
	if err != nil {
		return nil, domain.NewError(domain.KindFatal, "encodeWorker", "marshal specialization", err)
	}
	perfReportersBlob, err := json.Marshal(w.PerformanceReporters)
	if err != nil {
		return nil, domain.NewError(domain.KindFatal, "encodeWorker", "marshal performance reporters", err)
	}
	loadReportersBlob, err := json.Marshal(w.LoadReporters)
	if err != nil {
		return nil, domain.NewError(domain.KindFatal, "encodeWorker", "marshal load reporters", err)
	}
	return map[string]interface{}{
		"identity_key":          w.IdentityKey,
		"is_serving":            boolStr(w.IsServing),
		"stake":                 w.Stake,
		"performance_score":     w.PerformanceScore,
		"specialization":        string(specBlob),
		"max_capacity":          w.MaxCapacity,
		"load":                  w.Load,
		"last_seen":             w.LastSeen.UTC().Format(time.RFC3339Nano),
		"performance_reporters": string(perfReportersBlob),
		"load_reporters":        string(loadReportersBlob),
	}, nil
}

func decodeWorker(workerID string, vals map[string]string) (domain.Worker, error) {
	w := domain.Worker{WorkerID: workerID}
	w.IdentityKey = vals["identity_key"]
	w.IsServing = vals["is_serving"] == "1"
	w.Stake = parseFloat(vals["stake"])
	w.PerformanceScore = parseFloat(vals["performance_score"])
	w.MaxCapacity = parseInt(vals["max_capacity"])
	w.Load = parseInt(vals["load"])
	if ts := vals["last_seen"]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			w.LastSeen = t
		}
	}
	if raw := vals["specialization"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &w.Specialization)
	}
	if raw := vals["performance_reporters"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &w.PerformanceReporters)
	}
	if raw := vals["load_reporters"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &w.LoadReporters)
	}
	return w, nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
