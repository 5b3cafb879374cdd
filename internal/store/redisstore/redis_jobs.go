// Copyright 2025 James Ross
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/store"
)

// assignScript commits a batch of candidate workers onto a job in one round
// trip: it re-checks each candidate's load against its max_capacity at
// commit time (spec §4.3 "reject any worker whose effective_load >=
// max_capacity at commit time"), appends the survivors, increments their
// load counters, and flips pending->assigned once min_workers is met. The
// legality of touching this job at all (pending or assigned only) is
// re-verified server-side since a concurrent cancellation can race the
// scheduler's read.
const assignScript = `
local job_key = KEYS[1]
local pending_key = KEYS[2]
local assigned_key = KEYS[3]
local min_workers = tonumber(ARGV[1])
local max_workers = tonumber(ARGV[2])
local now = ARGV[3]
local n = #KEYS - 3

local job_json = redis.call('GET', job_key)
if not job_json then
  return {'', '0', 'not_found'}
end
local job = cjson.decode(job_json)

if job.state ~= 'pending' and job.state ~= 'assigned' then
  return {'', '0', job.state}
end

local existing = {}
local existing_count = 0
for _, w in ipairs(job.assigned_workers or {}) do
  existing[w] = true
  existing_count = existing_count + 1
end

local committed = {}
local capacity_left = max_workers - existing_count
for i = 1, n do
  if capacity_left <= 0 then break end
  local worker_key = KEYS[3 + i]
  local worker_id = ARGV[3 + i]
  if not existing[worker_id] then
    local load = tonumber(redis.call('HGET', worker_key, 'load') or '0')
    local max_cap = tonumber(redis.call('HGET', worker_key, 'max_capacity') or '0')
    if max_cap > 0 and load < max_cap then
      table.insert(committed, worker_id)
      existing[worker_id] = true
      capacity_left = capacity_left - 1
      redis.call('HINCRBY', worker_key, 'load', 1)
    end
  end
end

if #committed == 0 then
  return {'', '0', job.state}
end

local merged = job.assigned_workers or {}
for _, w in ipairs(committed) do
  table.insert(merged, w)
  redis.call('SADD', 'dispatch:jobs:assigned:' .. w, job.job_id)
end
job.assigned_workers = merged
job.updated_at = now

local transitioned = '0'
if job.state == 'pending' and #merged >= min_workers then
  job.state = 'assigned'
  job.distributed_at = now
  transitioned = '1'
  redis.call('ZREM', pending_key, job.job_id)
  redis.call('ZADD', assigned_key, 0, job.job_id)
end

redis.call('SET', job_key, cjson.encode(job))
return {table.concat(committed, ','), transitioned, job.state}
`

// recordResponseScript appends an idempotent per-worker response (spec §3
// invariant "at most one response per worker") and advances
// assigned->in_progress on first response.
const recordResponseScript = `
local job_json = redis.call('GET', KEYS[1])
if not job_json then return 'unknown_job' end
local job = cjson.decode(job_json)

local in_assigned = false
for _, w in ipairs(job.assigned_workers or {}) do
  if w == ARGV[1] then in_assigned = true end
end
if not in_assigned then return 'worker_not_assigned' end

for _, r in ipairs(job.responses or {}) do
  if r.worker_id == ARGV[1] then return 'duplicate' end
end

local resp = cjson.decode(ARGV[2])
local responses = job.responses or {}
table.insert(responses, resp)
job.responses = responses
job.updated_at = ARGV[3]

if job.state == 'assigned' then
  job.state = 'in_progress'
end

redis.call('SET', KEYS[1], cjson.encode(job))
return 'accepted'
`

// updateStateScript enforces optimistic concurrency on the job's current
// state (legality of the transition itself is decided in Go by
// domain.CanTransition before this is called) and, on terminalisation,
// decrements every assigned worker's load exactly once (spec §4.4 step 3).
const updateStateScript = `
local job_json = redis.call('GET', KEYS[1])
if not job_json then return 'not_found' end
local job = cjson.decode(job_json)
if job.state ~= ARGV[1] then return 'conflict' end

job.state = ARGV[2]
job.updated_at = ARGV[3]

if ARGV[4] ~= 'null' then
  local meta = cjson.decode(ARGV[4])
  local merged = job.metadata or {}
  for k, v in pairs(meta) do merged[k] = v end
  job.metadata = merged
end
if ARGV[5] ~= '' then job.all_responses_at = ARGV[5] end
if ARGV[6] ~= '' then job.completed_at = ARGV[6] end
if ARGV[7] ~= 'null' then job.best_response = cjson.decode(ARGV[7]) end

if ARGV[8] == '1' and not job.load_decremented then
  job.load_decremented = true
  local n = #KEYS - 3
  for i = 1, n do
    local worker_key = KEYS[3 + i]
    local load = tonumber(redis.call('HGET', worker_key, 'load') or '0')
    if load > 0 then
      redis.call('HINCRBY', worker_key, 'load', -1)
    end
  end
end

redis.call('ZREM', KEYS[2], job.job_id)
redis.call('ZADD', KEYS[3], 0, job.job_id)
redis.call('SET', KEYS[1], cjson.encode(job))
return 'ok'
`

func (s *Store) CreateJob(ctx context.Context, job domain.Job) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return domain.NewError(domain.KindFatal, "CreateJob", "marshal job", err)
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(job.ID), blob, 0).Result()
	if err != nil {
		return domain.NewError(domain.KindTransient, "CreateJob", "redis setnx", err)
	}
	if !ok {
		return domain.NewError(domain.KindDuplicate, "CreateJob", "job id already exists", nil)
	}
	if err := s.rdb.ZAdd(ctx, jobsByStateKey(string(domain.StatePending)), redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: job.ID,
	}).Err(); err != nil {
		return domain.NewError(domain.KindTransient, "CreateJob", "redis zadd", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	blob, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return domain.Job{}, domain.NewError(domain.KindNotFound, "GetJob", "job not found", nil)
	}
	if err != nil {
		return domain.Job{}, domain.NewError(domain.KindTransient, "GetJob", "redis get", err)
	}
	var job domain.Job
	if err := json.Unmarshal(blob, &job); err != nil {
		return domain.Job{}, domain.NewError(domain.KindFatal, "GetJob", "unmarshal job", err)
	}
	return job, nil
}

func (s *Store) ListJobsByState(ctx context.Context, state domain.State, limit int, order store.Order) ([]domain.Job, error) {
	key := jobsByStateKey(string(state))
	var ids []string
	var err error
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	if order == store.OrderAsc {
		ids, err = s.rdb.ZRange(ctx, key, 0, stop).Result()
	} else {
		ids, err = s.rdb.ZRevRange(ctx, key, 0, stop).Result()
	}
	if err != nil {
		return nil, domain.NewError(domain.KindTransient, "ListJobsByState", "redis zrange", err)
	}
	return s.mgetJobs(ctx, ids)
}

func (s *Store) ListJobsAssignedTo(ctx context.Context, workerID string, states []domain.State) ([]domain.Job, error) {
	ids, err := s.rdb.SMembers(ctx, jobsAssignedKey(workerID)).Result()
	if err != nil {
		return nil, domain.NewError(domain.KindTransient, "ListJobsAssignedTo", "redis smembers", err)
	}
	jobs, err := s.mgetJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return jobs, nil
	}
	allowed := make(map[domain.State]bool, len(states))
	for _, st := range states {
		allowed[st] = true
	}
	filtered := jobs[:0]
	for _, j := range jobs {
		if allowed[j.State] {
			filtered = append(filtered, j)
		}
	}
	return filtered, nil
}

func (s *Store) mgetJobs(ctx context.Context, ids []string) ([]domain.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, domain.NewError(domain.KindTransient, "mgetJobs", "redis mget", err)
	}
	jobs := make([]domain.Job, 0, len(vals))
	for _, v := range vals {
		if v == nil {
			continue // job deleted concurrently; index entry will be swept lazily
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) AssignWorkers(ctx context.Context, jobID string, candidates []string, minWorkers, maxWorkers int) (store.AssignOutcome, error) {
	if len(candidates) == 0 {
		return store.AssignOutcome{}, nil
	}
	keys := make([]string, 0, 3+len(candidates))
	keys = append(keys, jobKey(jobID), jobsByStateKey(string(domain.StatePending)), jobsByStateKey(string(domain.StateAssigned)))
	args := make([]interface{}, 0, 3+len(candidates))
	args = append(args, minWorkers, maxWorkers, time.Now().UTC().Format(time.RFC3339Nano))
	for _, c := range candidates {
		keys = append(keys, workerKey(c))
		args = append(args, c)
	}
	res, err := s.rdb.Eval(ctx, assignScript, keys, args...).Result()
	if err != nil {
		return store.AssignOutcome{}, domain.NewError(domain.KindTransient, "AssignWorkers", "redis eval", err)
	}
	row, ok := res.([]interface{})
	if !ok || len(row) != 3 {
		return store.AssignOutcome{}, domain.NewError(domain.KindFatal, "AssignWorkers", "unexpected script reply", nil)
	}
	committedCSV, _ := row[0].(string)
	transitioned, _ := row[1].(string)
	var committed []string
	if committedCSV != "" {
		committed = strings.Split(committedCSV, ",")
	}
	return store.AssignOutcome{
		Committed:              committed,
		TransitionedToAssigned: transitioned == "1",
	}, nil
}

func (s *Store) RecordResponse(ctx context.Context, jobID, workerID string, resp domain.Response) (store.RecordOutcome, error) {
	respBlob, err := json.Marshal(resp)
	if err != nil {
		return "", domain.NewError(domain.KindFatal, "RecordResponse", "marshal response", err)
	}
	res, err := s.rdb.Eval(ctx, recordResponseScript, []string{jobKey(jobID)},
		workerID, string(respBlob), time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return "", domain.NewError(domain.KindTransient, "RecordResponse", "redis eval", err)
	}
	outcome, _ := res.(string)
	return store.RecordOutcome(outcome), nil
}

func (s *Store) UpdateState(ctx context.Context, jobID string, newState domain.State, patch store.StatePatch) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(job.State, newState) {
		return domain.NewError(domain.KindInvariantViolation, "UpdateState",
			fmt.Sprintf("illegal transition %s -> %s", job.State, newState), nil)
	}

	metaArg := "null"
	if patch.Metadata != nil {
		b, err := json.Marshal(patch.Metadata)
		if err != nil {
			return domain.NewError(domain.KindFatal, "UpdateState", "marshal metadata patch", err)
		}
		metaArg = string(b)
	}
	allResponsesArg := ""
	if patch.AllResponsesAt != nil {
		allResponsesArg = patch.AllResponsesAt.UTC().Format(time.RFC3339Nano)
	}
	completedArg := ""
	if patch.CompletedAt != nil {
		completedArg = patch.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	bestArg := "null"
	if patch.BestResponse != nil {
		b, err := json.Marshal(patch.BestResponse)
		if err != nil {
			return domain.NewError(domain.KindFatal, "UpdateState", "marshal best response patch", err)
		}
		bestArg = string(b)
	}

	decrement := "0"
	keys := []string{jobKey(jobID), jobsByStateKey(string(job.State)), jobsByStateKey(string(newState))}
	if domain.IsTerminal(newState) && !job.LoadDecremented {
		decrement = "1"
		for _, w := range job.AssignedWorkers {
			keys = append(keys, workerKey(w))
		}
	}

	res, err := s.rdb.Eval(ctx, updateStateScript, keys,
		string(job.State), string(newState), time.Now().UTC().Format(time.RFC3339Nano),
		metaArg, allResponsesArg, completedArg, bestArg, decrement,
	).Result()
	if err != nil {
		return domain.NewError(domain.KindTransient, "UpdateState", "redis eval", err)
	}
	switch outcome, _ := res.(string); outcome {
	case "ok":
		return nil
	case "conflict":
		return domain.NewError(domain.KindTransient, "UpdateState", "job state changed concurrently, retry", nil)
	case "not_found":
		return domain.NewError(domain.KindNotFound, "UpdateState", "job not found", nil)
	default:
		return domain.NewError(domain.KindFatal, "UpdateState", "unexpected script reply", nil)
	}
}

func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		if de, ok := err.(*domain.Error); ok && de.Kind == domain.KindNotFound {
			return nil
		}
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, jobKey(jobID))
	pipe.ZRem(ctx, jobsByStateKey(string(job.State)), jobID)
	for _, w := range job.AssignedWorkers {
		pipe.SRem(ctx, jobsAssignedKey(w), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.NewError(domain.KindTransient, "DeleteJob", "redis pipeline", err)
	}
	return nil
}

func (s *Store) CountsByState(ctx context.Context, states []domain.State) (map[domain.State]int64, error) {
	pipe := s.rdb.Pipeline()
	cmds := make(map[domain.State]*redis.IntCmd, len(states))
	for _, st := range states {
		cmds[st] = pipe.ZCard(ctx, jobsByStateKey(string(st)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, domain.NewError(domain.KindTransient, "CountsByState", "redis pipeline", err)
	}
	out := make(map[domain.State]int64, len(states))
	for st, cmd := range cmds {
		n, err := cmd.Result()
		if err != nil && err != redis.Nil {
			return nil, domain.NewError(domain.KindTransient, "CountsByState", "redis zcard result", err)
		}
		out[st] = n
	}
	return out, nil
}
