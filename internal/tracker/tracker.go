// Package tracker records the lifecycle of store and execution jobs in
// Redis. Each entry lives under a direct key for O(1) lookup and is indexed
// into exactly one of three buckets (waiting, in progress, done) mirroring
// its state. Tracker state is advisory observability data; only the dedup
// lock gates correctness.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type State string

const (
	StateCreated  State = "created"
	StateStarted  State = "started"
	StateFinished State = "finished"
)

type Bucket string

const (
	BucketWaiting    Bucket = "waiting"
	BucketInProgress Bucket = "in_progress"
	BucketDone       Bucket = "done"
)

var buckets = []Bucket{BucketWaiting, BucketInProgress, BucketDone}

var (
	ErrNotFound          = errors.New("tracker: entry not found")
	ErrInvalidTransition = errors.New("tracker: invalid state transition")
)

func bucketFor(state State) Bucket {
	switch state {
	case StateStarted:
		return BucketInProgress
	case StateFinished:
		return BucketDone
	default:
		return BucketWaiting
	}
}

type Entry struct {
	TaskID        string     `json:"task_id"`
	State         State      `json:"state"`
	QueryHash     string     `json:"query_hash"`
	DataSourceID  int        `json:"data_source_id"`
	DataTimestamp time.Time  `json:"data_timestamp"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	RunTime       float64    `json:"run_time,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Tracker persists entries under a keyspace prefix. Store jobs and query
// execution jobs use separate prefixes over the same connection.
type Tracker struct {
	client *redis.Client
	prefix string
}

func NewStoreTracker(client *redis.Client) *Tracker {
	return &Tracker{client: client, prefix: "store_task_tracker"}
}

func NewQueryTracker(client *redis.Client) *Tracker {
	return &Tracker{client: client, prefix: "query_task_tracker"}
}

func (t *Tracker) entryKey(taskID string) string {
	return fmt.Sprintf("%s:%s", t.prefix, taskID)
}

func (t *Tracker) bucketKey(b Bucket) string {
	return fmt.Sprintf("%ss:%s", t.prefix, b)
}

// Create writes a new entry in the created state. It may be called inside a
// dedup transaction via CreateIn.
func (t *Tracker) Create(ctx context.Context, taskID, queryHash string, dataSourceID int, dataTimestamp time.Time) (*Entry, error) {
	e := &Entry{
		TaskID:        taskID,
		State:         StateCreated,
		QueryHash:     queryHash,
		DataSourceID:  dataSourceID,
		DataTimestamp: dataTimestamp,
		CreatedAt:     time.Now().UTC(),
	}

	if err := t.save(ctx, t.client, e); err != nil {
		return nil, err
	}
	return e, nil
}

// CreateIn queues the writes for a new entry onto an existing pipeline, for
// callers that need the entry committed atomically with other keys.
func (t *Tracker) CreateIn(ctx context.Context, pipe redis.Pipeliner, taskID, queryHash string, dataSourceID int, dataTimestamp time.Time) (*Entry, error) {
	e := &Entry{
		TaskID:        taskID,
		State:         StateCreated,
		QueryHash:     queryHash,
		DataSourceID:  dataSourceID,
		DataTimestamp: dataTimestamp,
		CreatedAt:     time.Now().UTC(),
	}

	if err := t.save(ctx, pipe, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (t *Tracker) GetByTaskID(ctx context.Context, taskID string) (*Entry, error) {
	data, err := t.client.Get(ctx, t.entryKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// LookupOrCreate resumes an existing entry by task id or creates a fresh one,
// letting an executor pick up where a restarted worker left off.
func (t *Tracker) LookupOrCreate(ctx context.Context, taskID, queryHash string, dataSourceID int, dataTimestamp time.Time) (*Entry, error) {
	e, err := t.GetByTaskID(ctx, taskID)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return t.Create(ctx, taskID, queryHash, dataSourceID, dataTimestamp)
}

// Start transitions created -> started and records the start time.
func (t *Tracker) Start(ctx context.Context, e *Entry) error {
	if e.State != StateCreated {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, StateStarted)
	}

	now := time.Now().UTC()
	e.State = StateStarted
	e.StartedAt = &now
	return t.save(ctx, t.client, e)
}

// Finish transitions started -> finished and records the elapsed run time.
func (t *Tracker) Finish(ctx context.Context, e *Entry) error {
	if e.State != StateStarted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, StateFinished)
	}

	e.State = StateFinished
	if e.StartedAt != nil {
		e.RunTime = time.Since(*e.StartedAt).Seconds()
	}
	return t.save(ctx, t.client, e)
}

// save writes the full entry and moves its bucket membership in one shot so
// an entry is never visible in two buckets or absent from all three.
func (t *Tracker) save(ctx context.Context, cmd redis.Cmdable, e *Entry) error {
	e.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	key := t.entryKey(e.TaskID)
	current := bucketFor(e.State)
	score := float64(e.UpdatedAt.UnixMilli())

	run := func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.ZAdd(ctx, t.prefix+"s", redis.Z{Score: score, Member: key})
		pipe.ZAdd(ctx, t.bucketKey(current), redis.Z{Score: score, Member: key})
		for _, b := range buckets {
			if b != current {
				pipe.ZRem(ctx, t.bucketKey(b), key)
			}
		}
		return nil
	}

	// When already inside a pipeline, piggyback on it; callers execute it.
	if pipe, ok := cmd.(redis.Pipeliner); ok {
		return run(pipe)
	}

	_, err = t.client.TxPipelined(ctx, run)
	return err
}

// All lists the entries currently in a bucket, oldest first.
func (t *Tracker) All(ctx context.Context, b Bucket) ([]*Entry, error) {
	keys, err := t.client.ZRange(ctx, t.bucketKey(b), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}

	return entries, nil
}

// InProgressContains reports whether a task id is currently in the
// in-progress bucket.
func (t *Tracker) InProgressContains(ctx context.Context, taskID string) (bool, error) {
	err := t.client.ZScore(ctx, t.bucketKey(BucketInProgress), t.entryKey(taskID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
