package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/karierni-denik/internal/submission"
)

// SessionKey identifies one student's attempt at one task.
type SessionKey struct {
	StudentID uint
	TaskID    string
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%d:%s", k.StudentID, k.TaskID)
}

// DraftJournal keeps the latest unsaved snapshot of a session outside the process
// so edits that never reached the Task API survive a restart.
type DraftJournal interface {
	Save(ctx context.Context, key SessionKey, snapshot submission.Snapshot) error
	Load(ctx context.Context, key SessionKey) (submission.Snapshot, bool, error)
	// ClearUpTo removes the entry if it is not newer than revision.
	ClearUpTo(ctx context.Context, key SessionKey, revision uint64) error
	Discard(ctx context.Context, key SessionKey) error
}

// Writes are ordered by revision so a late write never replaces a newer snapshot.
var journalSaveScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'revision') or '-1')
if tonumber(ARGV[1]) <= current then
  return 0
end
redis.call('HSET', KEYS[1], 'revision', ARGV[1], 'snapshot', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var journalClearScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'revision')
if not current then
  return 0
end
if tonumber(current) <= tonumber(ARGV[1]) then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type redisDraftJournal struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDraftJournal returns a Redis backed journal, or a no-op journal when client
// is nil.
func NewDraftJournal(client *redis.Client, ttl time.Duration) DraftJournal {
	if client == nil {
		return noopDraftJournal{}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisDraftJournal{client: client, ttl: ttl}
}

func journalKey(key SessionKey) string {
	return fmt.Sprintf("draft:%d:%s", key.StudentID, key.TaskID)
}

func (j *redisDraftJournal) Save(ctx context.Context, key SessionKey, snapshot submission.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	return journalSaveScript.Run(ctx, j.client, []string{journalKey(key)},
		strconv.FormatUint(snapshot.Revision, 10),
		payload,
		j.ttl.Milliseconds(),
	).Err()
}

func (j *redisDraftJournal) Load(ctx context.Context, key SessionKey) (submission.Snapshot, bool, error) {
	raw, err := j.client.HGet(ctx, journalKey(key), "snapshot").Result()
	if errors.Is(err, redis.Nil) {
		return submission.Snapshot{}, false, nil
	}
	if err != nil {
		return submission.Snapshot{}, false, err
	}

	var snapshot submission.Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return submission.Snapshot{}, false, fmt.Errorf("decode journaled draft: %w", err)
	}
	return snapshot, true, nil
}

func (j *redisDraftJournal) ClearUpTo(ctx context.Context, key SessionKey, revision uint64) error {
	return journalClearScript.Run(ctx, j.client, []string{journalKey(key)}, strconv.FormatUint(revision, 10)).Err()
}

func (j *redisDraftJournal) Discard(ctx context.Context, key SessionKey) error {
	return j.client.Del(ctx, journalKey(key)).Err()
}

type noopDraftJournal struct{}

func (noopDraftJournal) Save(context.Context, SessionKey, submission.Snapshot) error { return nil }

func (noopDraftJournal) Load(context.Context, SessionKey) (submission.Snapshot, bool, error) {
	return submission.Snapshot{}, false, nil
}

func (noopDraftJournal) ClearUpTo(context.Context, SessionKey, uint64) error { return nil }

func (noopDraftJournal) Discard(context.Context, SessionKey) error { return nil }
