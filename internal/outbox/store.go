package outbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/AndyTargino/vex-client-sdk/internal/model"
	redisclient "github.com/AndyTargino/vex-client-sdk/internal/redis"
	"github.com/AndyTargino/vex-client-sdk/internal/util"
)

// Snapshot maps a session id to its queued operations in delivery order.
// Only sessions with pending operations appear.
type Snapshot map[string][]model.QueuedSendOperation

// Store persists the whole outbox as one document.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// FileName is the document written inside a FileStore directory.
const FileName = "outbox.json"

// FileStore keeps the outbox in a JSON file, replaced atomically on every
// save. With a key the file holds the base64 AES-GCM sealed document.
type FileStore struct {
	path string
	key  []byte
}

func NewFileStore(dir string, key []byte) *FileStore {
	return &FileStore{path: filepath.Join(dir, FileName), key: key}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context) (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return Snapshot{}, nil
	}
	if s.key != nil {
		sealed, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", s.path, err)
		}
		if data, err = util.Open(s.key, sealed); err != nil {
			return nil, fmt.Errorf("open %s: %w", s.path, err)
		}
	}
	return decodeSnapshot(data)
}

func (s *FileStore) Save(_ context.Context, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outbox: %w", err)
	}
	if s.key != nil {
		sealed, err := util.Seal(s.key, data)
		if err != nil {
			return err
		}
		data = []byte(base64.StdEncoding.EncodeToString(sealed))
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// RedisKey holds the outbox document in a RedisStore.
const RedisKey = "vex:outbox"

// RedisStore keeps the same document under a single Redis key.
type RedisStore struct {
	client *redisclient.Client
	key    string
}

func NewRedisStore(client *redisclient.Client) *RedisStore {
	return &RedisStore{client: client, key: RedisKey}
}

func (s *RedisStore) Load(ctx context.Context) (Snapshot, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, nil
		}
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}
	return decodeSnapshot(data)
}

func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	if len(snap) == 0 {
		return s.client.Del(ctx, s.key).Err()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal outbox: %w", err)
	}
	return s.client.Set(ctx, s.key, data, 0).Err()
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode outbox: %w", err)
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap, nil
}

func (o *Outbox) persistLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(o.ctx, o.opts.PersistInterval)
			_ = o.Flush(ctx)
			cancel()
		}
	}
}

// Flush writes the queues to the store if they changed since the last write.
func (o *Outbox) Flush(ctx context.Context) error {
	if o.opts.Store == nil {
		return nil
	}
	o.mu.Lock()
	if !o.dirty {
		o.mu.Unlock()
		return nil
	}
	snap := o.snapshotLocked()
	o.dirty = false
	o.mu.Unlock()

	if err := o.opts.Store.Save(ctx, snap); err != nil {
		o.mu.Lock()
		o.dirty = true
		o.mu.Unlock()
		log.Error().Err(err).Msg("failed to persist outbox")
		o.notifier.emit(Notice{Kind: NoticeError, Err: err})
		return err
	}
	return nil
}

func (o *Outbox) snapshotLocked() Snapshot {
	snap := make(Snapshot, len(o.queues))
	for sessionID, q := range o.queues {
		if len(q) == 0 {
			continue
		}
		ops := make([]model.QueuedSendOperation, 0, len(q))
		for _, op := range q {
			ops = append(ops, *op.Clone())
		}
		snap[sessionID] = ops
	}
	return snap
}
