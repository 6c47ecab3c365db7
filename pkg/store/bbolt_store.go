package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/nclav-io/nclav/pkg/domain"
)

var (
	bucketEnclaves     = []byte("enclaves")
	bucketEvents       = []byte("events")
	bucketMeta         = []byte("meta")
	bucketTfState      = []byte("tf_state")
	bucketTfLocks      = []byte("tf_locks")
	bucketIacRuns      = []byte("iac_runs")
	bucketIacRunsByPart = []byte("iac_runs_by_part")

	metaKeyEventSeq = []byte("event_seq")
)

// BboltStore is an embedded, single-file StateStore backed by
// go.etcd.io/bbolt. Suitable for single-process local use.
type BboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database under dataDir.
func NewBboltStore(dataDir string) (*BboltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, ErrInternal(fmt.Errorf("create data dir: %w", err))
	}
	dbPath := filepath.Join(dataDir, "nclav.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, ErrInternal(fmt.Errorf("open database: %w", err))
	}

	buckets := [][]byte{
		bucketEnclaves, bucketEvents, bucketMeta,
		bucketTfState, bucketTfLocks,
		bucketIacRuns, bucketIacRunsByPart,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, ErrInternal(err)
	}

	return &BboltStore{db: db}, nil
}

func (s *BboltStore) Close() error { return s.db.Close() }

func (s *BboltStore) GetEnclave(_ context.Context, id domain.EnclaveID) (*EnclaveState, error) {
	var state *EnclaveState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEnclaves).Get([]byte(id))
		if data == nil {
			return nil
		}
		var s EnclaveState
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		state = &s
		return nil
	})
	if err != nil {
		return nil, ErrSerialization(err)
	}
	return state, nil
}

func (s *BboltStore) ListEnclaves(_ context.Context) ([]EnclaveState, error) {
	var out []EnclaveState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnclaves).ForEach(func(_, v []byte) error {
			var st EnclaveState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			out = append(out, st)
			return nil
		})
	})
	if err != nil {
		return nil, ErrSerialization(err)
	}
	return out, nil
}

func (s *BboltStore) UpsertEnclave(_ context.Context, state *EnclaveState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return ErrSerialization(err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnclaves).Put([]byte(state.Desired.ID), data)
	})
	if err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *BboltStore) DeleteEnclave(_ context.Context, id domain.EnclaveID) error {
	prefix := string(id) + "/"
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEnclaves).Delete([]byte(id)); err != nil {
			return err
		}
		for _, bucketName := range [][]byte{bucketTfState, bucketTfLocks} {
			c := tx.Bucket(bucketName).Cursor()
			for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *BboltStore) UpsertPartition(ctx context.Context, enclaveID domain.EnclaveID, state *PartitionState) error {
	enc, err := s.GetEnclave(ctx, enclaveID)
	if err != nil {
		return err
	}
	if enc == nil {
		return ErrEnclaveNotFound(string(enclaveID))
	}
	if enc.Partitions == nil {
		enc.Partitions = make(map[string]PartitionState)
	}
	enc.Partitions[string(state.Desired.ID)] = *state
	return s.UpsertEnclave(ctx, enc)
}

func (s *BboltStore) DeletePartition(ctx context.Context, enclaveID domain.EnclaveID, partitionID domain.PartitionID) error {
	enc, err := s.GetEnclave(ctx, enclaveID)
	if err != nil {
		return err
	}
	if enc == nil {
		return nil
	}
	delete(enc.Partitions, string(partitionID))
	return s.UpsertEnclave(ctx, enc)
}

func (s *BboltStore) AppendEvent(_ context.Context, event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return ErrSerialization(err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var seq uint64
		if v := meta.Get(metaKeyEventSeq); v != nil {
			seq = decodeUint64(v)
		}
		seq++
		if err := meta.Put(metaKeyEventSeq, encodeUint64(seq)); err != nil {
			return err
		}
		return tx.Bucket(bucketEvents).Put(encodeUint64(seq), data)
	})
	if err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *BboltStore) ListEvents(_ context.Context, enclaveID *domain.EnclaveID, limit int) ([]AuditEvent, error) {
	var all []AuditEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev AuditEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if enclaveID != nil {
				related, ok := ev.RelatedEnclave()
				if !ok || related != *enclaveID {
					continue
				}
			}
			all = append(all, ev)
		}
		return nil
	})
	if err != nil {
		return nil, ErrSerialization(err)
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *BboltStore) GetTfState(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTfState).Get([]byte(key))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, ErrInternal(err)
	}
	return data, nil
}

func (s *BboltStore) PutTfState(_ context.Context, key string, state []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTfState).Put([]byte(key), state)
	})
	if err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *BboltStore) DeleteTfState(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTfState).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketTfLocks).Delete([]byte(key))
	})
	if err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *BboltStore) LockTfState(_ context.Context, key string, lockInfo []byte) error {
	var conflict string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTfLocks)
		existing := b.Get([]byte(key))
		if existing != nil {
			conflict = lockHolder(existing)
			return nil
		}
		return b.Put([]byte(key), lockInfo)
	})
	if err != nil {
		return ErrInternal(err)
	}
	if conflict != "" {
		return ErrLockConflict(conflict)
	}
	return nil
}

func (s *BboltStore) UnlockTfState(_ context.Context, key string, lockID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTfLocks)
		existing := b.Get([]byte(key))
		if existing == nil {
			return nil
		}
		if lockID == "" || lockHolder(existing) == lockID {
			return b.Delete([]byte(key))
		}
		return nil
	})
	if err != nil {
		return ErrInternal(err)
	}
	return nil
}

func lockHolder(lockInfoJSON []byte) string {
	var v struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(lockInfoJSON, &v); err != nil {
		return "unknown"
	}
	if v.ID == "" {
		return "unknown"
	}
	return v.ID
}

func (s *BboltStore) UpsertIacRun(_ context.Context, run *IacRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return ErrSerialization(err)
	}
	runID := run.ID.String()
	indexKey := fmt.Sprintf("%s/%s/%s/%s",
		run.EnclaveID, run.PartitionID, run.StartedAt.Format("2006-01-02T15:04:05.000000000Z07:00"), runID)

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketIacRuns).Put([]byte(runID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketIacRunsByPart).Put([]byte(indexKey), []byte(runID))
	})
	if err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *BboltStore) ListIacRuns(_ context.Context, enclaveID domain.EnclaveID, partitionID domain.PartitionID) ([]IacRun, error) {
	prefix := fmt.Sprintf("%s/%s/", enclaveID, partitionID)
	var runIDs []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIacRunsByPart).Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			runIDs = append(runIDs, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, ErrInternal(err)
	}

	// Cursor iteration over the index is already chronological (keys are
	// prefixed with an RFC3339 timestamp); reverse for newest-first.
	for i, j := 0, len(runIDs)-1; i < j; i, j = i+1, j-1 {
		runIDs[i], runIDs[j] = runIDs[j], runIDs[i]
	}
	if len(runIDs) > 100 {
		runIDs = runIDs[:100]
	}

	runs := make([]IacRun, 0, len(runIDs))
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIacRuns)
		for _, id := range runIDs {
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}
			var run IacRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, ErrSerialization(err)
	}
	return runs, nil
}

func (s *BboltStore) GetIacRun(_ context.Context, runID uuid.UUID) (*IacRun, error) {
	var run *IacRun
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIacRuns).Get([]byte(runID.String()))
		if v == nil {
			return nil
		}
		var r IacRun
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		run = &r
		return nil
	})
	if err != nil {
		return nil, ErrSerialization(err)
	}
	return run, nil
}

func encodeUint64(n uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n
}
