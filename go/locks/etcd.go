package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pipefab/spooltrack/go/model"
)

// Etcd is the etcd-backed Service. Keys live under a clean prefix, one per
// tag_spool, holding the JSON-encoded Lock. Acquisition is a transaction
// guarded on CreateRevision == 0 (set-if-absent); release is guarded on the
// ModRevision observed when the lock was read back.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// NewEtcd wraps an etcd client with the given key prefix.
func NewEtcd(client *clientv3.Client, prefix string) (*Etcd, error) {
	if prefix != path.Clean(prefix) {
		return nil, fmt.Errorf("%q is not a clean path", prefix)
	}
	return &Etcd{client: client, prefix: prefix}, nil
}

var _ Service = (*Etcd)(nil)

func (e *Etcd) key(tag string) string { return e.prefix + "/" + tag }

func (e *Etcd) TryAcquire(ctx context.Context, tag string, workerID int) (*Lock, error) {
	var lock = Lock{
		WorkerID:   workerID,
		Token:      uuid.NewString(),
		AcquiredAt: time.Now().UTC(),
	}
	var value, err = json.Marshal(lock)
	if err != nil {
		panic(err) // Marshal of Lock cannot fail.
	}

	var key = e.key(tag)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock of %s: %w", tag, err)
	}
	if resp.Succeeded {
		return &lock, nil
	}

	var held Lock
	var kvs = resp.Responses[0].GetResponseRange().Kvs
	if len(kvs) != 0 {
		_ = json.Unmarshal(kvs[0].Value, &held)
	}
	return nil, fmt.Errorf("%w: %s held by worker %d", model.ErrSpoolOccupied, tag, held.WorkerID)
}

func (e *Etcd) Release(ctx context.Context, tag string, workerID int, token string) error {
	var key = e.key(tag)
	var get, err = e.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("reading lock of %s: %w", tag, err)
	}
	if len(get.Kvs) == 0 {
		return fmt.Errorf("%w: %s", model.ErrNotHeld, tag)
	}

	var held Lock
	if err = json.Unmarshal(get.Kvs[0].Value, &held); err != nil {
		return fmt.Errorf("decoding lock of %s: %w", tag, err)
	}
	if held.WorkerID != workerID || held.Token != token {
		return fmt.Errorf("%w: %s held by worker %d", model.ErrNotOwner, tag, held.WorkerID)
	}

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", get.Kvs[0].ModRevision)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return fmt.Errorf("releasing lock of %s: %w", tag, err)
	}
	if !resp.Succeeded {
		// The lock changed hands between read and delete.
		return fmt.Errorf("%w: %s", model.ErrNotOwner, tag)
	}
	return nil
}

func (e *Etcd) Owner(ctx context.Context, tag string) (int, bool, error) {
	var lock, held, err = e.Get(ctx, tag)
	if err != nil || !held {
		return 0, false, err
	}
	return lock.WorkerID, true, nil
}

func (e *Etcd) Get(ctx context.Context, tag string) (*Lock, bool, error) {
	var resp, err = e.client.Get(ctx, e.key(tag))
	if err != nil {
		return nil, false, fmt.Errorf("reading lock of %s: %w", tag, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	var lock Lock
	if err = json.Unmarshal(resp.Kvs[0].Value, &lock); err != nil {
		return nil, false, fmt.Errorf("decoding lock of %s: %w", tag, err)
	}
	return &lock, true, nil
}

func (e *Etcd) ForceRelease(ctx context.Context, tag string) error {
	var _, err = e.client.Delete(ctx, e.key(tag))
	if err != nil {
		return fmt.Errorf("force-releasing lock of %s: %w", tag, err)
	}
	return nil
}

func (e *Etcd) Tags(ctx context.Context) ([]string, error) {
	var resp, err = e.client.Get(ctx, e.prefix+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("listing locks under %s: %w", e.prefix, err)
	}
	var tags = make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		tags = append(tags, strings.TrimPrefix(string(kv.Key), e.prefix+"/"))
	}
	return tags, nil
}
