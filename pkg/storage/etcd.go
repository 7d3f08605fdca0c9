package storage

import (
	"context"
	"errors"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	pkgerrors "github.com/codecot/proxy-stone-sub002/pkg/errors"
)

// Etcd implements Backend using etcd leases and prefix watches.
type Etcd struct {
	client *clientv3.Client
}

// NewEtcd connects to the given etcd endpoints.
func NewEtcd(endpoints []string, dialTimeout time.Duration) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Etcd{client: cli}, nil
}

func (e *Etcd) PutWithLease(ctx context.Context, key, value string, ttl time.Duration) (LeaseID, error) {
	lease, err := e.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return 0, err
	}
	if _, err := e.client.Put(ctx, key, value, clientv3.WithLease(lease.ID)); err != nil {
		return 0, err
	}
	return LeaseID(lease.ID), nil
}

func (e *Etcd) Put(ctx context.Context, key, value string, lease LeaseID) error {
	var err error
	if lease != 0 {
		_, err = e.client.Put(ctx, key, value, clientv3.WithLease(clientv3.LeaseID(lease)))
	} else {
		_, err = e.client.Put(ctx, key, value)
	}
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return pkgerrors.ErrLeaseExpired
	}
	return err
}

func (e *Etcd) KeepAlive(ctx context.Context, lease LeaseID) error {
	_, err := e.client.KeepAliveOnce(ctx, clientv3.LeaseID(lease))
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return pkgerrors.ErrLeaseExpired
	}
	return err
}

func (e *Etcd) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (e *Etcd) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	result := make(map[string]string)
	for _, kv := range resp.Kvs {
		result[string(kv.Key)] = string(kv.Value)
	}
	return result, nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	_, err := e.client.Delete(ctx, key)
	return err
}

func (e *Etcd) WatchPrefix(ctx context.Context, prefix string) (<-chan Event, error) {
	ch := make(chan Event, 128)
	etcdCh := e.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithPrevKV())
	go func() {
		defer close(ch)
		for wresp := range etcdCh {
			for _, ev := range wresp.Events {
				out := Event{Key: string(ev.Kv.Key)}
				switch ev.Type {
				case clientv3.EventTypePut:
					out.Type = EventTypePut
					out.Value = string(ev.Kv.Value)
				case clientv3.EventTypeDelete:
					out.Type = EventTypeDelete
					// deleted kv carries no value; surface the last one
					if ev.PrevKv != nil {
						out.Value = string(ev.PrevKv.Value)
					}
				}
				select {
				case ch <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (e *Etcd) Close() error {
	return e.client.Close()
}
