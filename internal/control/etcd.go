package control

import (
	"context"
	"strconv"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd keeps the decimal pid under a single etcd key.
type Etcd struct {
	cli   *clientv3.Client
	key   string
	owned bool
}

// NewEtcd returns a strategy over key. The caller keeps ownership of cli.
func NewEtcd(cli *clientv3.Client, key string, opts ...Option) *Cached {
	return New(&Etcd{cli: cli, key: key}, opts...)
}

func (e *Etcd) Load(ctx context.Context) (Entry, bool, error) {
	resp, err := e.cli.Get(ctx, e.key)
	if err != nil {
		return Entry{}, false, err
	}
	if len(resp.Kvs) == 0 {
		return Entry{}, false, nil
	}
	ent, err := parseEntry(resp.Kvs[0].Value)
	return ent, true, err
}

func (e *Etcd) Save(ctx context.Context, ent Entry) error {
	_, err := e.cli.Put(ctx, e.key, strconv.Itoa(ent.PID))
	return err
}

func (e *Etcd) Remove(ctx context.Context) error {
	_, err := e.cli.Delete(ctx, e.key)
	return err
}

func (e *Etcd) Describe() string { return "etcd:" + e.key }

func (e *Etcd) Close() error {
	if !e.owned {
		return nil
	}
	return e.cli.Close()
}
