package control

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/loykin/procd/internal/faults"
	storefactory "github.com/loykin/procd/internal/store/factory"
)

const etcdDialTimeout = 5 * time.Second

// FromDSN builds a strategy for role from a location string. Supported:
//   - pid file:  "pidfile:///<path>" or a bare filesystem path
//   - memory:    "memory://" (slot named after role) or "memory://<name>"
//   - sql:       "sqlite:///<path>", "postgres://..." (one row per role)
//   - etcd:      "etcd://host:port[,host:port]/<prefix>" (key <prefix>/<role>)
//   - redis:     "redis://[:password@]host:port/<db>" (key procd:<role>)
//
// Clients opened here are owned by the returned strategy and released by Close.
func FromDSN(ctx context.Context, dsn, role string, opts ...Option) (*Cached, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case d == "":
		return nil, faults.Invalid("empty control DSN")
	case strings.HasPrefix(ld, "pidfile://"):
		return NewPIDFile(d[len("pidfile://"):], opts...)
	case strings.HasPrefix(ld, "memory://"):
		name := d[len("memory://"):]
		if name == "" {
			name = role
		}
		return NewMemory(name, opts...), nil
	case strings.HasPrefix(ld, "sqlite://"), strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		if role == "" {
			return nil, faults.Invalid("sql control store needs a role")
		}
		db, err := storefactory.Open(ctx, d)
		if err != nil {
			return nil, err
		}
		return New(&Store{db: db, role: role, owned: true}, opts...), nil
	case strings.HasPrefix(ld, "etcd://"):
		return etcdFromDSN(d, role, opts...)
	case strings.HasPrefix(ld, "redis://"):
		return redisFromDSN(d, role, opts...)
	case strings.Contains(d, "://"):
		return nil, faults.Invalid("unsupported control DSN %q", d)
	default:
		return NewPIDFile(d, opts...)
	}
}

func etcdFromDSN(dsn, role string, opts ...Option) (*Cached, error) {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return nil, faults.Invalid("bad etcd DSN %q", dsn)
	}
	if role == "" {
		return nil, faults.Invalid("etcd control store needs a role")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(u.Host, ","),
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, err
	}
	prefix := strings.Trim(u.Path, "/")
	if prefix == "" {
		prefix = "procd"
	}
	key := "/" + path.Join(prefix, role)
	return New(&Etcd{cli: cli, key: key, owned: true}, opts...), nil
}

func redisFromDSN(dsn, role string, opts ...Option) (*Cached, error) {
	ro, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, faults.Invalid("bad redis DSN %q: %v", dsn, err)
	}
	if role == "" {
		return nil, faults.Invalid("redis control store needs a role")
	}
	return New(&Redis{rcli: redis.NewClient(ro), key: "procd:" + role, owned: true}, opts...), nil
}
