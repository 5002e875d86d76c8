// internal/infra/etcd/host_directory.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"exclusive-flock/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// DefaultHostPrefix is the etcd prefix where serving hosts announce themselves.
	DefaultHostPrefix = "/flock/hosts/"
)

// HostInfo is what a host publishes about itself. Locks are advisory and
// local to the host; the directory only reports who serves which catalog.
type HostInfo struct {
	ID        string            `json:"id"`
	Hostname  string            `json:"hostname"`
	Addr      string            `json:"addr"`
	LockDir   string            `json:"lock_dir"`
	Locks     []domain.LockName `json:"locks"`
	StartedAt time.Time         `json:"started_at"`
}

// HostAnnouncer keeps this host's HostInfo in etcd under a lease.
type HostAnnouncer struct {
	client  *clientv3.Client
	prefix  string
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string
}

// NewHostAnnouncer creates a new announcer.
func NewHostAnnouncer(client *clientv3.Client, prefix string, logger *slog.Logger) *HostAnnouncer {
	if prefix == "" {
		prefix = DefaultHostPrefix
	}
	return &HostAnnouncer{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "host-announcer"),
	}
}

// Announce publishes info with the given TTL in seconds and keeps the lease
// alive until ctx is done.
func (a *HostAnnouncer) Announce(ctx context.Context, info HostInfo, ttl int64) error {
	a.key = a.prefix + info.ID
	value, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal host info: %w", err)
	}

	leaseResp, err := a.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	a.leaseID = leaseResp.ID

	if _, err := a.client.Put(ctx, a.key, string(value), clientv3.WithLease(a.leaseID)); err != nil {
		return fmt.Errorf("failed to put host key: %w", err)
	}

	keepAliveCh, err := a.client.KeepAlive(ctx, a.leaseID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for ka := range keepAliveCh {
			a.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		// The channel closes when ctx ends or the lease is lost.
		if ctx.Err() == nil {
			a.logger.Warn("keep-alive channel closed, host announcement may have expired")
		}
	}()

	a.logger.Info("host announced", "key", a.key, "locks", len(info.Locks))
	return nil
}

// Withdraw revokes the lease, which deletes the announcement.
func (a *HostAnnouncer) Withdraw(ctx context.Context) error {
	if a.leaseID == clientv3.NoLease {
		return nil
	}
	a.logger.Info("withdrawing host announcement", "key", a.key)
	if _, err := a.client.Revoke(ctx, a.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	a.leaseID = clientv3.NoLease
	return nil
}

// HostDirectory tracks the hosts announced under a prefix.
type HostDirectory struct {
	client *clientv3.Client
	prefix string
	logger *slog.Logger
	hosts  map[string]HostInfo // keyed by etcd key
	mu     sync.RWMutex
}

// NewHostDirectory creates an empty directory. Call Watch to fill it.
func NewHostDirectory(client *clientv3.Client, prefix string, logger *slog.Logger) *HostDirectory {
	if prefix == "" {
		prefix = DefaultHostPrefix
	}
	return &HostDirectory{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "host-directory"),
		hosts:  make(map[string]HostInfo),
	}
}

// Watch loads the current hosts and follows changes until ctx is done.
// This is a blocking call and should be run in a goroutine.
func (d *HostDirectory) Watch(ctx context.Context) {
	d.logger.Info("starting to watch hosts")

	rev, err := d.loadInitialHosts(ctx)
	if err != nil {
		d.logger.Error("failed to perform initial host load", "error", err)
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	for watchResp := range d.client.Watch(ctx, d.prefix, opts...) {
		if err := watchResp.Err(); err != nil {
			d.logger.Warn("host watch error", "error", err)
			continue
		}
		d.apply(watchResp.Events)
	}
	d.logger.Info("stopped watching hosts")
}

func (d *HostDirectory) loadInitialHosts(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kv := range resp.Kvs {
		d.put(string(kv.Key), kv.Value)
	}
	return resp.Header.GetRevision(), nil
}

// apply folds watch events into the directory.
func (d *HostDirectory) apply(events []*clientv3.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, event := range events {
		key := string(event.Kv.Key)
		switch event.Type {
		case clientv3.EventTypePut:
			d.put(key, event.Kv.Value)
		case clientv3.EventTypeDelete:
			if host, ok := d.hosts[key]; ok {
				d.logger.Info("host withdrawn", "id", host.ID, "addr", host.Addr)
			}
			delete(d.hosts, key)
		}
	}
}

// put must be called with mu held.
func (d *HostDirectory) put(key string, value []byte) {
	var info HostInfo
	if err := json.Unmarshal(value, &info); err != nil {
		d.logger.Warn("failed to unmarshal host info", "key", key, "error", err)
		return
	}
	if info.ID == "" {
		info.ID = strings.TrimPrefix(key, d.prefix)
	}
	if _, ok := d.hosts[key]; !ok {
		d.logger.Info("host discovered", "id", info.ID, "addr", info.Addr)
	}
	d.hosts[key] = info
}

// Hosts returns a snapshot of the announced hosts sorted by ID.
func (d *HostDirectory) Hosts() []HostInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	hosts := make([]HostInfo, 0, len(d.hosts))
	for _, h := range d.hosts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID < hosts[j].ID })
	return hosts
}
