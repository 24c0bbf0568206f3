// Package registry publishes this relay in etcd and keeps track of the
// other relays registered under the same prefix.
package registry

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/hifi/relays/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Key is the etcd key a relay registers under.
func Key(prefix, id string) string {
	return prefix + id
}

// RegisterNode stores addr under prefix+id with a lease of ttl seconds and
// keeps the lease alive until the returned cancel func is called.
func RegisterNode(cli *clientv3.Client, prefix, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())

	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, Key(prefix, id), addr, clientv3.WithLease(lease.ID)); err != nil {
		cancel()
		return 0, nil, fmt.Errorf("put %s: %w", Key(prefix, id), err)
	}
	ka, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		// the channel closes when ctx is cancelled or the lease is lost
		for range ka {
		}
	}()
	return lease.ID, cancel, nil
}

// PeerSource is the part of the etcd client peer discovery reads from.
// *clientv3.Client satisfies it.
type PeerSource interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

// resyncBackoff spaces out GetPeers retries after a watch is lost.
const resyncBackoff = time.Second

// GetPeers returns every registered relay as id -> addr, along with the
// revision the read was served at.
func GetPeers(ctx context.Context, src PeerSource, prefix string) (map[string]string, int64, error) {
	resp, err := src.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", prefix, err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers[strings.TrimPrefix(string(kv.Key), prefix)] = string(kv.Value)
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls fn with the full peer set once immediately and again
// after every change, until ctx is done. A watch that closes early, for
// example after compaction, is re-established from a fresh read.
func WatchPeers(ctx context.Context, src PeerSource, prefix string, log *zap.Logger, fn func(peers map[string]string)) error {
	if log == nil {
		log = zap.NewNop()
	}
	peers, rev, err := GetPeers(ctx, src, prefix)
	if err != nil {
		return err
	}
	fn(maps.Clone(peers))

	go watchLoop(ctx, src, prefix, log, peers, rev, fn)
	return nil
}

func watchLoop(ctx context.Context, src PeerSource, prefix string, log *zap.Logger, peers map[string]string, rev int64, fn func(map[string]string)) {
	for {
		wch := src.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range wch {
			if err := resp.Err(); err != nil {
				log.Warn("peer watch failed", zap.String("prefix", prefix), zap.Error(err))
				continue
			}
			if r := resp.Header.Revision; r > rev {
				rev = r
			}
			if applyEvents(peers, prefix, resp.Events) {
				fn(maps.Clone(peers))
			}
		}
		if ctx.Err() != nil {
			log.Debug("peer watch stopped", zap.String("prefix", prefix))
			return
		}
		log.Warn("peer watch closed, resyncing", zap.String("prefix", prefix), zap.Int64("rev", rev))

		for {
			fresh, r, err := GetPeers(ctx, src, prefix)
			if err == nil {
				if !maps.Equal(peers, fresh) {
					peers = fresh
					fn(maps.Clone(peers))
				}
				rev = r
				break
			}
			log.Warn("peer resync failed", zap.String("prefix", prefix), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(resyncBackoff):
			}
		}
	}
}

// applyEvents folds watch events into peers and reports whether anything
// changed.
func applyEvents(peers map[string]string, prefix string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		if ev.Kv == nil {
			continue
		}
		id := strings.TrimPrefix(string(ev.Kv.Key), prefix)
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}
