// Package discovery negotiates a session through etcd instead of a
// handshake. Each instance claims a player slot under the session prefix
// with a leased key holding its transport address; player 0 also publishes
// the session parameters. Everyone waits until every slot is taken.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/ryandielhenn/ticsync/pkg/node"
	"github.com/ryandielhenn/ticsync/pkg/session"
	"github.com/ryandielhenn/ticsync/pkg/transport"
)

const Prefix = "/ticsync"

var ErrSlotTaken = errors.New("discovery: player slot already taken")

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

func SessionPrefix(session string) string { return fmt.Sprintf("%s/%s/", Prefix, session) }

func NodeKey(session string, player int) string {
	return fmt.Sprintf("%snodes/%d", SessionPrefix(session), player)
}

func ConfigKey(session string) string { return SessionPrefix(session) + "config" }

// SessionDoc is the YAML value player 0 stores under ConfigKey.
type SessionDoc struct {
	Players   int    `yaml:"players"`
	TicDup    int    `yaml:"ticdup"`
	ExtraTics bool   `yaml:"extratics"`
	Seed      uint32 `yaml:"seed"`
}

// roster collects what has been seen under a session prefix.
type roster struct {
	session string
	nodes   map[int]transport.Address
	doc     *SessionDoc
}

func newRoster(session string) *roster {
	return &roster{session: session, nodes: map[int]transport.Address{}}
}

// apply folds one key into the roster. Unrelated keys are ignored.
func (r *roster) apply(kv *mvccpb.KeyValue, deleted bool) error {
	key := string(kv.Key)
	if key == ConfigKey(r.session) {
		if deleted {
			r.doc = nil
			return nil
		}
		var doc SessionDoc
		if err := yaml.Unmarshal(kv.Value, &doc); err != nil {
			return fmt.Errorf("discovery: session config: %w", err)
		}
		r.doc = &doc
		return nil
	}
	rest, ok := strings.CutPrefix(key, SessionPrefix(r.session)+"nodes/")
	if !ok {
		return nil
	}
	player, err := strconv.Atoi(rest)
	if err != nil || player < 0 || player >= node.MaxNodes {
		return fmt.Errorf("discovery: bad node key %q", key)
	}
	if deleted {
		delete(r.nodes, player)
	} else {
		r.nodes[player] = transport.Address(kv.Value)
	}
	return nil
}

// complete reports whether the config is known and every player slot below
// its player count is filled.
func (r *roster) complete() bool {
	if r.doc == nil {
		return false
	}
	for p := range r.doc.Players {
		if _, ok := r.nodes[p]; !ok {
			return false
		}
	}
	return true
}

// Etcd is a session.Negotiator backed by an etcd cluster.
type Etcd struct {
	Client  *clientv3.Client
	Session string
	Player  int
	Local   transport.Address
	TTL     int64 // lease seconds
	// Doc is published when Player is 0 and replaced by the agreed document
	// once Negotiate returns.
	Doc SessionDoc
	Log *zap.Logger

	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// Negotiate claims e.Player's slot and waits for the rest of the session.
// On any error the lease is revoked, so nothing of this instance is left in
// etcd.
func (e *Etcd) Negotiate(ctx context.Context, reg *node.Registry) (_ session.Config, err error) {
	log := e.Log
	if log == nil {
		log = zap.NewNop()
	}
	ttl := e.TTL
	if ttl <= 0 {
		ttl = 10
	}
	cli := e.Client

	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return session.Config{}, fmt.Errorf("grant lease: %w", err)
	}
	e.lease = lease.ID
	defer func() {
		if err != nil {
			e.release(log)
		}
	}()

	key := NodeKey(e.Session, e.Player)
	resp, err := cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(e.Local), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return session.Config{}, fmt.Errorf("claim %s: %w", key, err)
	}
	if !resp.Succeeded {
		return session.Config{}, fmt.Errorf("%w: %s", ErrSlotTaken, key)
	}
	log.Info("[Discovery] claimed player slot", zap.String("key", key), zap.String("addr", string(e.Local)))

	kctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	ka, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		return session.Config{}, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ka {
		}
	}()

	if e.Player == 0 {
		if err := e.publish(ctx, lease.ID); err != nil {
			return session.Config{}, err
		}
	}

	r, err := e.wait(ctx, log)
	if err != nil {
		return session.Config{}, err
	}
	e.Doc = *r.doc
	cfg := session.Config{
		NumNodes:      r.doc.Players,
		TicDup:        session.ClampTicDup(r.doc.TicDup),
		ExtraTics:     r.doc.ExtraTics,
		ConsolePlayer: e.Player,
	}
	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	if err := reg.SetSelf(e.Player); err != nil {
		return session.Config{}, err
	}
	for p := range cfg.NumNodes {
		addr := r.nodes[p]
		if p == e.Player {
			addr = e.Local
		}
		if err := reg.Register(p, addr); err != nil {
			return session.Config{}, err
		}
	}
	if err := reg.Freeze(); err != nil {
		return session.Config{}, err
	}
	log.Info("[Discovery] session ready", zap.String("session", e.Session), zap.Int("players", cfg.NumNodes))
	return cfg, nil
}

func (e *Etcd) publish(ctx context.Context, lease clientv3.LeaseID) error {
	doc, err := yaml.Marshal(e.Doc)
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	key := ConfigKey(e.Session)
	_, err = e.Client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(doc), clientv3.WithLease(lease))).
		Commit()
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (e *Etcd) wait(ctx context.Context, log *zap.Logger) (*roster, error) {
	prefix := SessionPrefix(e.Session)
	r := newRoster(e.Session)
	resp, err := e.Client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", prefix, err)
	}
	for _, kv := range resp.Kvs {
		if err := r.apply(kv, false); err != nil {
			return nil, err
		}
	}
	if r.complete() {
		return r, nil
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wch := e.Client.Watch(wctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wr := range wch {
		if err := wr.Err(); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			return nil, fmt.Errorf("watch %s: %w", prefix, err)
		}
		for _, ev := range wr.Events {
			if err := r.apply(ev.Kv, ev.Type == mvccpb.DELETE); err != nil {
				return nil, err
			}
		}
		log.Info("[Discovery] waiting for players", zap.Int("have", len(r.nodes)))
		if r.complete() {
			return r, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("discovery: watch closed")
}

// release undoes a failed Negotiate. ctx may already be done, so the
// revoke gets its own deadline.
func (e *Etcd) release(log *zap.Logger) {
	rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Close(rctx); err != nil {
		log.Warn("[Discovery] revoke lease", zap.Error(err))
	}
}

// Close stops the lease keepalive and revokes the lease, which removes this
// instance's keys.
func (e *Etcd) Close(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.lease == 0 {
		return nil
	}
	lease := e.lease
	e.lease = 0
	_, err := e.Client.Revoke(ctx, lease)
	return err
}

var _ session.Negotiator = (*Etcd)(nil)
