package discovery

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v2"

	"github.com/ryandielhenn/ticsync/pkg/node"
	"github.com/ryandielhenn/ticsync/pkg/session"
	"github.com/ryandielhenn/ticsync/pkg/transport"
)

func kv(key, value string) *mvccpb.KeyValue {
	return &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value)}
}

func TestKeys(t *testing.T) {
	if got := NodeKey("e1m1", 3); got != "/ticsync/e1m1/nodes/3" {
		t.Fatalf("NodeKey = %q", got)
	}
	if got := ConfigKey("e1m1"); got != "/ticsync/e1m1/config" {
		t.Fatalf("ConfigKey = %q", got)
	}
}

func TestRosterCompletes(t *testing.T) {
	doc, _ := yaml.Marshal(SessionDoc{Players: 2, TicDup: 3, Seed: 7})
	r := newRoster("s")
	steps := []struct {
		kv      *mvccpb.KeyValue
		deleted bool
		want    bool
	}{
		{kv(NodeKey("s", 0), "10.0.0.1:5029"), false, false},
		{kv(NodeKey("other", 1), "10.0.0.9:5029"), false, false},
		{kv(NodeKey("s", 1), "10.0.0.2:5029"), false, false},
		{kv(ConfigKey("s"), string(doc)), false, true},
		{kv(NodeKey("s", 1), ""), true, false},
		{kv(NodeKey("s", 1), "10.0.0.3:5029"), false, true},
	}
	for i, s := range steps {
		if err := r.apply(s.kv, s.deleted); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := r.complete(); got != s.want {
			t.Fatalf("step %d: complete = %v, want %v", i, got, s.want)
		}
	}
	if r.nodes[1] != "10.0.0.3:5029" || r.doc.TicDup != 3 || r.doc.Seed != 7 {
		t.Fatalf("roster %+v doc %+v", r.nodes, r.doc)
	}
}

func TestRosterRejectsBadKeys(t *testing.T) {
	r := newRoster("s")
	if err := r.apply(kv(SessionPrefix("s")+"nodes/x", "a"), false); err == nil {
		t.Fatal("accepted non-numeric player")
	}
	if err := r.apply(kv(SessionPrefix("s")+"nodes/9", "a"), false); err == nil {
		t.Fatal("accepted player beyond the node limit")
	}
	if err := r.apply(kv(ConfigKey("s"), "players: [1"), false); err == nil {
		t.Fatal("accepted malformed config")
	}
}

func freeURL(t *testing.T) url.URL {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return url.URL{Scheme: "http", Host: addr}
}

// startEtcd runs a single member cluster in a temp dir and returns a client
// connected to it.
func startEtcd(t *testing.T) *clientv3.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("embedded etcd")
	}
	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	client, peer := freeURL(t), freeURL(t)
	cfg.ListenClientUrls = []url.URL{client}
	cfg.AdvertiseClientUrls = []url.URL{client}
	cfg.ListenPeerUrls = []url.URL{peer}
	cfg.AdvertisePeerUrls = []url.URL{peer}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	srv, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Close)
	select {
	case <-srv.Server.ReadyNotify():
	case <-time.After(20 * time.Second):
		srv.Server.Stop()
		t.Fatal("etcd did not become ready")
	}

	cli, err := NewClient([]string{client.String()}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func leases(t *testing.T, cli *clientv3.Client) int {
	t.Helper()
	resp, err := cli.Leases(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return len(resp.Leases)
}

func TestNegotiateTwoPlayers(t *testing.T) {
	cli := startEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doc := SessionDoc{Players: 2, TicDup: 2, ExtraTics: true, Seed: 1993}
	members := []*Etcd{
		{Client: cli, Session: "e1m1", Player: 0, Local: "10.0.0.1:5029", TTL: 5, Doc: doc, Log: zaptest.NewLogger(t)},
		// Only player 0's document is published.
		{Client: cli, Session: "e1m1", Player: 1, Local: "10.0.0.2:5029", TTL: 5, Doc: SessionDoc{Players: 7}},
	}
	regs := []*node.Registry{node.NewRegistry(), node.NewRegistry()}
	cfgs := make([]session.Config, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, e := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfgs[i], errs[i] = e.Negotiate(ctx, regs[i])
		}()
	}
	wg.Wait()
	for i := range members {
		if errs[i] != nil {
			t.Fatalf("player %d: %v", i, errs[i])
		}
		want := session.Config{NumNodes: 2, TicDup: 2, ExtraTics: true, ConsolePlayer: i}
		if cfgs[i] != want {
			t.Fatalf("player %d config %+v, want %+v", i, cfgs[i], want)
		}
		if members[i].Doc != doc {
			t.Fatalf("player %d doc %+v", i, members[i].Doc)
		}
		for id, want := range []transport.Address{"10.0.0.1:5029", "10.0.0.2:5029"} {
			if got, _ := regs[i].Address(id); got != want {
				t.Fatalf("player %d sees node %d at %q", i, id, got)
			}
		}
	}

	// A second claimant for a taken slot fails and leaves no lease behind.
	dup := &Etcd{Client: cli, Session: "e1m1", Player: 1, Local: "10.0.0.3:5029", TTL: 5}
	if _, err := dup.Negotiate(ctx, node.NewRegistry()); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("err = %v, want ErrSlotTaken", err)
	}
	if n := leases(t, cli); n != 2 {
		t.Fatalf("%d leases after a failed claim, want 2", n)
	}

	for _, e := range members {
		if err := e.Close(ctx); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := cli.Get(ctx, SessionPrefix("e1m1"), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Count != 0 {
		t.Fatalf("%d keys left after Close", resp.Count)
	}
}

func TestNegotiateTimeoutReleasesSlot(t *testing.T) {
	cli := startEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	e := &Etcd{Client: cli, Session: "e1m2", Player: 0, Local: "10.0.0.1:5029", TTL: 5, Doc: SessionDoc{Players: 2, TicDup: 1}}
	if _, err := e.Negotiate(ctx, node.NewRegistry()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if n := leases(t, cli); n != 0 {
		t.Fatalf("%d leases left after a timed out negotiation", n)
	}
	resp, err := cli.Get(context.Background(), NodeKey("e1m2", 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Kvs) != 0 {
		t.Fatal("slot still claimed")
	}
}
