package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/ryandielhenn/ticsync/discovery"
	"github.com/ryandielhenn/ticsync/internal/config"
	"github.com/ryandielhenn/ticsync/internal/logging"
	"github.com/ryandielhenn/ticsync/internal/loop"
	"github.com/ryandielhenn/ticsync/internal/sim"
	"github.com/ryandielhenn/ticsync/internal/telemetry"
	"github.com/ryandielhenn/ticsync/pkg/demo"
	"github.com/ryandielhenn/ticsync/pkg/node"
	"github.com/ryandielhenn/ticsync/pkg/rng"
	"github.com/ryandielhenn/ticsync/pkg/session"
	"github.com/ryandielhenn/ticsync/pkg/ticbus"
	"github.com/ryandielhenn/ticsync/pkg/transport"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()
	for _, w := range cfg.Warnings {
		log.Warn("[Boot] " + w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("node stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	telemetry.SetBuildInfo(version, gitSHA)
	if cfg.PlayDemo != "" {
		return playDemo(cfg, log)
	}

	// 1. Transport and negotiator for the chosen mode
	reg := node.NewRegistry()
	tr, neg, err := setup(cfg, reg, log)
	if err != nil {
		return err
	}
	defer tr.Close()
	if e, ok := neg.(*discovery.Etcd); ok {
		defer e.Client.Close()
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := e.Close(cctx); err != nil {
				log.Warn("revoke lease", zap.Error(err))
			}
		}()
	}

	// 2. Agree on the session before the first tic
	log.Info("[Boot] negotiating", zap.String("mode", string(cfg.Mode)), zap.String("local", string(tr.LocalAddr())))
	spinner, _ := pterm.DefaultSpinner.Start("waiting for players (" + string(cfg.Mode) + ")")
	scfg, err := neg.Negotiate(ctx, reg)
	if err != nil {
		spinner.Fail(err.Error())
		return fmt.Errorf("negotiate: %w", err)
	}
	spinner.Success("session ready")
	printSession(scfg, reg)
	telemetry.SetSessionInfo(scfg.NumNodes, scfg.TicDup, scfg.ExtraTics, scfg.ConsolePlayer)

	seed := cfg.Seed
	if e, ok := neg.(*discovery.Etcd); ok {
		seed = e.Doc.Seed
	}

	// 3. Bus, simulation and frame loop
	bus, err := ticbus.New(scfg, tr, reg, ticbus.WithLogger(log))
	if err != nil {
		return err
	}
	src := rng.New(seed)
	src.SetCompat(cfg.Compat)
	world := sim.New(scfg.NumNodes, src)

	opts := []loop.Option{loop.WithLogger(log), loop.WithMaxTics(cfg.Tics)}
	if cfg.Record != "" {
		rec, err := demo.Create(cfg.Record, demo.Header{
			Seed:    seed,
			Players: scfg.NumNodes,
			Console: scfg.ConsolePlayer,
			TicDup:  scfg.TicDup,
			Compat:  cfg.Compat,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Error("close demo", zap.Error(err))
			}
			log.Info("demo written", zap.String("file", cfg.Record), zap.Int("tics", rec.Tics()))
		}()
		opts = append(opts, loop.WithRecorder(rec))
	}
	l := loop.New(bus, world, sim.NewBot(uint64(time.Now().UnixNano())), opts...)

	// 4. Status endpoints
	if cfg.MetricsAddr != "" {
		srv := statusServer(cfg.MetricsAddr, reg, l)
		go func() {
			log.Info("[Boot] status listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	err = l.Run(ctx)
	log.Info("session over",
		zap.Int("gametic", l.GameTic()),
		zap.String("world", strconv.FormatUint(world.Hash(), 16)))
	return err
}

func setup(cfg config.Config, reg *node.Registry, log *zap.Logger) (transport.Transport, session.Negotiator, error) {
	if cfg.Mode == config.ModeSingle {
		return transport.Loopback{}, session.Static{TicDup: cfg.TicDup, ExtraTics: cfg.ExtraTics, Log: log}, nil
	}

	bind := net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port))
	udp, err := transport.ListenUDP(bind, reg)
	if err != nil {
		return nil, nil, err
	}
	log.Info("[Boot] listening", zap.String("addr", string(udp.LocalAddr())))
	hs := []session.Option{session.WithLogger(log), session.WithResend(cfg.Resend)}

	var neg session.Negotiator
	switch cfg.Mode {
	case config.ModeNet:
		neg = session.Static{
			Console:   cfg.Console,
			Hosts:     cfg.Hosts,
			Port:      cfg.Port,
			TicDup:    cfg.TicDup,
			ExtraTics: cfg.ExtraTics,
			Local:     udp.LocalAddr(),
			Log:       log,
		}
	case config.ModeHost:
		neg, err = session.NewHost(udp, cfg.Players, cfg.TicDup, cfg.ExtraTics, hs...)
	case config.ModeJoin:
		var host transport.Address
		host, err = transport.ResolveUDP(cfg.HostAddr, transport.DefaultPort)
		if err == nil {
			neg = session.NewJoin(udp, host, hs...)
		}
	case config.ModeEtcd:
		neg, err = etcdNegotiator(cfg, log)
	default:
		err = fmt.Errorf("unsupported mode %q", cfg.Mode)
	}
	if err != nil {
		udp.Close()
		return nil, nil, err
	}
	return udp, neg, nil
}

func etcdNegotiator(cfg config.Config, log *zap.Logger) (*discovery.Etcd, error) {
	log.Info("[Boot] creating etcd client", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	cli, err := discovery.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	advertise := cfg.Bind
	if advertise == "" {
		if advertise, err = os.Hostname(); err != nil {
			cli.Close()
			return nil, err
		}
	}
	local, err := transport.ResolveUDP(net.JoinHostPort(advertise, strconv.Itoa(cfg.Port)), cfg.Port)
	if err != nil {
		cli.Close()
		return nil, err
	}
	return &discovery.Etcd{
		Client:  cli,
		Session: cfg.Etcd.Session,
		Player:  cfg.Etcd.Player,
		Local:   local,
		TTL:     cfg.Etcd.LeaseTTL,
		Doc: discovery.SessionDoc{
			Players:   cfg.Players,
			TicDup:    cfg.TicDup,
			ExtraTics: cfg.ExtraTics,
			Seed:      cfg.Seed,
		},
		Log: log,
	}, nil
}

func statusServer(addr string, reg *node.Registry, p node.Progress) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(reg.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", reg.Info(p)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func printSession(cfg session.Config, reg *node.Registry) {
	rows := pterm.TableData{{"node", "address", "self"}}
	for _, d := range reg.Nodes() {
		self := ""
		if d.Console {
			self = "*"
		}
		rows = append(rows, []string{strconv.Itoa(d.ID), string(d.Addr), self})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	pterm.DefaultBox.WithTitle("ticsync").Println(fmt.Sprintf(
		"players %d  console %d  ticdup %d  extratics %v",
		cfg.NumNodes, cfg.ConsolePlayer+1, cfg.TicDup, cfg.ExtraTics))
}

func playDemo(cfg config.Config, log *zap.Logger) error {
	r, err := demo.Open(cfg.PlayDemo)
	if err != nil {
		return err
	}
	defer r.Close()
	h := r.Header()
	src := rng.New(h.Seed)
	src.SetCompat(h.Compat)
	world := sim.New(h.Players, src)
	start := time.Now()
	n, err := loop.Playback(r, world, nil)
	if err != nil {
		return fmt.Errorf("play %s: %w", cfg.PlayDemo, err)
	}
	log.Info("demo played", zap.Int("tics", n), zap.Duration("took", time.Since(start)))
	pterm.Success.Printfln("%s: %d tics, world %016x", cfg.PlayDemo, n, world.Hash())
	return nil
}
