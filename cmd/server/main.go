package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/sharsein/hifi/internal/config"
	"github.com/sharsein/hifi/internal/logging"
	"github.com/sharsein/hifi/internal/telemetry"
	"github.com/sharsein/hifi/pkg/codec"
	"github.com/sharsein/hifi/pkg/directory"
	"github.com/sharsein/hifi/pkg/mixer"
	"github.com/sharsein/hifi/pkg/node"
	"github.com/sharsein/hifi/pkg/registry"
	"github.com/sharsein/hifi/pkg/transport"
)

func main() {
	cfg, err := config.Load(os.Getenv("HIFI_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	lg, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal(err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("relay exited", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.SetBuildInfo(cfg.Version, cfg.GitSHA)

	// 1. Bind the relay socket
	lg.Info("[Boot] binding udp", zap.String("addr", cfg.UDPListen))
	udp, err := transport.Listen(cfg.UDPListen, lg.Named("udp"))
	if err != nil {
		return err
	}
	defer udp.Close()

	// 2. Participant directory, relay identity and mixer
	c, err := codec.ByName(cfg.StateCodec, cfg.MaxPacket)
	if err != nil {
		return err
	}
	audience, err := mixer.ParseAudience(cfg.KillAudience)
	if err != nil {
		return err
	}

	var self *node.Node
	dir := directory.New(c,
		directory.WithLogger(lg.Named("directory")),
		directory.WithReplier(udp),
		directory.WithKillAuthority(func(a netip.AddrPort) bool { return self.IsPeer(a) }),
	)
	self = node.NewNode(cfg.SelfID, cfg.AdvertiseAddr(), dir, lg.Named("node"))

	mx := mixer.New(mixer.Config{
		TickRate:    cfg.TickRate,
		MaxPacket:   cfg.MaxPacket,
		NodeTimeout: cfg.NodeTimeout,
		Audience:    audience,
		InboxSize:   cfg.InboxSize,
	}, dir, udp, self, lg.Named("mixer"))
	self.SetFrameSource(mx.Frame)

	// 3. Register with etcd and watch the other relays
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := registry.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()
		lg.Info("[Boot] created etcd client", zap.Strings("endpoints", cli.Endpoints()))

		leaseID, cancel, err := registry.RegisterNode(cli, cfg.EtcdPrefix, self.ID(), self.Addr(), cfg.LeaseTTL)
		if err != nil {
			return err
		}
		defer revoke(cli, leaseID, cancel, lg)

		err = registry.WatchPeers(ctx, cli, cfg.EtcdPrefix, lg.Named("registry"), func(peers map[string]string) {
			self.SetPeers(peers)
			lg.Info("[WatchPeers] relay set changed", zap.Int("peers", len(self.PeerAddrs())))
		})
		if err != nil {
			return err
		}
	} else {
		lg.Info("[Boot] no etcd endpoints, running standalone")
	}

	// 4. Admin HTTP endpoints
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(self.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(self.Info)))
	mux.Handle("/participants", telemetry.Instrument("participants", http.HandlerFunc(self.Participants)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	srv := &http.Server{Addr: cfg.HTTPListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		lg.Info("[Boot] admin listening", zap.String("addr", cfg.HTTPListen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("admin server failed", zap.Error(err))
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	// 5. Read datagrams into the mixer and run the tick loop
	go func() {
		if err := udp.Serve(ctx, func(b []byte, from netip.AddrPort) { mx.Enqueue(b, from) }); err != nil {
			lg.Error("udp serve failed", zap.Error(err))
		}
	}()

	lg.Info("hifi relay listening", zap.String("id", self.ID()), zap.Stringer("udp", udp.LocalAddr()))
	return mx.Run(ctx)
}

func revoke(cli *clientv3.Client, id clientv3.LeaseID, cancel context.CancelFunc, lg *zap.Logger) {
	cancel()
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if _, err := cli.Revoke(ctx, id); err != nil {
		lg.Warn("lease revoke failed", zap.Error(err))
	}
}
