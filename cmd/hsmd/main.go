// Command hsmd is hsmcore's server: it opens the token keystore,
// discovers the simulated FPGA bus, and serves the RPC surface over a
// TCP listener standing in for the literal UART/serial link the
// original firmware speaks over (spec §1 puts register-level bus
// plumbing and the physical link out of scope).
//
// Shaped after torua's cmd/coordinator and cmd/node: env-configured,
// background components started before the listener accepts
// connections, signal-driven graceful shutdown, one structured log
// line per lifecycle event.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cryptech/hsmcore/internal/arbiter"
	"github.com/cryptech/hsmcore/internal/bus"
	"github.com/cryptech/hsmcore/internal/config"
	"github.com/cryptech/hsmcore/internal/hashsig"
	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/keystore/tokendriver"
	"github.com/cryptech/hsmcore/internal/pkey"
	"github.com/cryptech/hsmcore/internal/rpc"
	"github.com/cryptech/hsmcore/internal/simbus"
	"github.com/cryptech/hsmcore/internal/transport"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	listen := getenv("HSMD_LISTEN", ":1792")
	tokenPath := getenv("HSMD_TOKEN_PATH", "hsmcore.token.db")
	configPath := os.Getenv("HSMD_CONFIG_PATH")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.EnableFlashKEKBackup {
		logger.Warn("flash KEK backup enabled: degraded security model, do not enable in production")
	}

	store, err := openStore(cfg, tokenPath)
	if err != nil {
		logger.Fatal("open keystore", zap.Error(err))
	}
	logger.Info("keystore opened", zap.String("path", tokenPath))

	if err := ensureKEK(cfg, store); err != nil {
		logger.Fatal("establish KEK", zap.Error(err))
	}

	simBus := discoverBus()
	descs, err := bus.Discover(simBus)
	if err != nil {
		logger.Fatal("discover bus", zap.Error(err))
	}
	arb := arbiter.New(descs)
	logger.Info("core arbiter ready", zap.Int("cores", len(descs)))

	pk, err := pkey.NewManager(store, arb)
	if err != nil {
		logger.Fatal("new pkey manager", zap.Error(err))
	}

	hs := hashsig.NewStore(store)
	go func() {
		if err := hs.Recover(); err != nil {
			logger.Error("hashsig recovery failed", zap.Error(err))
			return
		}
		logger.Info("hashsig recovery complete")
	}()

	srv := rpc.NewServer(store, arb, pk, hs)

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
	logger.Info("hsmd listening", zap.String("addr", listen))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go acceptLoop(ctx, listener, srv, cfg.Dispatcher.PoolSize, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancel()
	if err := listener.Close(); err != nil {
		logger.Warn("listener close", zap.Error(err))
	}
	time.Sleep(100 * time.Millisecond)
	logger.Info("hsmd stopped")
}

// openStore opens the flash-backed token keystore, sized as the sum
// of the configured token and volatile block counts — hsmcore has no
// separately-sized volatile keystore the original firmware does (see
// DESIGN.md), so the one durable store plays both roles.
func openStore(cfg *config.Config, path string) (*keystore.Store, error) {
	driver, err := tokendriver.Open(path, cfg.Keystore.TokenBlocks+cfg.Keystore.VolatileBlocks)
	if err != nil {
		return nil, err
	}
	return keystore.Open(driver)
}

// ensureKEK loads the running KEK from HSMCORE_KEK (base64, 32 bytes)
// if set. Otherwise it reuses a KEK already persisted in the store;
// when the store has none, it generates and persists a fresh one only
// if EnableFlashKEKBackup is on (spec §9 Open Question: the
// flash-backup path is explicitly "do not use in production", gated
// behind this flag rather than silently always on). With the flag off,
// a freshly initialized store has no KEK and startup fails with a
// clear error rather than improvising one.
func ensureKEK(cfg *config.Config, store *keystore.Store) error {
	if b64 := os.Getenv("HSMCORE_KEK"); b64 != "" {
		kek, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return err
		}
		return store.SetKEK(kek)
	}

	_, err := store.GetKEK()
	if err == nil {
		return nil
	}
	if herr.CodeOf(err) != herr.MasterkeyNotSet {
		return err
	}
	if !cfg.EnableFlashKEKBackup {
		return herr.New(herr.MasterkeyNotSet, "main.ensureKEK", nil)
	}
	kek := make([]byte, 32)
	if _, err := rand.Read(kek); err != nil {
		return err
	}
	return store.SetKEK(kek)
}

// discoverBus registers the simulated cores the hash and modexp
// packages address by name (internal/hash's Descriptor.CoreName,
// internal/pkey/rsa.go's "modexp-crt-p"/"modexp-crt-q"), standing in
// for the real FPGA bus spec §1 puts out of scope.
func discoverBus() *simbus.Bus {
	b := simbus.New()
	cores := []string{"sha1", "sha2-256", "sha2-512", "modexp-crt-p", "modexp-crt-q"}
	for i, name := range cores {
		base := uint32(bus.ScanStart) + uint32(i)*uint32(bus.ScanStep)
		b.Register(base, simbus.NewSlot(name, 1))
	}
	return b
}

// acceptLoop accepts connections until ctx is cancelled, handing each
// one to its own Dispatcher so multiple administrative clients can be
// connected at once even though the original firmware's single UART
// link only ever serves one.
func acceptLoop(ctx context.Context, listener net.Listener, srv *rpc.Server, poolSize int, logger *zap.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Error("accept", zap.Error(err))
				return
			}
		}
		logger.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))
		go func() {
			defer conn.Close()
			link := transport.NewLink(conn, 0)
			disp := transport.NewDispatcher(link, srv, poolSize)
			if err := disp.Run(ctx); err != nil {
				logger.Info("client disconnected", zap.Error(err))
			}
		}()
	}
}
