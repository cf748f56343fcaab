// Command tgcryptfsd runs the tgcryptfs core as a standalone daemon: it
// loads or creates the machine identity, derives the master key from an
// operator-supplied passphrase, opens the one namespace named by
// -namespace, and starts whichever background loops its distribution mode
// calls for (the refcount sweeper always, the CRDT sync cycle for
// distributed namespaces, the snapshot publish/poll cycle for
// master-replica namespaces), alongside an HTTP server exposing
// /metrics, /health, and pprof.
//
// The kernel-interface adapter (FUSE, 9P, or similar) that turns this
// daemon's internal/fs operations into actual mount points is an external
// collaborator and is not implemented here.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dlvargas/tgcryptfs/internal/backend"
	"github.com/dlvargas/tgcryptfs/internal/cache"
	"github.com/dlvargas/tgcryptfs/internal/chunk"
	"github.com/dlvargas/tgcryptfs/internal/config"
	tgcrypto "github.com/dlvargas/tgcryptfs/internal/crypto"
	"github.com/dlvargas/tgcryptfs/internal/fs"
	"github.com/dlvargas/tgcryptfs/internal/identity"
	"github.com/dlvargas/tgcryptfs/internal/namespace"
	"github.com/dlvargas/tgcryptfs/internal/observability"
	"github.com/dlvargas/tgcryptfs/internal/oplog"
	"github.com/dlvargas/tgcryptfs/internal/snapshot"
)

func main() {
	dataDir := flag.String("data-dir", "./data", "directory holding this machine's identity, salts, and per-namespace state")
	nsName := flag.String("namespace", "default", "namespace name to mount")
	distMode := flag.String("mode", string(config.ModeStandalone), "distribution mode: standalone, master-replica, or distributed")
	role := flag.String("role", string(config.RoleMaster), "master-replica role (master or replica); ignored outside master-replica mode")
	machineName := flag.String("machine-name", "", "human-readable name for this machine's identity (defaults to hostname)")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "address for the /metrics, /health, and pprof HTTP endpoints")
	peerDir := flag.String("peer-dir", "", "directory of peers' published identity.json records (distributed mode)")
	flag.Parse()

	logger := observability.NewLogger(*nsName, *machineName, os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("0.1.0")

	if shutdown, err := observability.InitTracing(context.Background(), "tgcryptfsd"); err == nil {
		defer shutdown(context.Background())
	}

	if *machineName == "" {
		if h, err := os.Hostname(); err == nil {
			*machineName = h
		} else {
			*machineName = "tgcryptfsd"
		}
	}

	passphrase := []byte(os.Getenv("TGCRYPTFS_PASSPHRASE"))
	if len(passphrase) == 0 {
		logger.Fatal(fmt.Errorf("TGCRYPTFS_PASSPHRASE not set"), "refusing to derive a master key from an empty passphrase")
	}

	cfg := config.Default()
	cfg.DataDir = *dataDir
	cfg.Distribution.Mode = config.DistributionMode(*distMode)
	cfg.Distribution.MasterReplica.Role = config.Role(*role)

	kdfParams := tgcrypto.KDFParams{
		MemoryKiB:   cfg.Encryption.MemoryKiB,
		Iterations:  cfg.Encryption.Iterations,
		Parallelism: cfg.Encryption.Parallelism,
	}
	masterKey, err := loadOrCreateMasterKey(*dataDir, passphrase, kdfParams)
	if err != nil {
		logger.Fatal(err, "failed to derive master key")
	}

	id, priv, err := identity.LoadOrCreate(filepath.Join(*dataDir, "identity"), *machineName, passphrase, kdfParams)
	if err != nil {
		logger.Fatal(err, "failed to load or create machine identity")
	}
	logger.Info(fmt.Sprintf("machine identity: %s (%s)", id.MachineID, id.MachineName))

	keyring := identity.NewKeyring()
	if *peerDir != "" {
		if err := keyring.LoadDir(*peerDir); err != nil {
			logger.Error(err, "failed to load peer keyring directory")
		}
	}
	nsCfg := config.NamespaceConfig{
		Name:       *nsName,
		Type:       cfg.Distribution.Mode,
		MountPoint: filepath.Join(*dataDir, "mnt", *nsName),
	}

	ns, err := namespace.Open(masterKey, nsCfg, filepath.Join(*dataDir, *nsName, "meta.db"))
	if err != nil {
		logger.Fatal(err, "failed to open namespace")
	}
	defer ns.Close()

	be := backend.NewMemBackend()

	st := ns.Store
	fetch := func(ctx context.Context, chunkID [32]byte) ([]byte, error) {
		locator, compressed, err := st.ChunkEntry(chunkID)
		if err != nil {
			return nil, err
		}
		blob, err := be.Get(ctx, locator)
		if err != nil {
			return nil, err
		}
		key, err := tgcrypto.DeriveSubkey(masterKey, "chunk-v1:", chunkID[:])
		if err != nil {
			return nil, err
		}
		return chunk.OpenChunk(key, chunkID, chunk.Sealed{Blob: blob, Compressed: compressed})
	}

	cacheOpts := []cache.Option{cache.WithPrefetchWorkers(cfg.Cache.PrefetchCount)}
	if !cfg.Cache.PrefetchEnabled {
		cacheOpts = append(cacheOpts, cache.WithPrefetchDisabled())
	}
	ch, err := cache.New(filepath.Join(*dataDir, *nsName, "cache"), cfg.Cache.MaxSize, fetch, cacheOpts...)
	if err != nil {
		logger.Fatal(err, "failed to open chunk cache")
	}
	defer ch.Close()

	handle := fs.New(st, ch, be, masterKey, ns.TelegramPrefix, cfg.Chunk, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handle.RunRefcountSweeper(ctx, 30*time.Second)
	go snapshot.RunVersioning(ctx, ns, filepath.Join(*dataDir, *nsName, "snapshots"), cfg.Versioning, 5*time.Minute, logger)

	switch cfg.Distribution.Mode {
	case config.ModeDistributed:
		log, err := oplog.Open(filepath.Join(*dataDir, *nsName, "oplog.db"))
		if err != nil {
			logger.Fatal(err, "failed to open operation log")
		}
		defer log.Close()

		clockSt := oplog.NewClockState(id.MachineID, nil)
		applier := oplog.NewApplier(st, cfg.Distribution.Distributed.ConflictResolution, handle.EnqueueSweep, logger, metrics)
		syncer := oplog.NewSyncer(log, be, applier, clockSt, keyring, ns.TelegramPrefix, id.MachineID, logger, metrics)
		dist := fs.NewDistHooks(id.MachineID, priv, clockSt, st, log, logger, metrics)
		handle.Dist = dist

		go runSyncLoop(ctx, syncer, time.Duration(cfg.Distribution.Distributed.SyncIntervalMS)*time.Millisecond, logger)
		go runRetentionLoop(ctx, log, cfg.Distribution.Distributed.OperationLogRetention, logger)

	case config.ModeMasterReplica:
		switch cfg.Distribution.MasterReplica.Role {
		case config.RoleMaster:
			go snapshot.RunMaster(ctx, ns, be, cfg.Distribution.MasterReplica, logger, metrics)
		case config.RoleReplica:
			go snapshot.RunReplica(ctx, ns, be, handle, cfg.Distribution.MasterReplica, logger, metrics)
		}
	}

	go startObservabilityServer(*observAddr, metrics, health, logger)

	logger.Info("tgcryptfsd running; press Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

// runRetentionLoop periodically prunes applied_ops entries older than
// retention (spec.md §3: "retained until confirmed remotely uploaded and
// beyond a configured retention, default 7 days"). It runs on a fixed
// hourly cadence independent of the sync interval: retention is a
// days-scale housekeeping concern, not part of the causal-ordering cycle.
func runRetentionLoop(ctx context.Context, log *oplog.Log, retention time.Duration, logger *observability.Logger) {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := log.PruneApplied(retention)
			if err != nil {
				logger.Error(err, "operation log retention sweep failed")
				continue
			}
			if n > 0 {
				logger.Info(fmt.Sprintf("pruned %d applied operations past retention", n))
			}
		}
	}
}

func runSyncLoop(ctx context.Context, syncer *oplog.Syncer, interval time.Duration, logger *observability.Logger) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := syncer.Run(ctx); err != nil {
				logger.Error(err, "sync cycle failed")
			}
		}
	}
}

const masterSaltFile = "master.salt"

// loadOrCreateMasterKey derives the master key from passphrase and a salt
// persisted under dataDir, generating a fresh salt on first run. Only the
// salt is ever written to disk; the master key itself never is (spec.md
// §3).
func loadOrCreateMasterKey(dataDir string, passphrase []byte, params tgcrypto.KDFParams) (tgcrypto.MasterKey, error) {
	var mk tgcrypto.MasterKey
	saltPath := filepath.Join(dataDir, masterSaltFile)

	salt, err := os.ReadFile(saltPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return mk, fmt.Errorf("read master salt: %w", err)
		}
		salt = make([]byte, tgcrypto.SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return mk, fmt.Errorf("generate master salt: %w", err)
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return mk, fmt.Errorf("create data dir: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return mk, fmt.Errorf("write master salt: %w", err)
		}
	}

	return tgcrypto.DeriveMaster(passphrase, salt, params)
}
