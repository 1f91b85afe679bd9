package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sushant-115/pagekv/core/indexmanager"
	"github.com/sushant-115/pagekv/pkg/logger"
	"github.com/sushant-115/pagekv/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	dataDir    = flag.String("dir", "/tmp/pagekv", "Directory for the benchmark store")
	keys       = flag.Int("keys", 20000, "Number of keys to write and read back")
	writers    = flag.Int("writers", 20, "Concurrent writers")
	readers    = flag.Int("readers", 10, "Concurrent readers")
	cacheSize  = flag.Int("cache_size", 256, "Pager cache size in pages")
	syncEvery  = flag.Int("sync_every", 1000, "Sync after this many writes; 0 disables")
	promPort   = flag.Int("prometheus_port", 0, "Serve /metrics on this port while running")
	encryptPwd = flag.String("password", "", "Encrypt the store with this password")
)

func main() {
	flag.Parse()
	zlogger, _ := logger.New(logger.Config{Level: "info", Format: "console"})
	defer zlogger.Sync()

	tel, shutdown, err := telemetry.New(telemetry.Config{Enabled: *promPort != 0, PrometheusPort: *promPort})
	if err != nil {
		zlogger.Fatal("failed to set up telemetry", zap.Error(err))
	}
	defer shutdown(context.Background())

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		zlogger.Fatal("failed to create data dir", zap.Error(err))
	}
	dbPath := filepath.Join(*dataDir, "bench-"+strconv.FormatInt(time.Now().UnixNano(), 36)+".db")
	defer os.Remove(dbPath)

	index, err := indexmanager.OpenBTreeIndexManager(indexmanager.Options{
		Path:            dbPath,
		Password:        *encryptPwd,
		CacheSize:       *cacheSize,
		CreateIfMissing: true,
		Logger:          zlogger.Named("btree_index"),
	}, tel)
	if err != nil {
		zlogger.Fatal("failed to open store", zap.Error(err))
	}

	ctx := context.Background()
	write(ctx, index, zlogger)
	read(ctx, index, zlogger)

	if err := index.Check(ctx); err != nil {
		zlogger.Error("structure check failed", zap.Error(err))
	}
	st := index.Stats()
	zlogger.Info("pager stats",
		zap.Uint64("entries", index.Len()),
		zap.Uint64("hits", st.Hits),
		zap.Uint64("misses", st.Misses),
		zap.Uint64("evictions", st.Evictions),
		zap.Uint64("fsyncs", st.Fsyncs),
		zap.Uint64("pages_written", st.PagesWritten),
	)
	if err := index.Close(); err != nil {
		zlogger.Error("failed to close store", zap.Error(err))
	}
}

func key(i int) string   { return "key-" + strconv.Itoa(i) }
func value(i int) string { return "value-" + strconv.Itoa(i) }

func write(ctx context.Context, index indexmanager.IndexManager, log *zap.Logger) {
	var wg sync.WaitGroup
	var failures, written atomic.Int64
	sem := make(chan struct{}, *writers)
	start := time.Now()
	for i := 0; i < *keys; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := index.Put(ctx, key(i), []byte(value(i))); err != nil {
				failures.Add(1)
				log.Warn("write failed", zap.String("key", key(i)), zap.Error(err))
				return
			}
			if n := written.Add(1); *syncEvery > 0 && n%int64(*syncEvery) == 0 {
				if err := index.Sync(ctx); err != nil {
					log.Warn("sync failed", zap.Error(err))
				}
			}
		}()
	}
	wg.Wait()
	if err := index.Sync(ctx); err != nil {
		log.Warn("final sync failed", zap.Error(err))
	}
	report(log, "write", start, *keys, failures.Load())
}

func read(ctx context.Context, index indexmanager.IndexManager, log *zap.Logger) {
	var wg sync.WaitGroup
	var failures atomic.Int64
	sem := make(chan struct{}, *readers)
	start := time.Now()
	for i := 0; i < *keys; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			v, found, err := index.Get(ctx, key(i))
			switch {
			case err != nil:
				log.Warn("read failed", zap.String("key", key(i)), zap.Error(err))
			case !found:
				log.Warn("key not found", zap.String("key", key(i)))
			case string(v) != value(i):
				log.Warn("value mismatch", zap.String("key", key(i)))
			default:
				return
			}
			failures.Add(1)
		}()
	}
	wg.Wait()
	report(log, "read", start, *keys, failures.Load())
}

func report(log *zap.Logger, phase string, start time.Time, ops int, failures int64) {
	elapsed := time.Since(start)
	log.Info("phase complete",
		zap.String("phase", phase),
		zap.Int("ops", ops),
		zap.Int64("failures", failures),
		zap.Duration("elapsed", elapsed),
		zap.Float64("ops_per_sec", float64(ops)/elapsed.Seconds()),
	)
}
