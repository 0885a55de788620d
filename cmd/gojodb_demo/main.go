// Command gojodb_demo exercises the storage core end to end: a parallel
// buffer pool backed by a disk file, an extendible hash index built on
// top of it, and the row-level lock manager guarding concurrent access —
// without any network-facing client, per the storage core's scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/arvindks/gojodb/config"
	"github.com/arvindks/gojodb/core/index/hash"
	"github.com/arvindks/gojodb/core/lockmgr"
	"github.com/arvindks/gojodb/core/storage/buffer"
	"github.com/arvindks/gojodb/core/storage/disk"
	"github.com/arvindks/gojodb/core/txn"
	"github.com/arvindks/gojodb/core/wal"
	"github.com/arvindks/gojodb/pkg/logger"
	"github.com/arvindks/gojodb/pkg/observability"
	"github.com/arvindks/gojodb/pkg/telemetry"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults built in if omitted)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("gojodb_demo: %v", err)
		}
		cfg = loaded
	}

	zapLog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("gojodb_demo: logger: %v", err)
	}
	defer zapLog.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zapLog.Fatal("telemetry setup failed", zap.Error(err))
	}
	ctx := context.Background()
	defer shutdownTelemetry(ctx)

	if err := run(ctx, cfg, zapLog, tel); err != nil {
		zapLog.Fatal("gojodb_demo failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, zapLog *zap.Logger, tel *telemetry.Telemetry) error {
	defer os.Remove(cfg.DataFile)

	diskMgr, err := disk.NewManager(cfg.DataFile, zapLog)
	if err != nil {
		return fmt.Errorf("disk manager: %w", err)
	}
	defer diskMgr.Shutdown()

	logMgr := wal.New(wal.DiscardSink{}, zapLog)

	bpMetrics, err := observability.NewBufferPoolMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("buffer pool metrics: %w", err)
	}
	pool, err := buffer.NewParallel(cfg.PoolSize, cfg.NumInstances, diskMgr, logMgr, zapLog, tel.Tracer, bpMetrics)
	if err != nil {
		return fmt.Errorf("buffer pool: %w", err)
	}
	defer pool.FlushAllPages(ctx)

	hashMetrics, err := observability.NewHashIndexMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("hash index metrics: %w", err)
	}
	index, err := hash.New[uint64, txn.RowID](ctx, pool, hash.Uint64Codec{}, hash.RowIDCodec{}, hash.Options[uint64]{
		Log:     logMgr,
		Logger:  zapLog,
		Tracer:  tel.Tracer,
		Metrics: hashMetrics,
	})
	if err != nil {
		return fmt.Errorf("hash index: %w", err)
	}

	lockMetrics, err := observability.NewLockManagerMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("lock manager metrics: %w", err)
	}
	txns := txn.NewManager()
	locks := lockmgr.New(txns, zapLog, lockMetrics)

	t := txns.Begin(txn.RepeatableRead)
	defer txns.Commit(t)

	const rowCount = 2000
	for i := uint64(0); i < rowCount; i++ {
		row := txn.RowID{PageID: int32(i / 64), Slot: uint32(i % 64)}
		if err := locks.LockExclusive(ctx, t, row); err != nil {
			return fmt.Errorf("lock row %d: %w", i, err)
		}
		if _, err := index.Insert(ctx, i, row); err != nil {
			return fmt.Errorf("insert key %d: %w", i, err)
		}
	}

	depth, err := index.GlobalDepth(ctx)
	if err != nil {
		return fmt.Errorf("global depth: %w", err)
	}
	zapLog.Info("populated hash index",
		zap.Int("rows", rowCount),
		zap.Uint32("global_depth", depth))

	for i := uint64(0); i < rowCount; i += 7 {
		values, err := index.GetValue(ctx, i)
		if err != nil {
			return fmt.Errorf("lookup key %d: %w", i, err)
		}
		if len(values) != 1 {
			return fmt.Errorf("lookup key %d: expected 1 value, got %d", i, len(values))
		}
	}

	for i := uint64(0); i < rowCount; i += 3 {
		row := txn.RowID{PageID: int32(i / 64), Slot: uint32(i % 64)}
		removed, err := index.Remove(ctx, i, row)
		if err != nil {
			return fmt.Errorf("remove key %d: %w", i, err)
		}
		if !removed {
			return fmt.Errorf("remove key %d: not found", i)
		}
	}

	depth, err = index.GlobalDepth(ctx)
	if err != nil {
		return fmt.Errorf("global depth after removal: %w", err)
	}
	zapLog.Info("removed a third of the rows", zap.Uint32("global_depth", depth))

	report, err := index.VerifyIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("verify integrity: %w", err)
	}
	if !report.OK() {
		return fmt.Errorf("integrity violations after removal: %v", report.Violations)
	}
	zapLog.Info("verified index integrity",
		zap.Int("bucket_count", report.BucketCount),
		zap.Int("size", report.Size))

	return nil
}
