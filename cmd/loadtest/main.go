package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewandler/mcring-go/core/cluster"
	"github.com/codewandler/mcring-go/core/perkey"
	"github.com/codewandler/mcring-go/core/serde"
)

// === Config ===

// NOTE: run nodes:
//   docker run --net=host memcached:1.6-alpine -p 11211
//   docker run --net=host memcached:1.6-alpine -p 11212

var (
	logLevel   = slog.LevelInfo
	N          = getEnvInt("N", 50_000)
	batchSize  = getEnvInt("B", 1_000)
	keySpace   = getEnvInt("KEYS", 10_000)
	valueSize  = getEnvInt("VALUE_SIZE", 128)
	writeEvery = getEnvInt("WRITE_EVERY", 5)
	casWorkers = getEnvInt("CAS_WORKERS", 8)
	casOps     = getEnvInt("CAS_OPS", 5_000)
	casKeys    = getEnvInt("CAS_KEYS", 16)
	nodeList   = getEnv("NODES", "127.0.0.1:11211")
	keyPrefix  = getEnv("PREFIX", "loadtest:")
	coalesce   = getEnvBool("COALESCE", true)
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "0")
	if v == "" {
		return fallback
	}
	if v == "1" || strings.ToLower(v) == "true" {
		return true
	}
	return false
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	fmt.Printf("   Nodes: %s\n", nodeList)
	fmt.Printf("Coalesce: %s\n", strconv.FormatBool(coalesce))

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	var nodes []cluster.Node
	for _, addr := range strings.Split(nodeList, ",") {
		nodes = append(nodes, cluster.Node{Addr: strings.TrimSpace(addr)})
	}

	r, err := cluster.NewRouter(cluster.RouterOptions{
		Log:       log,
		Nodes:     nodes,
		KeyPrefix: keyPrefix,
		Serde:     serde.Options{DecodeResponses: true},
		Retry: cluster.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     10 * time.Millisecond,
			MaxBackoff:  250 * time.Millisecond,
		},
		Health: cluster.HealthOptions{
			MaxFailures: 5,
			DeadTimeout: 5 * time.Second,
		},
		CoalesceReads: coalesce,
	})
	checkErr(err)
	defer r.Close()

	checkErr(r.Ping(ctx))
	versions, err := r.Version(ctx)
	checkErr(err)
	for addr, v := range versions {
		log.Info("node ready", slog.String("addr", addr), slog.String("version", v))
	}

	// === START ===

	log.Info("==================================")
	log.Info("Starting ...")

	startAt := time.Now()
	lastTime := time.Now()

	payload := strings.Repeat("x", valueSize)

	var misses int
	for i := 0; i < N; i++ {
		key := fmt.Sprintf("k-%d", i%keySpace)
		if i%writeEvery == 0 {
			checkErr(r.Set(ctx, key, payload, time.Hour))
		} else {
			v, err := r.Get(ctx, key)
			checkErr(err)
			if v.IsNil() {
				misses++
			}
		}

		if i == 0 {
			continue
		}
		if i%100 == 0 {
			print(".")
		}
		if i%batchSize == 0 {
			mu := getMemUsage()

			n := time.Now()
			took := n.Sub(lastTime)
			fmt.Printf(" | %5d ops | %6d ms |  %6d ops/s | (%d / %d) MiB mem (sys) |\n", batchSize, took.Milliseconds(), int(float64(batchSize)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024)
			lastTime = n
		}
	}
	sweepTook := time.Since(startAt)

	// === contended counters ===
	// Parallel workers bump a small set of counters with gets/cas loops.
	// The scheduler serializes same-key work locally, so writers do not
	// burn cas retries against their own neighbors.

	println("")
	log.Info("CAS phase ...")

	casStart := time.Now()
	sched := perkey.New[string]()
	defer sched.Close()

	var conflicts atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < casWorkers; w++ {
		g.Go(func() error {
			for i := 0; i < casOps/casWorkers; i++ {
				key := fmt.Sprintf("counter-%d", i%casKeys)
				if err := sched.DoContext(gctx, key, func() error {
					return casIncrement(gctx, r, key, &conflicts)
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	checkErr(g.Wait())
	casTook := time.Since(casStart)

	performed := casOps / casWorkers * casWorkers

	counters := make([]string, casKeys)
	for i := range counters {
		counters[i] = fmt.Sprintf("counter-%d", i)
	}
	got, err := r.GetMany(ctx, counters)
	checkErr(err)
	var total int64
	for _, v := range got {
		total += v.Int()
	}

	// === stats ===
	println("")
	println("==========================================")

	runtime.GC()

	fmt.Printf("  sweep runtime: %.3f seconds\n", sweepTook.Seconds())
	fmt.Printf("    sweep ops/s: %d\n", int(float64(N)/sweepTook.Seconds()))
	fmt.Printf("   sweep misses: %d\n", misses)
	fmt.Printf("    cas runtime: %.3f seconds\n", casTook.Seconds())
	fmt.Printf("      cas ops/s: %d\n", int(float64(performed)/casTook.Seconds()))
	fmt.Printf("  cas conflicts: %d\n", conflicts.Load())
	fmt.Printf("    counter sum: %d (want %d)\n", total, performed)
	if total != int64(performed) {
		panic("counter sum mismatch")
	}
}

// casIncrement bumps one counter with a gets/cas loop, creating it on first
// touch.
func casIncrement(ctx context.Context, r *cluster.Router, key string, conflicts *atomic.Int64) error {
	for {
		v, cas, err := r.Gets(ctx, key)
		if err != nil {
			return err
		}
		if v.IsNil() {
			stored, err := r.Add(ctx, key, int64(1), time.Hour)
			if err != nil {
				return err
			}
			if stored {
				return nil
			}
			conflicts.Add(1)
			continue
		}
		swapped, err := r.CAS(ctx, key, v.Int()+1, time.Hour, cas)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
		conflicts.Add(1)
	}
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// === Helpers ===

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
