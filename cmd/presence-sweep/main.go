// 一次性心跳巡检工具
// 对共享存储执行一轮静默用户清理，适合在节点全量下线后修复残留状态
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"collab-core/internal/core/store/redisstore"
	"collab-core/internal/liveness"
	"collab-core/internal/presence"
)

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "Redis server address")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisDB := flag.Int("redis-db", 0, "Redis database number")
	keyPrefix := flag.String("key-prefix", "presence:", "Presence key prefix")
	staleAfter := flag.Duration("stale-after", liveness.DefaultStaleAfter, "Heartbeat silence threshold")
	dryRun := flag.Bool("dry-run", true, "List stale users without cleaning (default: true)")
	flag.Parse()

	fmt.Println("=== Presence Sweep Tool ===")
	fmt.Printf("Redis: %s (db %d)\n", *redisAddr, *redisDB)
	fmt.Printf("Stale after: %s\n", *staleAfter)
	fmt.Printf("Dry run: %v\n", *dryRun)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	backend, err := redisstore.New(ctx, &redisstore.Config{
		Addr:     *redisAddr,
		Password: *redisPassword,
		DB:       *redisDB,
	}, *keyPrefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect redis: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	idx := presence.NewIndex(backend, presence.Options{})

	heartbeats, err := idx.ListAllHeartbeats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list heartbeats: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Found %d live heartbeat records\n", len(heartbeats))

	cutoff := time.Now().Add(-*staleAfter).UnixMilli()
	stale := 0
	for userID, lastMs := range heartbeats {
		if lastMs >= cutoff {
			continue
		}
		stale++
		age := time.Duration(time.Now().UnixMilli()-lastMs) * time.Millisecond
		if *dryRun {
			fmt.Printf("  would sweep user %s (silent for %s)\n", userID, age.Round(time.Second))
			continue
		}
		if err := idx.CleanupUser(ctx, userID); err != nil {
			fmt.Fprintf(os.Stderr, "  sweep user %s failed: %v\n", userID, err)
			continue
		}
		fmt.Printf("  swept user %s (silent for %s)\n", userID, age.Round(time.Second))
	}

	fmt.Println()
	if *dryRun {
		fmt.Printf("Dry run complete: %d stale users found. Re-run with -dry-run=false to clean.\n", stale)
	} else {
		fmt.Printf("Sweep complete: %d stale users cleaned.\n", stale)
	}
}
