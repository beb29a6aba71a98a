package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/qs3c/license_go_server/config"
	"github.com/qs3c/license_go_server/internal/app"
)

var (
	dryRun    = flag.Bool("dry-run", true, "Dry run mode, only count expired records")
	batchSize = flag.Int("batch-size", 0, "Rows per page (default from config)")
	timeout   = flag.Duration("timeout", 10*time.Minute, "Abort the sweep after this long")
)

func main() {
	flag.Parse()

	log.Println("🧹 Starting expiry sweep...")
	log.Printf("Mode: dry-run=%v", *dryRun)

	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *batchSize > 0 {
		cfg.Sweeper.BatchSize = *batchSize
	}
	a, err := app.New(cfg, app.NewLogger(cfg.Server.Mode))
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	started := time.Now()
	if *dryRun {
		preview, err := a.Sweeper.CountExpired(ctx)
		if err != nil {
			a.Close()
			log.Fatalf("❌ Count failed: %v", err)
		}
		log.Println("\n" + strings.Repeat("=", 60))
		log.Println("📊 Sweep Preview")
		log.Println(strings.Repeat("=", 60))
		log.Printf("Codes to expire: %d", preview.Codes)
		log.Printf("Memberships to expire: %d", preview.Memberships)
		log.Println("\n⚠️  DRY RUN MODE - Nothing was changed")
		log.Println("   Run with -dry-run=false to apply")
		log.Println(strings.Repeat("=", 60))
		return
	}

	result, err := a.Sweeper.SweepExpired(ctx)
	log.Println("\n" + strings.Repeat("=", 60))
	log.Println("📊 Sweep Summary")
	log.Println(strings.Repeat("=", 60))
	if result != nil {
		log.Printf("Codes expired: %d", result.Codes)
		log.Printf("Bindings expired: %d", result.Bindings)
		log.Printf("Memberships expired: %d", result.Memberships)
	}
	log.Printf("Elapsed: %s", time.Since(started).Round(time.Millisecond))
	if err != nil {
		log.Println(strings.Repeat("=", 60))
		a.Close()
		log.Fatalf("❌ Sweep stopped early: %v", err)
	}
	log.Println("\n✅ Sweep completed!")
	log.Println(strings.Repeat("=", 60))
}
