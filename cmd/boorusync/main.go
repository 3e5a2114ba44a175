package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"boorusync/internal/bus"
	"boorusync/internal/config"
	"boorusync/internal/engine"
	"boorusync/internal/metrics"
	"boorusync/internal/model"
	"boorusync/internal/notice"
	"boorusync/internal/pclient"
	"boorusync/internal/storage"
)

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "init":
		cmdInit()
	case "run":
		cmdRun()
	case "feed":
		cmdFeed()
	case "pools":
		cmdPools()
	case "status":
		cmdStatus()
	default:
		printHelp()
	}
}

func printHelp() {
	fmt.Println("Usage: boorusync <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init    Create a config file at ./boorusync.yaml")
	fmt.Println("  run     Run the synchronization loops")
	fmt.Println("  feed    Observe/upload timeline items from a JSONL stream")
	fmt.Println("  pools   List server pools or select one for auto-assignment")
	fmt.Println("  status  Show tracked uploads and failed pool adds")
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", "./boorusync.yaml", "path to write config")
	_ = fs.Parse(os.Args[2:])
	cfg := config.Default()
	if err := config.Save(*path, cfg); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	abs, _ := filepath.Abs(*path)
	fmt.Println("Config written to:", abs)
}

func mustOpen(cfgPath string) (config.Config, *storage.DB, *pclient.HTTPClient) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	return cfg, db, pclient.NewHTTPClient(cfg.Server.URL)
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./boorusync.yaml", "config path")
	_ = fs.Parse(os.Args[2:])
	cfg, db, client := mustOpen(*cfgPath)
	defer db.Close()
	metrics.StartServer(cfg.Metrics.Addr)

	e := engine.New(cfg, db, client, bus.NewHub(), notice.LogNotifier{})
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := e.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func cmdFeed() {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	cfgPath := fs.String("config", "./boorusync.yaml", "config path")
	input := fs.String("input", "-", "JSONL file of timeline items, - for stdin")
	upload := fs.Bool("upload", false, "submit each item as an upload")
	force := fs.Bool("force", false, "force uploads past the duplicate check")
	wait := fs.Duration("wait", 10*time.Second, "how long to keep reconciling after the feed ends")
	_ = fs.Parse(os.Args[2:])
	cfg, db, client := mustOpen(*cfgPath)
	defer db.Close()

	e := engine.New(cfg, db, client, bus.NewHub(), notice.LogNotifier{})
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	in := os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Println("error:", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item model.TimelineItem
		if err := json.Unmarshal(line, &item); err != nil {
			fmt.Println("skipping bad line:", err)
			continue
		}
		assoc, err := e.Observe(ctx, item)
		if err != nil {
			fmt.Println("observe error:", err)
			continue
		}
		fmt.Printf("%s uploads=%v posts=%v illusts=%v artists=%v\n", item.Key,
			assoc[model.EntityUpload], assoc[model.EntityPost],
			assoc[model.EntityIllust], assoc[model.EntityArtist])
		if *upload {
			rec, err := e.Upload(ctx, item, *force)
			if err != nil {
				fmt.Println("upload error:", err)
				continue
			}
			fmt.Printf("upload #%d submitted for %s\n", rec.ID, item.Key)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Println("error:", err)
	}

	// Let the reconcile loop drain in-flight uploads before shutting down.
	select {
	case <-time.After(*wait):
		cancel()
		<-done
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			fmt.Println("error:", err)
		}
	}
}

func cmdPools() {
	fs := flag.NewFlagSet("pools", flag.ExitOnError)
	cfgPath := fs.String("config", "./boorusync.yaml", "config path")
	limit := fs.Int("limit", 20, "pools to list")
	selectID := fs.Int("select", 0, "pool id to make current (0 lists only)")
	clear := fs.Bool("clear", false, "clear the current pool selection")
	_ = fs.Parse(os.Args[2:])
	cfg, db, client := mustOpen(*cfgPath)
	defer db.Close()

	e := engine.New(cfg, db, client, bus.NewHub(), notice.LogNotifier{})
	defer e.Close()
	ctx := context.Background()

	if *clear {
		if err := e.Pool.Select(ctx, nil); err != nil {
			fmt.Println("error:", err)
			os.Exit(1)
		}
		fmt.Println("Pool selection cleared")
		return
	}
	pools, err := client.GetPools(ctx, *limit)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	if *selectID != 0 {
		for _, p := range pools {
			if p.ID == *selectID {
				if err := e.Pool.Select(ctx, &p); err != nil {
					fmt.Println("error:", err)
					os.Exit(1)
				}
				fmt.Printf("Selected pool #%d %q (%d elements)\n", p.ID, p.Name, p.ElementCount)
				return
			}
		}
		fmt.Println("error: no pool with id", *selectID)
		os.Exit(1)
	}
	current, _ := e.Pool.Current(ctx)
	for _, p := range pools {
		marker := " "
		if current != nil && current.ID == p.ID {
			marker = "*"
		}
		fmt.Printf("%s #%d %s (%d elements)\n", marker, p.ID, p.Name, p.ElementCount)
	}
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", "./boorusync.yaml", "config path")
	_ = fs.Parse(os.Args[2:])
	cfg, db, _ := mustOpen(*cfgPath)
	defer db.Close()
	ctx := context.Background()

	raw, err := db.Get(ctx, storage.DatabaseLocal, "pending-uploads")
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	var records []model.UploadRecord
	if raw != nil {
		_ = json.Unmarshal(raw, &records)
	}
	fmt.Printf("Tracked uploads: %d (server %s, site %d)\n", len(records), cfg.Server.URL, cfg.Server.SiteID)
	for _, rec := range records {
		pool := "-"
		if rec.PoolID != nil {
			pool = fmt.Sprintf("#%d", *rec.PoolID)
		}
		fmt.Printf("  #%d %-10s tweet=%s posts=%v illusts=%v pool=%s\n",
			rec.ID, rec.Status, rec.ItemKey, rec.Posts, rec.Illusts, pool)
	}

	raw, err = db.Get(ctx, storage.DatabaseLocal, "failed-pool-adds")
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	var failed []model.TimelineItemKey
	if raw != nil {
		_ = json.Unmarshal(raw, &failed)
	}
	if len(failed) > 0 {
		fmt.Printf("Failed pool adds: %d\n", len(failed))
		for _, key := range failed {
			fmt.Println("  tweet", key)
		}
	}
}
