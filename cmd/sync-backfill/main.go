package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/soporte-collab/informes-sub003/config"
	"github.com/soporte-collab/informes-sub003/mergestore"
	"github.com/soporte-collab/informes-sub003/models"
	"github.com/soporte-collab/informes-sub003/possync"
	"github.com/soporte-collab/informes-sub003/reports"
	"github.com/soporte-collab/informes-sub003/upstream"
	"github.com/soporte-collab/informes-sub003/utils"
	"gorm.io/gorm"
)

func main() {
	from := flag.String("from", "", "Optional: start date (YYYY-MM-DD or RFC3339). Defaults to SYNC_LOOKBACK_DAYS before -to.")
	to := flag.String("to", "", "Optional: end date (YYYY-MM-DD or RFC3339). Defaults to now.")
	nodes := flag.String("nodes", "", "Optional: comma separated nodes. Defaults to UPSTREAM_NODES.")
	store := flag.String("store", "", "Optional: collection store override (memory|file|gcs|mysql|redis).")
	runLog := flag.Bool("run-log", false, "Record the run in the database (DB_* env).")
	xlsx := flag.String("xlsx", "", "Optional: after syncing, write the enriched view for the range to this file.")
	flag.Parse()

	ctx := utils.SetCorrelationIdInContext(context.Background(), "backfill")

	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		os.Exit(1)
	}
	if s := strings.TrimSpace(*store); s != "" {
		settings.Collections.Store = strings.ToLower(s)
	}

	var db *gorm.DB
	if *runLog || settings.Collections.Store == "mysql" {
		config.ConnectDatabaseWithRetry()
		db = config.GetDB()
		if db == nil {
			fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
			os.Exit(1)
		}
		if err := models.MigrateTable(db); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	}
	if settings.Collections.Store == "redis" {
		config.ConnectRedisWithRetry()
	}

	merger, err := mergestore.OpenMerger(ctx, settings.Collections)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collection store: %v\n", err)
		os.Exit(1)
	}
	client, err := upstream.NewClient(upstream.OptionsFromSettings(settings.Upstream))
	if err != nil {
		fmt.Fprintf(os.Stderr, "upstream: %v\n", err)
		os.Exit(1)
	}
	service := possync.New(client, merger, db, settings)

	res, err := service.SyncSales(ctx, possync.SyncSalesPayload{
		DateFrom: *from,
		DateTo:   *to,
		Nodes:    utils.SplitAndTrim(*nodes),
	}, models.SyncTriggeredBackfill)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync failed: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))

	if path := strings.TrimSpace(*xlsx); path != "" {
		enriched, err := service.EnrichSales(ctx, possync.EnrichSalesPayload{DateFrom: *from, DateTo: *to})
		if err != nil {
			fmt.Fprintf(os.Stderr, "enrich: %v\n", err)
			os.Exit(1)
		}
		f, err := os.Create(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", path, err)
			os.Exit(1)
		}
		defer f.Close()
		if err := reports.WriteEnrichedSales(f, enriched.Records, enriched.Summary); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "wrote %d enriched records to %s\n", len(enriched.Records), path)
	}
}
