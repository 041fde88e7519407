package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/inboundq/internal/config"
	"github.com/nextlevelbuilder/inboundq/internal/store"
	"github.com/nextlevelbuilder/inboundq/migrations"
	"github.com/nextlevelbuilder/inboundq/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	var showConfig bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, backend connectivity and schema",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(showConfig)
		},
	}
	cmd.Flags().BoolVar(&showConfig, "show-config", false, "print the effective config with secrets masked")
	return cmd
}

func runDoctor(showConfig bool) {
	fmt.Println("inboundq doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(config.ExpandHome(cfgPath)); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
		return
	}
	if showConfig {
		b, _ := json.MarshalIndent(cfg.MaskedCopy(), "  ", "  ")
		fmt.Printf("  %s\n", b)
	}

	fmt.Println()
	fmt.Println("  Debounce:")
	fmt.Printf("    %-14s %s\n", "Delay:", cfg.Debounce.Delay())
	fmt.Printf("    %-14s %s\n", "Residual:", orDefault(cfg.Debounce.ResidualPolicy, "probe"))
	fmt.Printf("    %-14s %s\n", "Dispatch t/o:", cfg.DispatchTimeout())
	fmt.Printf("    %-14s %d\n", "Concurrency:", cfg.Worker.Concurrency)

	fmt.Println()
	fmt.Println("  Dispatch:")
	switch {
	case cfg.Dispatch.Mode == "log" || (cfg.Dispatch.Mode == "" && cfg.Dispatch.URL == ""):
		fmt.Printf("    %-14s log only (no downstream pipeline)\n", "Mode:")
	default:
		fmt.Printf("    %-14s http\n", "Mode:")
		fmt.Printf("    %-14s %s\n", "URL:", cfg.Dispatch.URL)
		checkSecret("Token:", cfg.Dispatch.Token)
	}

	if cfg.Database.PostgresDSN != "" {
		fmt.Println()
		fmt.Println("  Database:")
		checkPostgres(cfg.Database.PostgresDSN)
	}

	fmt.Println()
	fmt.Println("  Stores:")
	fmt.Printf("    %-14s %s\n", "Buffer:", cfg.Buffer.Backend)
	fmt.Printf("    %-14s %s\n", "Queue:", cfg.Queue.Backend)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stores, err := openStores(ctx, cfg)
	if err != nil {
		fmt.Printf("    %-14s CONNECT FAILED (%s)\n", "Status:", err)
	} else {
		defer stores.Close()
		checkStores(ctx, stores)
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-14s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	checkSecret("Token:", cfg.Gateway.Token)
	if cfg.Gateway.RateLimitRPM > 0 {
		fmt.Printf("    %-14s %d rpm per client\n", "Rate limit:", cfg.Gateway.RateLimitRPM)
	} else {
		fmt.Printf("    %-14s disabled\n", "Rate limit:")
	}

	fmt.Println()
	fmt.Println("  Telemetry:")
	if cfg.Telemetry.Enabled {
		fmt.Printf("    %-14s %s (%s)\n", "OTLP:", orDefault(cfg.Telemetry.Endpoint, "default endpoint"), orDefault(cfg.Telemetry.Protocol, "grpc"))
	} else {
		fmt.Printf("    %-14s disabled\n", "OTLP:")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkPostgres(dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-14s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-14s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-14s connected\n", "Status:")

	required, err := migrations.Latest(migrations.Postgres)
	if err != nil {
		fmt.Printf("    %-14s %s\n", "Schema:", err)
		return
	}
	var (
		version uint
		dirty   bool
	)
	err = db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	switch {
	case err != nil:
		fmt.Printf("    %-14s NOT MIGRATED (run: inboundq migrate up)\n", "Schema:")
	case dirty:
		fmt.Printf("    %-14s v%d (DIRTY, run: inboundq migrate force %d)\n", "Schema:", version, version-1)
	case version < required:
		fmt.Printf("    %-14s v%d (upgrade needed, run: inboundq migrate up)\n", "Schema:", version)
	case version > required:
		fmt.Printf("    %-14s v%d (binary too old, requires v%d)\n", "Schema:", version, required)
	default:
		fmt.Printf("    %-14s v%d (up to date)\n", "Schema:", version)
	}
}

func checkStores(ctx context.Context, stores *store.Stores) {
	if _, err := stores.Buffers.Size(ctx, "inboundq:doctor"); err != nil {
		fmt.Printf("    %-14s FAILED (%s)\n", "Buffer check:", err)
	} else {
		fmt.Printf("    %-14s OK\n", "Buffer check:")
	}
	if lister, ok := stores.Buffers.(store.BufferKeyLister); ok {
		if keys, err := lister.ListKeys(ctx, 1000); err == nil {
			fmt.Printf("    %-14s %d\n", "Open buffers:", len(keys))
		}
	}

	var (
		counts map[string]int
		err    error
	)
	switch q := stores.Jobs.(type) {
	case interface {
		StatusCounts(context.Context) (map[string]int, error)
	}:
		counts, err = q.StatusCounts(ctx)
	case interface {
		Depths(context.Context) (map[string]int, error)
	}:
		counts, err = q.Depths(ctx)
	default:
		if stores.Admin != nil {
			counts, err = countByStatus(ctx, stores.Admin)
		}
	}
	if err != nil {
		fmt.Printf("    %-14s FAILED (%s)\n", "Jobs:", err)
		return
	}
	names := make([]string, 0, len(counts))
	for k := range counts {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Printf("    %-14s %d\n", k+":", counts[k])
	}
}

func countByStatus(ctx context.Context, admin store.JobAdmin) (map[string]int, error) {
	jobs, err := admin.ListJobs(ctx, nil, 10000)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, j := range jobs {
		out[j.Status]++
	}
	return out, nil
}

func checkSecret(label, v string) {
	if v == "" {
		fmt.Printf("    %-14s (not configured)\n", label)
		return
	}
	fmt.Printf("    %-14s configured\n", label)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
