package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/digimosa/upload-sentinel/internal/antivirus"
	"github.com/digimosa/upload-sentinel/internal/audit"
	"github.com/digimosa/upload-sentinel/internal/config"
	"github.com/digimosa/upload-sentinel/internal/models"
	"github.com/digimosa/upload-sentinel/internal/reporting"
	"github.com/digimosa/upload-sentinel/internal/server"
	"github.com/digimosa/upload-sentinel/internal/upload"
)

func main() {
	// Parse CLI flags
	dbPath := flag.String("db", "", "Path to the audit database (default: sentinel.db)")
	scanPath := flag.String("scan", "", "Scan a single file immediately (CLI mode)")
	quarantine := flag.Bool("quarantine", false, "Quarantine the file if the scan is positive")
	reportPath := flag.String("report", "", "Write an audit report (.json or .xlsx)")
	serve := flag.Bool("serve", false, "Start the review/status server")
	port := flag.String("port", "8080", "Port for the review server")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	// Setup configuration
	cfg := config.DefaultConfig()
	cfg.Verbose = *verbose
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	// Initialize the audit store; a failure here degrades audit logging to
	// console-only instead of refusing to run
	fmt.Printf("Initializing audit database at: %s\n", cfg.DBPath)
	store, err := audit.NewStore(cfg.DBPath)
	if err != nil {
		fmt.Printf("[ERROR] Failed to initialize audit database: %v\n", err)
		fmt.Println("Continuing with console-only audit logging")
		store = nil
	}
	logger := audit.NewLogger(store)

	scanner := antivirus.NewScanner(cfg, logger)
	queue := antivirus.NewQueue(scanner, cfg.QueueCapacity)
	defer queue.Close()

	// CLI mode: scan one file and print the verdict
	if *scanPath != "" {
		hash, size, err := upload.HashFile(*scanPath)
		if err != nil {
			fmt.Printf("[ERROR] Cannot read %s: %v\n", *scanPath, err)
			return
		}
		fmt.Printf("Scanning %s (%d bytes, sha256 %s)\n", *scanPath, size, hash)

		start := time.Now()
		result, err := queue.QueueScan(context.Background(), *scanPath, hash, models.ScanOptions{
			QuarantineOnDetection: *quarantine,
			Timeout:               cfg.ScanTimeout,
		})
		if err != nil {
			fmt.Printf("[ERROR] Scan failed: %v\n", err)
			return
		}

		fmt.Printf("\nVerdict: %s (engine: %s, took %s)\n", result.Verdict(), result.ScanEngine, time.Since(start))
		if result.ThreatName != "" {
			fmt.Printf("Threat: %s\n", result.ThreatName)
		}
		if result.Err != "" {
			fmt.Printf("Error: %s\n", result.Err)
		}
	}

	// Report mode: export the audit trail
	if *reportPath != "" {
		if store == nil {
			fmt.Println("[ERROR] Cannot build a report without the audit database")
			return
		}
		report, err := reporting.BuildReport(store, 1000)
		if err != nil {
			fmt.Printf("[ERROR] Building report: %v\n", err)
			return
		}
		if strings.HasSuffix(*reportPath, ".xlsx") {
			err = report.SaveXLSX(*reportPath)
		} else {
			err = report.SaveJSON(*reportPath)
		}
		if err != nil {
			fmt.Printf("[ERROR] Saving report: %v\n", err)
			return
		}
		fmt.Printf("Report saved to: %s\n", *reportPath)
	}

	// Server mode: status queries against the audit trail
	if *serve {
		if store == nil {
			fmt.Println("[ERROR] Cannot serve without the audit database")
			return
		}
		files := upload.NewContentStore(cfg.StorageRoot)
		srv := server.NewServer(store, queue, files)
		addr := fmt.Sprintf("0.0.0.0:%s", *port)
		fmt.Printf("\n[SERVER] Starting review server at http://localhost:%s\n", *port)
		fmt.Println("Press Ctrl+C to stop")
		if err := srv.Start(addr); err != nil {
			fmt.Printf("Server error: %v\n", err)
		}
	} else if *scanPath == "" && *reportPath == "" {
		fmt.Println("No action specified.")
		fmt.Println("Use -scan <file> to scan a file immediately.")
		fmt.Println("Use -report <file> to export the audit trail.")
		fmt.Println("Use -serve to start the review server.")
		flag.PrintDefaults()
	}
}
