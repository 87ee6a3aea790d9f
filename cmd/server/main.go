package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"walletmux/internal/logging"
	"walletmux/internal/mux"
	"walletmux/internal/snapshot"
	"walletmux/internal/store"
	"walletmux/internal/transport"
	"walletmux/internal/wallet"
)

func formatMsat(msat int64) string {
	if msat < 1000 {
		return fmt.Sprintf("%d msat", msat)
	}
	return fmt.Sprintf("%d sats", msat/1000)
}

func printStats(st *store.SQLiteStore) {
	ctx := context.Background()
	stats, err := st.GetStats(ctx)
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║           WalletMux Statistics           ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Clients:         %-22d║\n", stats.Clients)
	fmt.Printf("║  Total Balance:   %-22s║\n", formatMsat(stats.TotalBalanceMsat))
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Pending Invoices:%-22d║\n", stats.PendingInvoices)
	fmt.Printf("║  ├─ Amount:       %-22s║\n", formatMsat(stats.PendingMsat))
	fmt.Printf("║  └─ Expired:      %-22d║\n", stats.ExpiredPending)
	fmt.Println("╚══════════════════════════════════════════╝")
}

func main() {
	dbPath := flag.String("db", "walletmux.db", "SQLite database path")
	natsURL := flag.String("nats", "", "NATS server URL (default nats://127.0.0.1:4222)")
	servicePubkey := flag.String("pubkey", "", "Service identity; defaults to the upstream wallet pubkey")
	webhookAddr := flag.String("webhook-addr", ":8090", "HTTP listen address for wallet webhooks")
	snapshotDir := flag.String("snapshot-dir", "", "Local directory for ledger snapshots (B2 env vars take precedence)")
	snapshotEvery := flag.Duration("snapshot-every", 6*time.Hour, "Interval between ledger snapshots")
	showStats := flag.Bool("stats", false, "Show ledger statistics and exit")
	flag.Parse()

	// Initialize store
	st, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	// Show stats and exit if requested
	if *showStats {
		printStats(st)
		return
	}

	// Initialize upstream wallet - use Alby HTTP API if configured, otherwise mock
	var walletClient wallet.Client
	var albyClient *wallet.AlbyHTTPClient
	albyToken := os.Getenv("ALBY_TOKEN")
	albyWebhookSecret := os.Getenv("ALBY_WEBHOOK_SECRET")
	if albyToken != "" && albyWebhookSecret != "" {
		albyClient, err = wallet.NewAlbyHTTPClient(wallet.AlbyConfig{
			AccessToken:   albyToken,
			WebhookSecret: albyWebhookSecret,
		})
		if err != nil {
			logging.Internal.Fatalf("failed to connect to Alby wallet: %v", err)
		}
		walletClient = albyClient
		logging.Internal.Println("connected to Lightning wallet via Alby HTTP API")
	} else if albyToken != "" {
		logging.Internal.Fatalf("ALBY_TOKEN is set but ALBY_WEBHOOK_SECRET is missing (see README for webhook setup)")
	} else {
		mock := wallet.NewMockClient()
		mock.AutoSettleAfter = 20 * time.Second
		walletClient = mock
		logging.Internal.Println("using mock wallet (set ALBY_TOKEN and ALBY_WEBHOOK_SECRET for real payments)")
	}
	defer walletClient.Close()

	// Wait for the upstream wallet to be ready and resolve our own identity
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	info, err := walletClient.GetInfo(ctx)
	if err != nil {
		logging.Internal.Fatalf("upstream wallet not ready: %v", err)
	}
	identity := *servicePubkey
	if identity == "" {
		identity = info.Pubkey
	}
	if identity == "" {
		logging.Internal.Fatalf("no service identity: pass -pubkey or use a wallet that reports one")
	}
	logging.Internal.Printf("service identity %s (upstream %q on %s)", identity, info.Alias, info.Network)

	// Establish the single inbound subscription over NATS
	tp, err := transport.NewNATSTransport(transport.NATSOptions{
		URL:           *natsURL,
		ServicePubkey: identity,
	})
	if err != nil {
		logging.Internal.Fatalf("failed to connect to NATS: %v", err)
	}

	router := mux.NewRouter(st, walletClient, tp, mux.DefaultRouterConfig())
	if err := router.Start(ctx); err != nil {
		logging.Internal.Fatalf("failed to start router: %v", err)
	}

	// Wire up the Alby webhook listener if configured
	var webhookServer *http.Server
	if albyClient != nil {
		handler := http.NewServeMux()
		handler.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
			if err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if err := albyClient.HandleWebhook(body, r.Header); err != nil {
				logging.Wallet.Printf("webhook rejected: %v", err)
				http.Error(w, "rejected", http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		webhookServer = &http.Server{Addr: *webhookAddr, Handler: handler}
		go func() {
			logging.Internal.Printf("webhook listener on %s", *webhookAddr)
			if err := webhookServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Internal.Fatalf("webhook server error: %v", err)
			}
		}()
	}

	// Ledger snapshots - use B2 if configured, otherwise local directory
	var uploader snapshot.Uploader
	b2Bucket := os.Getenv("B2_BUCKET")
	if b2Bucket != "" {
		uploader, err = snapshot.NewB2Uploader(snapshot.B2Config{
			KeyID:  os.Getenv("B2_KEY_ID"),
			AppKey: os.Getenv("B2_APP_KEY"),
			Bucket: b2Bucket,
			Prefix: os.Getenv("B2_PREFIX"),
		})
		if err != nil {
			logging.Internal.Fatalf("failed to initialize B2 snapshots: %v", err)
		}
		logging.Internal.Printf("ledger snapshots to Backblaze B2 (bucket: %s)", b2Bucket)
	} else if *snapshotDir != "" {
		uploader, err = snapshot.NewFSUploader(*snapshotDir)
		if err != nil {
			logging.Internal.Fatalf("failed to initialize snapshots: %v", err)
		}
		logging.Internal.Printf("ledger snapshots to %s", *snapshotDir)
	}
	if uploader != nil {
		go snapshot.NewService(uploader, *dbPath, *snapshotEvery).Run(ctx)
	}

	logging.Internal.Println("walletmux running")

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Internal.Println("shutting down...")

	if webhookServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := webhookServer.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("webhook shutdown error: %v", err)
		}
		shutdownCancel()
	}

	router.Stop()
	cancel()
}
