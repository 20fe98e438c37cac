package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/config"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/crypto"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/escrow"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/ledger"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/observability/logging"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/recon"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/storage"
)

type reconReport struct {
	Start     string         `json:"start"`
	End       string         `json:"end"`
	Rows      int            `json:"rows"`
	Counts    map[string]int `json:"counts"`
	Files     []fileSummary  `json:"files,omitempty"`
	Anomalies []anomalyEntry `json:"anomalies,omitempty"`
}

type fileSummary struct {
	Status  string `json:"status"`
	CSV     string `json:"csv"`
	Parquet string `json:"parquet"`
	Count   int    `json:"count"`
}

type anomalyEntry struct {
	Type    string `json:"type"`
	TokenID string `json:"tokenId,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
	Details string `json:"details"`
}

func main() {
	configPath := flag.String("config", "./gift-gateway.toml", "Path to gateway configuration file")
	outDir := flag.String("out", "", "Report output directory (default <DataDir>/recon)")
	window := flag.Duration("window", 24*time.Hour, "Look-back window ending now")
	grace := flag.Duration("grace", recon.DefaultGracePeriod, "Allowed lag before expired active gifts count as sweep backlog")
	dryRun := flag.Bool("dry-run", false, "Detect anomalies without writing report files")
	withVault := flag.Bool("vault", true, "Open the salt vault for missing-salt checks (disable when the gateway holds the lock)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.Setup("gift-recon", cfg.Environment)

	db, err := ledger.Open(cfg.Ledger.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open ledger: %v\n", err)
		os.Exit(1)
	}

	client, err := ethclient.Dial(cfg.Chain.RPCEndpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to dial rpc endpoint: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	contractAddr, err := crypto.ParseAddress(cfg.Chain.ContractAddress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid contract address: %v\n", err)
		os.Exit(1)
	}
	contract := escrow.NewContract(contractAddr, client)

	var vault *storage.SaltVault
	if *withVault {
		kv, err := storage.Open(cfg.Guard.Backend, cfg.Guard.Path)
		if err != nil {
			log.Warn("salt vault unavailable, skipping salt checks", "err", err)
		} else {
			defer kv.Close()
			vault = storage.NewSaltVault(kv, cfg.Guard.SaltTTL.Duration)
		}
	}

	output := *outDir
	if output == "" {
		output = filepath.Join(cfg.DataDir, "recon")
	}

	rec, err := recon.NewReconciler(recon.Config{
		DB:          db,
		Reader:      contract,
		Vault:       vault,
		OutputDir:   output,
		GracePeriod: *grace,
		Logger:      log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build reconciler: %v\n", err)
		os.Exit(1)
	}

	end := time.Now().UTC()
	start := end.Add(-*window)
	res, err := rec.Run(context.Background(), recon.RunOptions{Start: start, End: end, DryRun: *dryRun})
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciliation failed: %v\n", err)
		os.Exit(1)
	}

	report := reconReport{
		Start:  res.Start.Format(time.RFC3339),
		End:    res.End.Format(time.RFC3339),
		Rows:   len(res.Rows),
		Counts: res.Counts,
	}
	for _, f := range res.Files {
		report.Files = append(report.Files, fileSummary{Status: f.Status, CSV: f.CSVPath, Parquet: f.ParquetPath, Count: f.Count})
	}
	for _, a := range res.Anomalies {
		report.Anomalies = append(report.Anomalies, anomalyEntry{Type: a.Type, TokenID: a.TokenID, Nonce: a.Nonce, Details: a.Details})
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(encoded))

	// Non-zero exit lets cron surface anomalies without parsing the report.
	if len(res.Anomalies) > 0 {
		os.Exit(1)
	}
}
