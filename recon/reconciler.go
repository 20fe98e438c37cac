// Package recon joins the gift ledger against on-chain escrow state and the
// salt vault, producing nightly report files and anomaly alerts. The ledger
// is only ever corrected by the gateway, so persistent disagreement here
// means a confirmation was missed and needs operator review.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/escrow"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/guard"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/ledger"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/storage"
)

const (
	// DefaultGracePeriod is how long past expiry an active gift may linger
	// before the sweep backlog counts as an anomaly.
	DefaultGracePeriod = time.Hour

	// Anomaly types emitted by the reconciler.
	AnomalyStatusDrift   = "status_drift"
	AnomalyMissingSalt   = "missing_salt"
	AnomalyReturnBacklog = "return_backlog"
	AnomalyOrphanAttempt = "orphan_attempt"
)

// Reader exposes the single on-chain read the reconciler depends on.
type Reader interface {
	GetGift(ctx context.Context, tokenID *big.Int) (*gift.Gift, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB          *gorm.DB
	Reader      Reader
	Vault       *storage.SaltVault
	OutputDir   string
	GracePeriod time.Duration
	DryRun      bool
	Now         func() time.Time
	Alert       AlertFunc
	Logger      *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation window.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type    string
	TokenID string
	Nonce   string
	Details string
}

// ReportRow summarises reconciliation status for a single gift.
type ReportRow struct {
	TokenID           string
	Creator           string
	PasswordProtected bool
	LedgerStatus      string
	ChainStatus       string
	ExpirationTime    int64
	Expired           bool
	SaltPresent       bool
	StatusDrift       bool
	MissingSalt       bool
	ReturnBacklog     bool
	MintTxHash        string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ReportFile references the CSV and Parquet artefacts generated per ledger
// status group.
type ReportFile struct {
	Status      string
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises a reconciliation run.
type Result struct {
	Start     time.Time
	End       time.Time
	Rows      []*ReportRow
	Files     []ReportFile
	Anomalies []Anomaly
	Counts    map[string]int
}

// Reconciler materialises reports joining the gift ledger, the escrow
// contract, and the salt vault.
type Reconciler struct {
	db        *gorm.DB
	reader    Reader
	vault     *storage.SaltVault
	outputDir string
	grace     time.Duration
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	log       *slog.Logger
}

// NewReconciler builds a configured reconciler. The vault is optional; salt
// checks are skipped without one.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	if cfg.Reader == nil {
		return nil, errors.New("recon: chain reader is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("gift-data", "recon")
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		db:        cfg.DB,
		reader:    cfg.Reader,
		vault:     cfg.Vault,
		outputDir: outputDir,
		grace:     grace,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     alert,
		log:       logger,
	}, nil
}

// Run executes reconciliation for the supplied window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.UTC()
	end := opts.End.UTC()
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun

	var gifts []ledger.Gift
	if err := r.db.Where("(created_at BETWEEN ? AND ?) OR (updated_at BETWEEN ? AND ?)", start, end, start, end).
		Find(&gifts).Error; err != nil {
		return nil, fmt.Errorf("recon: load gifts: %w", err)
	}

	now := r.now()
	rows := make([]*ReportRow, 0, len(gifts))
	counts := make(map[string]int)
	anomalies := make([]Anomaly, 0)

	for i := range gifts {
		g := gifts[i]
		row := &ReportRow{
			TokenID:           g.TokenID,
			Creator:           g.Creator,
			PasswordProtected: g.PasswordProtected,
			LedgerStatus:      gift.Status(g.Status).String(),
			ExpirationTime:    g.ExpirationTime,
			MintTxHash:        g.MintTxHash,
			CreatedAt:         g.CreatedAt.UTC(),
			UpdatedAt:         g.UpdatedAt.UTC(),
		}
		if !g.PasswordProtected {
			// Direct mints never enter the escrow contract, so there is no
			// chain state to compare.
			row.ChainStatus = "n/a"
			rows = append(rows, row)
			counts[row.LedgerStatus]++
			continue
		}
		tokenID, ok := new(big.Int).SetString(strings.TrimSpace(g.TokenID), 10)
		if !ok {
			r.log.Warn("recon.token_unreadable", "token", g.TokenID)
			continue
		}
		onChain, err := r.reader.GetGift(ctx, tokenID)
		switch {
		case errors.Is(err, escrow.ErrGiftNotFound):
			row.ChainStatus = "missing"
			row.StatusDrift = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyStatusDrift,
				TokenID: g.TokenID,
				Details: fmt.Sprintf("ledger status %s but the contract has no such gift", row.LedgerStatus),
			}))
		case err != nil:
			return nil, fmt.Errorf("recon: read gift %s: %w", g.TokenID, err)
		default:
			row.ChainStatus = onChain.Status.String()
			row.Expired = onChain.Expired(now.Unix())
			if row.LedgerStatus != row.ChainStatus {
				row.StatusDrift = true
				anomalies = append(anomalies, r.raise(ctx, Anomaly{
					Type:    AnomalyStatusDrift,
					TokenID: g.TokenID,
					Details: fmt.Sprintf("ledger %s vs chain %s", row.LedgerStatus, row.ChainStatus),
				}))
			}
			if onChain.Status == gift.StatusActive {
				if r.vault != nil {
					_, found, err := r.vault.Fetch(g.TokenID)
					if err != nil {
						return nil, fmt.Errorf("recon: salt lookup %s: %w", g.TokenID, err)
					}
					row.SaltPresent = found
					if !found {
						row.MissingSalt = true
						anomalies = append(anomalies, r.raise(ctx, Anomaly{
							Type:    AnomalyMissingSalt,
							TokenID: g.TokenID,
							Details: "active escrow gift has no vaulted salt; claims depend on the creator-held copy",
						}))
					}
				}
				if now.Unix() >= onChain.ExpirationTime+int64(r.grace/time.Second) {
					row.ReturnBacklog = true
					anomalies = append(anomalies, r.raise(ctx, Anomaly{
						Type:    AnomalyReturnBacklog,
						TokenID: g.TokenID,
						Details: fmt.Sprintf("expired at %d and still active past the %s grace period", onChain.ExpirationTime, r.grace),
					}))
				}
			}
		}
		rows = append(rows, row)
		counts[row.LedgerStatus]++
	}

	orphans, err := r.findOrphanAttempts(ctx, start, end)
	if err != nil {
		return nil, err
	}
	anomalies = append(anomalies, orphans...)

	files := make([]ReportFile, 0)
	if !dryRun {
		runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		for status, entries := range groupRows(rows) {
			csvPath, parquetPath, err := r.writeReportFiles(runDir, status, entries)
			if err != nil {
				return nil, err
			}
			files = append(files, ReportFile{
				Status:      status,
				CSVPath:     csvPath,
				ParquetPath: parquetPath,
				Count:       len(entries),
			})
		}
	}

	return &Result{Start: start, End: end, Rows: rows, Files: files, Anomalies: anomalies, Counts: counts}, nil
}

// findOrphanAttempts flags completed attempt audits whose ledger gift never
// recorded the transition the attempt performed. Mint attempts key on a
// fingerprint rather than a token and are covered by the gift rows above.
func (r *Reconciler) findOrphanAttempts(ctx context.Context, start, end time.Time) ([]Anomaly, error) {
	var audits []ledger.AttemptAudit
	if err := r.db.Where("status = ? AND tx_hash <> '' AND updated_at BETWEEN ? AND ?", string(guard.AttemptCompleted), start, end).
		Find(&audits).Error; err != nil {
		return nil, fmt.Errorf("recon: load attempt audits: %w", err)
	}
	anomalies := make([]Anomaly, 0)
	for _, audit := range audits {
		var token string
		var want gift.Status
		switch {
		case strings.HasPrefix(audit.Operation, "claim:"):
			token = strings.TrimPrefix(audit.Operation, "claim:")
			want = gift.StatusClaimed
		case strings.HasPrefix(audit.Operation, "return:"):
			token = strings.TrimPrefix(audit.Operation, "return:")
			want = gift.StatusReturned
		default:
			continue
		}
		var g ledger.Gift
		err := r.db.Where("token_id = ?", token).First(&g).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyOrphanAttempt,
				TokenID: token,
				Nonce:   audit.Nonce,
				Details: fmt.Sprintf("attempt %s completed with tx %s but no ledger gift exists", audit.Operation, audit.TxHash),
			}))
		case err != nil:
			return nil, fmt.Errorf("recon: load gift %s: %w", token, err)
		case gift.Status(g.Status) != want:
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyOrphanAttempt,
				TokenID: token,
				Nonce:   audit.Nonce,
				Details: fmt.Sprintf("attempt %s completed with tx %s but ledger status is %s", audit.Operation, audit.TxHash, gift.Status(g.Status)),
			}))
		}
	}
	return anomalies, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.log.Warn("recon.alert_fail", "type", anomaly.Type, "token", anomaly.TokenID, "err", err)
		}
	}
	return anomaly
}

func groupRows(rows []*ReportRow) map[string][]*ReportRow {
	grouped := make(map[string][]*ReportRow)
	for _, row := range rows {
		grouped[row.LedgerStatus] = append(grouped[row.LedgerStatus], row)
	}
	return grouped
}

func (r *Reconciler) writeReportFiles(baseDir, status string, rows []*ReportRow) (string, string, error) {
	if len(rows) == 0 {
		return "", "", nil
	}
	csvPath := filepath.Join(baseDir, status+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(baseDir, status+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return "", "", err
	}
	r.log.Info("recon.report_written", "status", status, "rows", len(rows), "csv", csvPath, "parquet", parquetPath)
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"token_id", "creator", "password_protected", "ledger_status", "chain_status",
		"expiration_time", "expired", "salt_present", "status_drift", "missing_salt",
		"return_backlog", "mint_tx_hash", "created_at", "updated_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.TokenID,
			row.Creator,
			boolString(row.PasswordProtected),
			row.LedgerStatus,
			row.ChainStatus,
			fmt.Sprintf("%d", row.ExpirationTime),
			boolString(row.Expired),
			boolString(row.SaltPresent),
			boolString(row.StatusDrift),
			boolString(row.MissingSalt),
			boolString(row.ReturnBacklog),
			row.MintTxHash,
			row.CreatedAt.Format(time.RFC3339),
			row.UpdatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	TokenID           string `parquet:"name=token_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Creator           string `parquet:"name=creator, type=BYTE_ARRAY, convertedtype=UTF8"`
	PasswordProtected bool   `parquet:"name=password_protected, type=BOOLEAN"`
	LedgerStatus      string `parquet:"name=ledger_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChainStatus       string `parquet:"name=chain_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpirationTime    int64  `parquet:"name=expiration_time, type=INT64"`
	Expired           bool   `parquet:"name=expired, type=BOOLEAN"`
	SaltPresent       bool   `parquet:"name=salt_present, type=BOOLEAN"`
	StatusDrift       bool   `parquet:"name=status_drift, type=BOOLEAN"`
	MissingSalt       bool   `parquet:"name=missing_salt, type=BOOLEAN"`
	ReturnBacklog     bool   `parquet:"name=return_backlog, type=BOOLEAN"`
	MintTxHash        string `parquet:"name=mint_tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt         string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt         string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			TokenID:           row.TokenID,
			Creator:           row.Creator,
			PasswordProtected: row.PasswordProtected,
			LedgerStatus:      row.LedgerStatus,
			ChainStatus:       row.ChainStatus,
			ExpirationTime:    row.ExpirationTime,
			Expired:           row.Expired,
			SaltPresent:       row.SaltPresent,
			StatusDrift:       row.StatusDrift,
			MissingSalt:       row.MissingSalt,
			ReturnBacklog:     row.ReturnBacklog,
			MintTxHash:        row.MintTxHash,
			CreatedAt:         row.CreatedAt.Format(time.RFC3339),
			UpdatedAt:         row.UpdatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
