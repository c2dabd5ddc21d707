// Package audit writes settlement log snapshots for offline reconciliation.
package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"treasuryvault/native/vault"
)

const pageSize = 500

// Report summarises one export run.
type Report struct {
	Asset       vault.Asset
	Admin       string
	Count       int
	Total       *uint256.Int
	LastSeq     uint64
	CSVPath     string
	ParquetPath string
}

// Export reads every settlement record with a sequence above after from a
// single consistent view of store and writes records.csv and
// records.parquet into dir.
func Export(ctx context.Context, store vault.Store, dir string, after uint64) (*Report, error) {
	var (
		meta    vault.Meta
		records []*vault.SettlementRecord
	)
	err := store.View(ctx, func(tx vault.Tx) error {
		var err error
		if meta, err = tx.Meta(); err != nil {
			return err
		}
		cursor := after
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			page, err := tx.Records(cursor, pageSize)
			if err != nil {
				return err
			}
			records = append(records, page...)
			if len(page) < pageSize {
				return nil
			}
			cursor = page[len(page)-1].Sequence
		}
	})
	if err != nil {
		if errors.Is(err, vault.ErrNotInitialised) {
			return nil, fmt.Errorf("audit: store holds no vault: %w", err)
		}
		return nil, fmt.Errorf("audit: read records: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	report := &Report{
		Asset:       meta.Asset,
		Admin:       meta.Admin.Hex(),
		Count:       len(records),
		Total:       new(uint256.Int),
		LastSeq:     after,
		CSVPath:     filepath.Join(dir, "records.csv"),
		ParquetPath: filepath.Join(dir, "records.parquet"),
	}
	for _, rec := range records {
		if _, overflow := report.Total.AddOverflow(report.Total, rec.Amount); overflow {
			return nil, fmt.Errorf("audit: record total overflows at sequence %d", rec.Sequence)
		}
		report.LastSeq = rec.Sequence
	}
	if err := writeCSV(report.CSVPath, meta.Asset, records); err != nil {
		return nil, err
	}
	if err := writeParquet(report.ParquetPath, meta.Asset, records); err != nil {
		return nil, err
	}
	return report, nil
}

var csvHeader = []string{"sequence", "payment_id", "recipient", "amount", "amount_display", "asset", "operator", "tx_ref", "settled_at"}

func writeCSV(path string, asset vault.Asset, records []*vault.SettlementRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			strconv.FormatUint(rec.Sequence, 10),
			rec.PaymentID.Hex(),
			rec.Recipient.Hex(),
			rec.Amount.Dec(),
			FormatUnits(rec.Amount, asset.Decimals),
			asset.Code,
			rec.Operator.Hex(),
			rec.TxRef,
			rec.SettledAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return file.Close()
}

type parquetRecord struct {
	Sequence      int64  `parquet:"name=sequence, type=INT64"`
	PaymentID     string `parquet:"name=payment_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Recipient     string `parquet:"name=recipient, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount        string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountDisplay string `parquet:"name=amount_display, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset         string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Operator      string `parquet:"name=operator, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxRef         string `parquet:"name=tx_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt     string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, asset vault.Asset, records []*vault.SettlementRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(file), new(parquetRecord), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		row := &parquetRecord{
			Sequence:      int64(rec.Sequence),
			PaymentID:     rec.PaymentID.Hex(),
			Recipient:     rec.Recipient.Hex(),
			Amount:        rec.Amount.Dec(),
			AmountDisplay: FormatUnits(rec.Amount, asset.Decimals),
			Asset:         asset.Code,
			Operator:      rec.Operator.Hex(),
			TxRef:         rec.TxRef,
			SettledAt:     rec.SettledAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

// FormatUnits renders amount in whole asset units with decimals places.
// Trailing zeros in the fraction are trimmed.
func FormatUnits(amount *uint256.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	digits := amount.Dec()
	if decimals == 0 {
		return digits
	}
	d := int(decimals)
	for len(digits) <= d {
		digits = "0" + digits
	}
	whole, frac := digits[:len(digits)-d], digits[len(digits)-d:]
	end := len(frac)
	for end > 0 && frac[end-1] == '0' {
		end--
	}
	if end == 0 {
		return whole
	}
	return whole + "." + frac[:end]
}
