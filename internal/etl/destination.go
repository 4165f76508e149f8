package etl

import (
	"context"
	"fmt"

	"github.com/zeebo/blake3"

	"bactdb/internal/domain"
)

// ── Destination ────────────────────────────────────────────
// A Destination writes normalized records into a target store.
// The only destination is the SQLite record table.

// WriteResult counts what a destination did with the records.
type WriteResult struct {
	Written    int `json:"written"`
	Duplicates int `json:"duplicates"`
}

// Destination writes records to a target system. run is the ledger
// entry committed together with the records.
type Destination interface {
	Write(ctx context.Context, table string, schema *Schema, records []Record, run *domain.IngestRun) (WriteResult, error)
}

// ── Store Destination ──────────────────────────────────────

// StoreWriter implements Destination for a domain.RecordTableStore.
type StoreWriter struct {
	Store domain.RecordTableStore
}

func (w *StoreWriter) Write(ctx context.Context, table string, schema *Schema, records []Record, run *domain.IngestRun) (WriteResult, error) {
	cols := schema.FieldNames()
	rows := make([][]any, len(records))
	keys := make([]string, len(records))
	for i, rec := range records {
		rows[i] = rec.Values(cols)
		keys[i] = RowKey(rec)
	}

	written, dups, err := w.Store.AppendRun(ctx, table, schema.Columns(), rows, keys, run)
	return WriteResult{Written: written, Duplicates: dups}, err
}

// RowKey returns the natural-key digest of a normalized record: a 16 byte
// blake3 hash, hex encoded, over the text of every named raw column in
// canonical order, joined by the unit separator. NULL hashes like the
// empty string. Extra columns, the stray Unnamed: 19 column and the
// derived block are not part of the key.
func RowKey(rec Record) string {
	hasher := blake3.New()
	for i, c := range domain.RequiredColumns {
		if i > 0 {
			_, _ = hasher.Write([]byte{0x1f})
		}
		s, _ := rec.Text(c)
		_, _ = hasher.Write([]byte(s))
	}
	var buf [16]byte
	_, _ = hasher.Digest().Read(buf[:])
	return fmt.Sprintf("%x", buf)
}
