// Package archive exports the append-only transaction log as zstd-compressed
// JSON lines. Exports are incremental: each one starts after the last
// exported transaction id.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/epa-bot/epa/internal/domain"
	"github.com/epa-bot/epa/internal/infra/sqlite"
)

// Result describes one export.
type Result struct {
	Path    string `json:"path,omitempty"`
	Count   int    `json:"count"`
	FirstID int64  `json:"first_id,omitempty"`
	LastID  int64  `json:"last_id"`
}

// Export streams every transaction with id > afterID into w.
func Export(ctx context.Context, db *sqlite.DB, w io.Writer, afterID int64) (Result, error) {
	res := Result{LastID: afterID}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return res, err
	}
	bw := bufio.NewWriterSize(enc, 128*1024)
	je := json.NewEncoder(bw)

	err = db.ScanTransactions(ctx, afterID, func(tr domain.Transaction) error {
		if err := je.Encode(tr); err != nil {
			return err
		}
		if res.Count == 0 {
			res.FirstID = tr.ID
		}
		res.Count++
		res.LastID = tr.ID
		return nil
	})
	if err != nil {
		_ = enc.Close()
		return res, fmt.Errorf("export after %d: %w", afterID, err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return res, err
	}
	return res, enc.Close()
}

// ExportFile writes a new archive file under dir named after the id range
// it covers. Nothing is written when there are no new transactions.
func ExportFile(ctx context.Context, db *sqlite.DB, dir string, afterID int64) (Result, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, err
	}
	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(tmp.Name())

	res, err := Export(ctx, db, tmp, afterID)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil || res.Count == 0 {
		return res, err
	}
	res.Path = filepath.Join(dir, fmt.Sprintf("ledger-%012d-%012d.jsonl.zst", res.FirstID, res.LastID))
	if err := os.Rename(tmp.Name(), res.Path); err != nil {
		return res, err
	}
	return res, nil
}

// Read decodes an archive produced by Export, calling fn for each row.
func Read(r io.Reader, fn func(domain.Transaction) error) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var tr domain.Transaction
		if err := json.Unmarshal(sc.Bytes(), &tr); err != nil {
			return fmt.Errorf("decode archive row: %w", err)
		}
		if err := fn(tr); err != nil {
			return err
		}
	}
	return sc.Err()
}
