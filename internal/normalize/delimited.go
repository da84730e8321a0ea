package normalize

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/opendata-harvester/internal/fsutil"
)

func (n *Normalizer) convertCSV(ctx context.Context, job Job) ([]string, error) {
	return n.reencode(ctx, job, ',')
}

func (n *Normalizer) convertTSV(ctx context.Context, job Job) ([]string, error) {
	return n.reencode(ctx, job, '\t')
}

// reencode rewrites delimited text as comma-separated CSV with canonical
// quoting and CRLF line endings. Invalid UTF-8 and blank lines are dropped.
func (n *Normalizer) reencode(ctx context.Context, job Job, delim rune) ([]string, error) {
	in, err := os.Open(job.Src)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", job.Src, err)
	}
	defer func() { _ = in.Close() }()

	reader := csv.NewReader(in)
	reader.Comma = delim
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	out := filepath.Join(job.OutDir, job.Stem+".csv")
	err = writeCSV(out, func(w *csv.Writer) error {
		for {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("re-encode canceled: %w", err)
			}
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", job.Src, err)
			}
			if err := w.Write(cleanRecord(record)); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return []string{out}, nil
}

// writeCSV fills path through a csv.Writer and publishes it atomically.
func writeCSV(path string, fill func(w *csv.Writer) error) error {
	return fsutil.WriteAtomic(path, 0o644, func(dst io.Writer) error {
		w := csv.NewWriter(dst)
		w.UseCRLF = true
		if err := fill(w); err != nil {
			return err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("flush csv: %w", err)
		}
		return nil
	})
}

func cleanRecord(record []string) []string {
	for i, field := range record {
		record[i] = strings.ToValidUTF8(field, "")
	}
	return record
}
