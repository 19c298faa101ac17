// Package publish writes the content-addressed output artifacts: curated
// parquet files with their README, quarantine parquet files, the staged
// schema contract, and the per-run manifest. Artifacts are write-once; a
// rerun must use a distinct release_id.
package publish

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/errors"
	"github.com/cmspricing/refpipe/internal/parserkit"
	"github.com/cmspricing/refpipe/internal/paths"
	"github.com/cmspricing/refpipe/internal/schema"
)

// rowGroupRows targets the parquet row-group size.
const rowGroupRows = 100_000

// Publisher writes output artifacts under the configured layout.
type Publisher struct {
	Layout paths.Layout
	Log    *zap.Logger
}

// New creates a Publisher.
func New(layout paths.Layout, log *zap.Logger) *Publisher {
	return &Publisher{Layout: layout, Log: log.Named("publish")}
}

// WriteCurated writes the canonical table as
// curated/<dataset>/<release_id>/<dataset>.parquet plus a README, with
// column order exactly schema column_order followed by the metadata
// columns.
func (p *Publisher) WriteCurated(dataset, releaseID string, t *parserkit.Table, contract *schema.Contract, qualityScore float64) (string, error) {
	columns := append(append([]string(nil), contract.ColumnOrder...), schema.MetadataColumns...)
	path := p.Layout.CuratedParquet(dataset, releaseID)
	if err := p.writeParquet(path, t, columns); err != nil {
		return "", err
	}
	if err := p.writeReadme(dataset, releaseID, t, contract, qualityScore); err != nil {
		return "", err
	}
	p.Log.Info("curated artifact written",
		zap.String("dataset", dataset),
		zap.String("release_id", releaseID),
		zap.Int("rows", t.Len()))
	return path, nil
}

// WriteQuarantine writes rejected rows grouped by reason to
// quarantine/<release_id>/<dataset>_<reason>.parquet. Empty groups write
// nothing.
func (p *Publisher) WriteQuarantine(releaseID, dataset string, rejects *parserkit.Table) ([]string, error) {
	if rejects == nil || rejects.Len() == 0 {
		return nil, nil
	}
	ruleIdx := rejects.Col("validation_rule_id")
	groups := make(map[string]*parserkit.Table)
	for _, row := range rejects.Rows {
		reason := sanitizeReason(row[ruleIdx])
		g, ok := groups[reason]
		if !ok {
			g = rejects.CloneEmpty()
			groups[reason] = g
		}
		g.Rows = append(g.Rows, row)
	}

	var written []string
	for reason, g := range groups {
		path := p.Layout.QuarantineFile(releaseID, dataset, reason)
		if err := p.writeParquet(path, g, g.Columns); err != nil {
			return written, err
		}
		written = append(written, path)
		p.Log.Info("quarantine artifact written",
			zap.String("dataset", dataset),
			zap.String("reason", reason),
			zap.Int("rows", g.Len()))
	}
	return written, nil
}

// WriteStageContract writes schema_contract.json for the release.
func (p *Publisher) WriteStageContract(releaseID string, contract *schema.Contract) error {
	blob, err := contract.MarshalArtifact(time.Now().UTC())
	if err != nil {
		return err
	}
	path := p.Layout.StageContract(releaseID)
	if err := paths.EnsureDir(path); err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o644)
}

func (p *Publisher) writeParquet(path string, t *parserkit.Table, columns []string) error {
	op := errors.Op("publish.parquet")
	if err := paths.EnsureDir(path); err != nil {
		return errors.E(op, errors.KindSource, err)
	}

	md := make([]string, len(columns))
	for i, col := range columns {
		md[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY, repetitiontype=OPTIONAL", col)
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return errors.E(op, errors.KindSource, err)
	}
	pw, err := writer.NewCSVWriter(md, fw, 2)
	if err != nil {
		fw.Close()
		return errors.E(op, errors.KindSource, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	idx := make([]int, len(columns))
	for i, col := range columns {
		idx[i] = t.Col(col)
	}
	rec := make([]*string, len(columns))
	for rowNum, row := range t.Rows {
		for i, j := range idx {
			if j < 0 || row[j] == "" {
				rec[i] = nil
				continue
			}
			v := row[j]
			rec[i] = &v
		}
		if err := pw.WriteString(rec); err != nil {
			fw.Close()
			return errors.E(op, errors.KindSource, err)
		}
		if (rowNum+1)%rowGroupRows == 0 {
			if err := pw.Flush(true); err != nil {
				fw.Close()
				return errors.E(op, errors.KindSource, err)
			}
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return errors.E(op, errors.KindSource, err)
	}
	return fw.Close()
}

func (p *Publisher) writeReadme(dataset, releaseID string, t *parserkit.Table, contract *schema.Contract, qualityScore float64) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s - %s\n\n", contract.Description, releaseID)
	fmt.Fprintf(&b, "## Overview\nDataset `%s`, schema `%s`, source: %s.\n\n", dataset, contract.ID(), contract.Source)
	b.WriteString("## Schema\n")
	for _, name := range contract.ColumnOrder {
		col := contract.Column(name)
		if col == nil {
			continue
		}
		fmt.Fprintf(&b, "- **%s** (%s): %s\n", col.Name, col.Type, col.Description)
	}
	fmt.Fprintf(&b, "\n## Record Count\n%d records\n", t.Len())
	fmt.Fprintf(&b, "\n## Quality Score\n%.2f\n", qualityScore)
	fmt.Fprintf(&b, "\n## License\n%s (attribution required: %v)\n", contract.License, contract.AttributionRequired)
	fmt.Fprintf(&b, "\nGenerated at %s\n", time.Now().UTC().Format(time.RFC3339))

	path := p.Layout.CuratedReadme(dataset, releaseID)
	if err := paths.EnsureDir(path); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func sanitizeReason(reason string) string {
	reason = strings.ToLower(reason)
	var b strings.Builder
	for _, r := range reason {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "unspecified"
	}
	return b.String()
}
