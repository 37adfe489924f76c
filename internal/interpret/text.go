package interpret

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/roach88/truthlayer/internal/ir"
)

var (
	intLiteral     = regexp.MustCompile(`^-?(0|[1-9][0-9]*)$`)
	decimalLiteral = regexp.MustCompile(`^-?(0|[1-9][0-9]*)\.[0-9]+$`)
)

// parseLiteral reads a scalar written as plain text. Only unambiguous
// integer, decimal and boolean literals are typed; everything else stays a
// string.
func parseLiteral(s string) ir.Value {
	switch {
	case intLiteral.MatchString(s):
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ir.Int(n)
		}
	case decimalLiteral.MatchString(s):
		if d, err := ir.NewDecimal(s); err == nil {
			return d
		}
	case s == "true":
		return ir.Bool(true)
	case s == "false":
		return ir.Bool(false)
	}
	return ir.String(s)
}

// TextExtractor reads "key: value" (or "key = value") lines. A line
// "entity_type: x" starts a new group; blank lines and lines starting with
// '#' are skipped. A line without a separator is returned under the key
// LineKey with a Reason, so it is kept as a raw fragment.
type TextExtractor struct{}

func (TextExtractor) Name() string { return "text" }

func (TextExtractor) Supports(mimeType string) bool {
	return mimeType == MIMEText || mimeType == "text/markdown"
}

func (TextExtractor) Extract(ctx context.Context, data []byte, _ string, cfg Config) ([]Candidate, error) {
	var (
		out        []Candidate
		group      int
		entityType = cfg.DefaultEntityType
		open       bool
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := splitKeyValue(line)
		if !ok {
			out = append(out, Candidate{
				EntityType: entityType,
				Field:      LineKey,
				Value:      ir.String(line),
				Group:      group,
				Reason:     "line has no key/value separator",
			})
			continue
		}
		if key == EntityTypeKey {
			if open {
				group++
			}
			entityType = value
			open = true
			continue
		}
		open = true
		out = append(out, Candidate{
			EntityType: entityType,
			Field:      key,
			Value:      parseLiteral(value),
			Confidence: cfg.confidence(),
			Group:      group,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("text: %w", err)
	}
	return out, nil
}

func splitKeyValue(line string) (string, string, bool) {
	i := strings.IndexAny(line, ":=")
	if i <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:i])
	if strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return key, strings.TrimSpace(line[i+1:]), true
}

// CSVExtractor reads a header row followed by one entity per row. An
// "entity_type" column names the type; otherwise the configured default is
// used. Empty cells are skipped.
type CSVExtractor struct{}

func (CSVExtractor) Name() string { return "csv" }

func (CSVExtractor) Supports(mimeType string) bool {
	return mimeType == MIMECSV
}

func (CSVExtractor) Extract(ctx context.Context, data []byte, _ string, cfg Config) ([]Candidate, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv: missing header row")
		}
		return nil, fmt.Errorf("csv: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var out []Candidate
	for group := 0; ; group++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: %w", err)
		}
		entityType := cfg.DefaultEntityType
		for i, name := range header {
			if name == EntityTypeKey && strings.TrimSpace(row[i]) != "" {
				entityType = strings.TrimSpace(row[i])
			}
		}
		for i, name := range header {
			cell := strings.TrimSpace(row[i])
			if name == EntityTypeKey || name == "" || cell == "" {
				continue
			}
			out = append(out, Candidate{
				EntityType: entityType,
				Field:      name,
				Value:      parseLiteral(cell),
				Confidence: cfg.confidence(),
				Group:      group,
			})
		}
	}
	return out, nil
}
