// Package csvfile reads delimited text files into frames.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
)

// Config is the csv connection descriptor.
type Config struct {
	Path       string // file on disk
	Content    string // inline data, used instead of Path
	Delimiter  rune
	HasHeader  bool
	LazyQuotes bool
	Encoding   string // utf-8 (default), latin1, windows-1252, utf-16
}

// ParseConfig reads a Config from a descriptor.
func ParseConfig(descriptor map[string]any) (*Config, error) {
	cfg := &Config{
		Path:       datasource.StringValue(descriptor, "path", ""),
		Content:    rawString(descriptor, "content"),
		Delimiter:  ',',
		HasHeader:  datasource.BoolValue(descriptor, "has_header", true),
		LazyQuotes: datasource.BoolValue(descriptor, "lazy_quotes", false),
		Encoding:   strings.ToLower(datasource.StringValue(descriptor, "encoding", "utf-8")),
	}
	if cfg.Path == "" && cfg.Content == "" {
		return nil, errors.New(`csv descriptor: one of "path" or "content" is required`)
	}

	if d := delimiterValue(descriptor); d != "" {
		if d == `\t` || d == "tab" {
			d = "\t"
		}
		r, size := utf8.DecodeRuneInString(d)
		if size != len(d) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
			return nil, fmt.Errorf("csv descriptor: invalid delimiter %q", d)
		}
		cfg.Delimiter = r
	}

	if _, err := decoderFor(cfg.Encoding); err != nil {
		return nil, err
	}
	return cfg, nil
}

// delimiterValue keeps a tab delimiter, which StringValue would trim away.
func delimiterValue(descriptor map[string]any) string {
	if s, ok := descriptor["delimiter"].(string); ok {
		return s
	}
	return ""
}

func rawString(descriptor map[string]any, key string) string {
	if s, ok := descriptor[key].(string); ok {
		return s
	}
	return ""
}

func decoderFor(name string) (encoding.Encoding, error) {
	switch name {
	case "", "utf-8", "utf8":
		return nil, nil
	case "latin1", "latin-1", "iso-8859-1":
		return charmap.ISO8859_1, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	case "utf-16", "utf16":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), nil
	default:
		return nil, fmt.Errorf("csv descriptor: unsupported encoding %q", name)
	}
}

// Adapter implements datasource.Fetcher for csv files.
type Adapter struct {
	config *Config
	logger *zap.Logger
}

// NewAdapter validates the descriptor. The file is not opened until Fetch.
func NewAdapter(descriptor map[string]any, opts datasource.Options) (*Adapter, error) {
	cfg, err := ParseConfig(descriptor)
	if err != nil {
		return nil, err
	}
	return &Adapter{config: cfg, logger: opts.Log().Named("csv")}, nil
}

func (a *Adapter) open() (io.ReadCloser, error) {
	if a.config.Content != "" {
		return io.NopCloser(strings.NewReader(a.config.Content)), nil
	}
	f, err := os.Open(a.config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv file: %w", err)
	}
	return f, nil
}

// Fetch reads every record. Ragged rows are padded or truncated to the header
// and empty cells become nulls.
func (a *Adapter) Fetch(ctx context.Context) (*frame.Frame, error) {
	src, err := a.open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var r io.Reader = src
	if enc, _ := decoderFor(a.config.Encoding); enc != nil {
		r = transform.NewReader(src, enc.NewDecoder())
	}

	cr := csv.NewReader(r)
	cr.Comma = a.config.Delimiter
	cr.LazyQuotes = a.config.LazyQuotes
	cr.FieldsPerRecord = -1

	var header []string
	var rows [][]any
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv read line %d: %w", line, err)
		}

		if header == nil {
			if a.config.HasHeader {
				header = make([]string, len(rec))
				for i, h := range rec {
					if i == 0 {
						h = strings.TrimPrefix(h, "\uFEFF")
					}
					header[i] = strings.TrimSpace(h)
				}
				continue
			}
			header = make([]string, len(rec))
			for i := range rec {
				header[i] = fmt.Sprintf("column_%d", i+1)
			}
		}

		row := make([]any, len(rec))
		for i, v := range rec {
			if v == "" {
				row[i] = nil
			} else {
				row[i] = v
			}
		}
		rows = append(rows, row)
	}

	if header == nil {
		return nil, errors.New("csv source is empty")
	}

	a.logger.Debug("read csv source", zap.Int("rows", len(rows)), zap.Int("columns", len(header)))
	return frame.FromRows(header, rows), nil
}

// TestConnection checks the file can be opened.
func (a *Adapter) TestConnection(ctx context.Context) error {
	src, err := a.open()
	if err != nil {
		return err
	}
	return src.Close()
}

// Close is a no-op; files are opened per fetch.
func (a *Adapter) Close() error {
	return nil
}

var _ datasource.Fetcher = (*Adapter)(nil)
