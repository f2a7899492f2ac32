// Package htmltable extracts <table> elements from HTML pages with goquery.
package htmltable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-etl/pkg/config"
	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
	"github.com/ekaya-inc/ekaya-etl/pkg/logging"
)

// ErrTableNotFound is returned when the page has no table at the requested position.
var ErrTableNotFound = errors.New("html table not found")

// maxColspan bounds how far a single cell can be repeated.
const maxColspan = 50

// Config is the html connection descriptor.
type Config struct {
	URL      string
	Path     string
	Content  string
	Selector string // CSS selector for the tables to consider, default "table"
	Index    int    // which matched table to read
}

// FromMap creates a Config from a connection descriptor.
func FromMap(descriptor map[string]any) (*Config, error) {
	cfg := &Config{
		URL:      datasource.StringValue(descriptor, "url", ""),
		Path:     datasource.StringValue(descriptor, "path", ""),
		Selector: datasource.StringValue(descriptor, "selector", "table"),
		Index:    datasource.IntValue(descriptor, "table_index", 0),
	}
	if s, ok := descriptor["content"].(string); ok {
		cfg.Content = s
	}

	set := 0
	for _, v := range []string{cfg.URL, cfg.Path, cfg.Content} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New(`html descriptor: exactly one of "url", "path" or "content" is required`)
	}
	if cfg.Index < 0 {
		return nil, fmt.Errorf("html descriptor: table_index must be >= 0")
	}
	return cfg, nil
}

// Adapter implements datasource.Fetcher for HTML tables.
type Adapter struct {
	config *Config
	client *http.Client
	logger *zap.Logger
}

// NewAdapter creates an HTML table fetcher.
func NewAdapter(cfg *Config, opts datasource.Options) *Adapter {
	return &Adapter{config: cfg, client: opts.HTTP(), logger: opts.Log().Named("html")}
}

func (a *Adapter) open(ctx context.Context) (io.ReadCloser, error) {
	switch {
	case a.config.Content != "":
		return io.NopCloser(strings.NewReader(a.config.Content)), nil
	case a.config.Path != "":
		f, err := os.Open(a.config.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open html file: %w", err)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.ResolveURLForDocker(a.config.URL), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %s", logging.SanitizeError(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("page returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Fetch parses the page and reads the selected table. Header cells come from
// <thead>, or from the first row when it holds only <th>; colspan is expanded.
func (a *Adapter) Fetch(ctx context.Context) (*frame.Frame, error) {
	src, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	doc, err := goquery.NewDocumentFromReader(src)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	tables := doc.Find(a.config.Selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return goquery.NodeName(s) == "table"
	})
	if a.config.Index >= tables.Length() {
		return nil, fmt.Errorf("%w: index %d of %d", ErrTableNotFound, a.config.Index, tables.Length())
	}

	f := ParseTable(tables.Eq(a.config.Index))
	a.logger.Debug("read html table", zap.Int("rows", f.NumRows()), zap.Int("columns", f.NumColumns()))
	return f, nil
}

// ParseTable converts one table selection into a frame. Empty cells are nulls.
func ParseTable(table *goquery.Selection) *frame.Frame {
	// rows of nested tables are not ours
	rows := table.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
		return tr.Closest("table").IsSelection(table)
	})

	var header []string
	var data [][]any
	rows.Each(func(i int, tr *goquery.Selection) {
		cells := tr.ChildrenFiltered("th, td")
		values := expandCells(cells)
		if len(values) == 0 {
			return
		}

		isHeader := tr.ParentsFiltered("thead").Length() > 0 ||
			(cells.Filter("td").Length() == 0 && header == nil && len(data) == 0)
		if isHeader && header == nil {
			header = values
			return
		}
		if isHeader {
			// a second header row is ignored
			return
		}

		row := make([]any, len(values))
		for j, v := range values {
			if v == "" {
				row[j] = nil
			} else {
				row[j] = v
			}
		}
		data = append(data, row)
	})

	if header == nil {
		width := 0
		for _, r := range data {
			if len(r) > width {
				width = len(r)
			}
		}
		header = make([]string, width)
		for i := range header {
			header[i] = fmt.Sprintf("column_%d", i+1)
		}
	}
	return frame.FromRows(header, data)
}

func expandCells(cells *goquery.Selection) []string {
	var out []string
	cells.Each(func(_ int, cell *goquery.Selection) {
		text := strings.Join(strings.Fields(cell.Text()), " ")
		span := 1
		if v, ok := cell.Attr("colspan"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 1 {
				span = min(n, maxColspan)
			}
		}
		for k := 0; k < span; k++ {
			out = append(out, text)
		}
	})
	return out
}

// TestConnection checks the page can be opened and parses.
func (a *Adapter) TestConnection(ctx context.Context) error {
	src, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = goquery.NewDocumentFromReader(io.LimitReader(src, 16<<20))
	return err
}

// Close is a no-op; the HTTP client is shared.
func (a *Adapter) Close() error {
	return nil
}

var _ datasource.Fetcher = (*Adapter)(nil)
