// Package jsonfile reads JSON documents holding an array of objects.
package jsonfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
	"github.com/ekaya-inc/ekaya-etl/pkg/jsonutil"
)

// Adapter implements datasource.Fetcher for JSON files.
type Adapter struct {
	path        string
	content     string
	recordsPath string
	logger      *zap.Logger
}

// NewAdapter reads path or content and an optional dotted records_path.
func NewAdapter(descriptor map[string]any, opts datasource.Options) (*Adapter, error) {
	a := &Adapter{
		path:        datasource.StringValue(descriptor, "path", ""),
		recordsPath: datasource.StringValue(descriptor, "records_path", ""),
		logger:      opts.Log().Named("json"),
	}
	if s, ok := descriptor["content"].(string); ok {
		a.content = s
	}
	if a.path == "" && strings.TrimSpace(a.content) == "" {
		return nil, errors.New(`json descriptor: one of "path" or "content" is required`)
	}
	return a, nil
}

func (a *Adapter) open() (io.ReadCloser, error) {
	if a.content != "" {
		return io.NopCloser(strings.NewReader(a.content)), nil
	}
	f, err := os.Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open json file: %w", err)
	}
	return f, nil
}

// Fetch decodes the records. Nested objects and arrays are kept as their JSON text.
func (a *Adapter) Fetch(ctx context.Context) (*frame.Frame, error) {
	src, err := a.open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	records, keys, err := jsonutil.DecodeRecords(src, a.recordsPath)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		for k, v := range rec {
			rec[k] = datasource.NormalizeValue(v)
		}
	}

	a.logger.Debug("read json source", zap.Int("records", len(records)))
	return frame.FromRecords(records, keys), nil
}

// TestConnection checks the document can be opened.
func (a *Adapter) TestConnection(ctx context.Context) error {
	src, err := a.open()
	if err != nil {
		return err
	}
	return src.Close()
}

// Close is a no-op.
func (a *Adapter) Close() error {
	return nil
}

var _ datasource.Fetcher = (*Adapter)(nil)
