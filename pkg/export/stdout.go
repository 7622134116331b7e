package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbeema/ntwatch/pkg/capture"
	"go.uber.org/zap"
)

// StdoutExporter prints trace records to stdout for debugging.
type StdoutExporter struct {
	format string // "text" or "json"
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{
		format: format,
		logger: logger,
		out:    os.Stdout,
	}
}

// ExportRecords prints trace records.
func (e *StdoutExporter) ExportRecords(ctx context.Context, records []*capture.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range records {
		if r == nil {
			continue
		}
		if e.format == "json" {
			e.printJSON(r)
			continue
		}
		fmt.Fprintf(e.out,
			"[TRACE] %s pid=%d tid=%d %s%s\n",
			r.Timestamp.Format(time.RFC3339Nano), r.PID, r.TID,
			r.Message(), formatAttrs(r.Attrs),
		)
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *StdoutExporter) printJSON(r *capture.Record) {
	b, err := json.Marshal(r)
	if err != nil {
		e.logger.Debug("skip record encoding", zap.String("api", r.API), zap.Error(err))
		return
	}
	fmt.Fprintf(e.out, "%s\n", b)
}

func formatAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, attrs[k]))
	}
	return " " + strings.Join(parts, " ")
}
