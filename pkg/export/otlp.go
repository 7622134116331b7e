// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mbeema/ntwatch/pkg/capture"
	"github.com/mbeema/ntwatch/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/metadata"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

const (
	scopeName    = "ntwatch"
	scopeVersion = "0.1.0"
)

// OTLPExporter sends trace records as OTLP log records over gRPC with
// automatic reconnection.
type OTLPExporter struct {
	logger      *zap.Logger
	serviceName string
	endpoint    string
	headers     metadata.MD
	opts        []grpc.DialOption

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter. Extra dial options are
// appended after the ones derived from cfg.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName string, logger *zap.Logger, extra ...grpc.DialOption) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}
	opts = append(opts, extra...)

	e := &OTLPExporter{
		logger:      logger,
		serviceName: serviceName,
		endpoint:    cfg.Endpoint,
		opts:        opts,
	}
	if len(cfg.Headers) > 0 {
		e.headers = metadata.New(cfg.Headers)
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))

	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	return nil
}

// resourceForProcess returns resource attributes for one traced process.
func (e *OTLPExporter) resourceForProcess(pid uint32, exe string) *resourcepb.Resource {
	hostname, _ := os.Hostname()

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", e.serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}
	if exe != "" {
		attrs = append(attrs, strAttr("process.executable.name", exe))
	}

	return &resourcepb.Resource{Attributes: attrs}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(value)}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// convertRecord converts one trace record to an OTLP log record. The body
// carries the rendered call line and every argument is also an attribute.
func convertRecord(rec *capture.Record, observed time.Time) *logspb.LogRecord {
	pl := &logspb.LogRecord{
		TimeUnixNano:         uint64(rec.Timestamp.UnixNano()),
		ObservedTimeUnixNano: uint64(observed.UnixNano()),
		SeverityNumber:       logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
		SeverityText:         "INFO",
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(rec.Message())},
		},
	}

	attrs := make([]*commonpb.KeyValue, 0, len(rec.Args)+len(rec.Attrs)+5)
	attrs = append(attrs,
		strAttr("nt.api", rec.API),
		strAttr("nt.caller", "0x"+strconv.FormatUint(uint64(rec.Caller), 16)),
		intAttr("thread.id", int64(rec.TID)),
	)
	for _, a := range rec.Args {
		attrs = append(attrs, strAttr("nt.arg."+a.Key, a.Value))
	}
	if rec.StackHash != 0 {
		attrs = append(attrs, strAttr("nt.stack.hash", strconv.FormatUint(rec.StackHash, 16)))
	}
	if len(rec.Frames) > 0 {
		attrs = append(attrs, strAttr("code.stacktrace", strings.Join(rec.Frames, "\n")))
	}

	keys := make([]string, 0, len(rec.Attrs))
	for k := range rec.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, strAttr(k, rec.Attrs[k]))
	}

	pl.Attributes = attrs
	return pl
}

// buildRequest groups records by process so each process gets its own
// ResourceLogs.
func (e *OTLPExporter) buildRequest(records []*capture.Record) *collogspb.ExportLogsServiceRequest {
	observed := time.Now()

	type procKey struct {
		pid uint32
		exe string
	}
	var order []procKey
	grouped := make(map[procKey][]*logspb.LogRecord)
	for _, rec := range records {
		if rec == nil {
			continue
		}
		key := procKey{pid: rec.PID, exe: rec.Attrs["process.name"]}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], convertRecord(rec, observed))
	}

	scope := &commonpb.InstrumentationScope{
		Name:    scopeName,
		Version: scopeVersion,
	}

	resourceLogs := make([]*logspb.ResourceLogs, 0, len(order))
	for _, key := range order {
		resourceLogs = append(resourceLogs, &logspb.ResourceLogs{
			Resource: e.resourceForProcess(key.pid, key.exe),
			ScopeLogs: []*logspb.ScopeLogs{
				{
					Scope:      scope,
					LogRecords: grouped[key],
				},
			},
		})
	}

	return &collogspb.ExportLogsServiceRequest{ResourceLogs: resourceLogs}
}

// ExportRecords sends trace records via OTLP gRPC.
func (e *OTLPExporter) ExportRecords(ctx context.Context, records []*capture.Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	req := e.buildRequest(records)
	if len(req.ResourceLogs) == 0 {
		return nil
	}

	if e.headers != nil {
		ctx = metadata.NewOutgoingContext(ctx, e.headers)
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, req)
	return err
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		err := e.conn.Close()
		e.conn = nil
		return err
	}
	return nil
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the Unicode replacement
// character. Argument values may carry raw bytes from the traced process.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
