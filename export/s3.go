// Package export uploads rule exports to object storage for the cloud-sync
// layer to pick up.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/parquet-go/parquet-go"

	"github.com/chainpulse/ruleengine/engine"
)

// Format selects the serialization of an uploaded export.
type Format string

const (
	FormatJSON    Format = "json"    // one document: rules + summary (+ usage)
	FormatNDJSON  Format = "ndjson"  // one rule per line
	FormatParquet Format = "parquet" // usage records as a columnar table
)

// S3Config configures the S3 export sink.
type S3Config struct {
	Region         string `json:"region" yaml:"region"`
	Bucket         string `json:"bucket" yaml:"bucket"`
	Prefix         string `json:"prefix" yaml:"prefix"`
	Endpoint       string `json:"endpoint" yaml:"endpoint"` // for MinIO and friends
	AccessKey      string `json:"access_key" yaml:"access_key"`
	SecretKey      string `json:"secret_key" yaml:"secret_key"`
	SessionToken   string `json:"session_token" yaml:"session_token"`
	ForcePathStyle bool   `json:"force_path_style" yaml:"force_path_style"`
}

// S3Sink uploads exports to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	config *S3Config
	logger *slog.Logger
}

// NewS3Sink builds the S3 client from the config, honoring static
// credentials and custom endpoints for local object stores.
func NewS3Sink(ctx context.Context, cfg *S3Config, logger *slog.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(options *s3.Options) {
		options.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			options.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Sink{client: client, config: cfg, logger: logger}, nil
}

// Upload serializes the export in the given format and puts it under
// <prefix>/<timestamp>.<ext>, returning the object key.
func (s *S3Sink) Upload(ctx context.Context, export *engine.Export, format Format) (string, error) {
	var (
		body        []byte
		ext         string
		contentType string
		err         error
	)
	switch format {
	case FormatJSON, "":
		body, err = json.MarshalIndent(export, "", "  ")
		ext, contentType = "json", "application/json"
	case FormatNDJSON:
		body, err = encodeNDJSON(export)
		ext, contentType = "ndjson", "application/x-ndjson"
	case FormatParquet:
		body, err = encodeParquet(export)
		ext, contentType = "parquet", "application/octet-stream"
	default:
		return "", fmt.Errorf("unknown export format %q", format)
	}
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s%s.%s",
		s.keyPrefix(), export.Summary.ExportedAt.UTC().Format("20060102T150405Z"), ext)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload export: %w", err)
	}
	s.logger.Info("export uploaded",
		slog.String("bucket", s.config.Bucket),
		slog.String("key", key),
		slog.Int("bytes", len(body)))
	return key, nil
}

func (s *S3Sink) keyPrefix() string {
	if s.config.Prefix == "" {
		return "rule-exports/"
	}
	if s.config.Prefix[len(s.config.Prefix)-1] == '/' {
		return s.config.Prefix
	}
	return s.config.Prefix + "/"
}

func encodeNDJSON(export *engine.Export) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range export.Rules {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("failed to encode rule %s: %w", r.ID, err)
		}
	}
	for _, rec := range export.UsageRecords {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode usage record %s: %w", rec.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// usageRow is the flat parquet schema for usage records. Optional fields
// are encoded as zero plus a presence flag, keeping the schema free of
// nested optionals.
type usageRow struct {
	ID            string  `parquet:"id"`
	RuleID        string  `parquet:"rule_id"`
	ChainID       string  `parquet:"chain_id"`
	SessionID     string  `parquet:"session_id"`
	ActionType    string  `parquet:"action_type"`
	TaskElapsed   float64 `parquet:"task_elapsed_time"`
	TaskRemaining float64 `parquet:"task_remaining_time"`
	HasRemaining  bool    `parquet:"has_remaining_time"`
	RuleScope     string  `parquet:"rule_scope"`
	UsedAt        string  `parquet:"used_at"`
}

func encodeParquet(export *engine.Export) ([]byte, error) {
	if export.UsageRecords == nil {
		return nil, fmt.Errorf("parquet export requires usage records; export with includeUsage=true")
	}
	rows := make([]usageRow, 0, len(export.UsageRecords))
	for _, rec := range export.UsageRecords {
		row := usageRow{
			ID:          rec.ID,
			RuleID:      rec.RuleID,
			ChainID:     rec.ChainID,
			SessionID:   rec.SessionID,
			ActionType:  string(rec.ActionType),
			TaskElapsed: rec.TaskElapsed,
			RuleScope:   string(rec.RuleScope),
			UsedAt:      rec.UsedAt.Format(time.RFC3339Nano),
		}
		if rec.TaskRemaining != nil {
			row.TaskRemaining = *rec.TaskRemaining
			row.HasRemaining = true
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[usageRow](&buf)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return nil, fmt.Errorf("failed to write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return buf.Bytes(), nil
}
