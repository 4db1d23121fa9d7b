package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "feedhub/config"
	"feedhub/internal/models"
	"feedhub/logger"
)

type archiveMemFile struct {
	buffer *bytes.Buffer
}

func newArchiveMemFile() *archiveMemFile {
	return &archiveMemFile{buffer: &bytes.Buffer{}}
}

func (m *archiveMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *archiveMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *archiveMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *archiveMemFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *archiveMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *archiveMemFile) Close() error                              { return nil }
func (m *archiveMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// archiveRecord defines the schema for trade events stored in parquet.
type archiveRecord struct {
	ContentHash string  `parquet:"name=content_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventID     string  `parquet:"name=event_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Address     string  `parquet:"name=address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side        string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price       float64 `parquet:"name=price, type=DOUBLE"`
	Size        float64 `parquet:"name=size, type=DOUBLE"`
	Notional    float64 `parquet:"name=notional, type=DOUBLE"`
	Fee         float64 `parquet:"name=fee, type=DOUBLE"`
	RealizedPnl float64 `parquet:"name=realized_pnl, type=DOUBLE"`
	EventTime   int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// Archive uploads flushed batches to S3 as snappy-compressed parquet files.
// It is a secondary sink: upload failures are logged and the batch is not
// retried, since Postgres already holds the durable copy.
type Archive struct {
	s3Client *s3.Client
	bucket   string
	prefix   string
	log      *logger.Log
}

// NewArchive initializes the S3 client from configuration. A nil archive is
// returned when the S3 sink is disabled.
func NewArchive(cfg appconfig.S3Config, log *logger.Log) (*Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":     bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 archive initialized")

	return &Archive{
		s3Client: s3Client,
		bucket:   bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		log:      log,
	}, nil
}

// ArchiveBatch encodes the batch as parquet and uploads it under a
// date-partitioned key.
func (a *Archive) ArchiveBatch(ctx context.Context, batchID string, events []models.TradeEvent) error {
	if a == nil || len(events) == 0 {
		return nil
	}

	data, err := a.createParquet(events)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}

	key := a.objectKey(batchID, events)
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}

	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"s3_key":  key,
		"records": len(events),
		"bytes":   len(data),
	}).Debug("batch archived")
	return nil
}

func (a *Archive) createParquet(events []models.TradeEvent) ([]byte, error) {
	mf := newArchiveMemFile()
	pw, err := writer.NewParquetWriter(mf, new(archiveRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, e := range events {
		rec := archiveRecord{
			ContentHash: e.ContentHash,
			EventID:     e.ID,
			Address:     e.Address,
			Symbol:      strings.ToUpper(e.Symbol),
			Side:        e.Side,
			Price:       e.Price,
			Size:        e.Size,
			Notional:    e.Notional,
			Fee:         e.Fee,
			RealizedPnl: e.RealizedPnl,
			EventTime:   e.EventTime,
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

func (a *Archive) objectKey(batchID string, events []models.TradeEvent) string {
	ts := time.Now().UTC()
	for _, e := range events {
		if t := e.EventTimestamp(); t.After(time.Time{}) && e.EventTime > 0 {
			ts = t
			break
		}
	}

	parts := []string{}
	if a.prefix != "" {
		parts = append(parts, a.prefix)
	}
	parts = append(parts, fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()))

	filename := fmt.Sprintf("trades_%s_%s.parquet", ts.Format("20060102150405"), batchID)
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
