// Package journal records order outcomes and ships them to S3 as parquet.
package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"tradegate/config"
	"tradegate/logger"
	"tradegate/models"
)

// Uploader is the subset of the S3 client the journal needs.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from storage settings.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
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
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

type Options struct {
	Exchange      string
	Bucket        string
	Prefix        string
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Compression   string
	Version       string
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Minute
	}
	if o.Prefix == "" {
		o.Prefix = "orders"
	}
	if o.Exchange == "" {
		o.Exchange = "kucoin"
	}
	return o
}

// Journal buffers order outcomes per symbol and uploads them in batches.
type Journal struct {
	opts     Options
	uploader Uploader
	log      *logger.Log
	in       chan models.OrderResult

	mu      sync.Mutex
	buffer  map[string][]models.OrderResult
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped int64
}

func New(uploader Uploader, opts Options, log *logger.Log) (*Journal, error) {
	if uploader == nil {
		return nil, errors.New("journal: nil uploader")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("journal: bucket is required")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	opts = opts.withDefaults()
	return &Journal{
		opts:     opts,
		uploader: uploader,
		log:      log,
		in:       make(chan models.OrderResult, opts.BufferSize),
		buffer:   make(map[string][]models.OrderResult),
	}, nil
}

// Record queues an outcome. It never blocks; a full queue drops the entry.
func (j *Journal) Record(r models.OrderResult) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	select {
	case j.in <- r:
	default:
		j.mu.Lock()
		j.dropped++
		j.mu.Unlock()
		j.log.WithComponent("journal").WithFields(logger.Fields{
			"symbol": r.Symbol,
			"status": string(r.Status),
		}).Warn("journal queue full, dropping order outcome")
	}
}

func (j *Journal) Dropped() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

func (j *Journal) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("journal already running")
	}
	j.running = true
	ctx, j.cancel = context.WithCancel(ctx)
	j.mu.Unlock()

	j.log.WithComponent("journal").WithFields(logger.Fields{
		"bucket":         j.opts.Bucket,
		"flush_interval": j.opts.FlushInterval.String(),
		"batch_size":     j.opts.BatchSize,
	}).Info("starting order journal")

	j.wg.Add(1)
	go j.loop(ctx)
	return nil
}

// Stop drains queued outcomes and uploads what is buffered.
func (j *Journal) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	cancel := j.cancel
	j.mu.Unlock()

	cancel()
	j.wg.Wait()

drain:
	for {
		select {
		case r := <-j.in:
			j.add(context.Background(), r)
		default:
			break drain
		}
	}
	j.flush(context.Background(), "shutdown")
	j.log.WithComponent("journal").Info("order journal stopped")
}

func (j *Journal) loop(ctx context.Context) {
	defer j.wg.Done()
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-j.in:
			j.add(ctx, r)
		case <-ticker.C:
			j.flush(ctx, "interval")
		}
	}
}

func (j *Journal) add(ctx context.Context, r models.OrderResult) {
	key := strings.ToUpper(r.Symbol)
	var full []models.OrderResult
	j.mu.Lock()
	j.buffer[key] = append(j.buffer[key], r)
	if len(j.buffer[key]) >= j.opts.BatchSize {
		full = j.buffer[key]
		delete(j.buffer, key)
	}
	j.mu.Unlock()
	if len(full) > 0 {
		j.upload(ctx, key, full, "batch_size")
	}
}

func (j *Journal) flush(ctx context.Context, reason string) {
	j.mu.Lock()
	buffers := j.buffer
	j.buffer = make(map[string][]models.OrderResult)
	j.mu.Unlock()
	for symbol, entries := range buffers {
		if len(entries) > 0 {
			j.upload(ctx, symbol, entries, reason)
		}
	}
}

func (j *Journal) upload(ctx context.Context, symbol string, entries []models.OrderResult, reason string) {
	log := j.log.WithComponent("journal").WithFields(logger.Fields{
		"symbol":       symbol,
		"record_count": len(entries),
		"reason":       reason,
	})
	records := make([]orderRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, toRecord(j.opts.Exchange, e))
	}
	data, err := encode(records, j.opts.Compression)
	if err != nil {
		log.WithError(err).Error("failed to encode order journal")
		return
	}

	key := j.objectKey(symbol, entries[len(entries)-1].Timestamp)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(j.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       j.opts.Compression,
			"tradegate-version": j.opts.Version,
		},
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	if _, err := j.uploader.PutObject(ctx, input); err != nil {
		log.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to upload order journal")
		return
	}
	logger.IncrementJournalUpload(len(entries))
	log.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Info("order journal uploaded")
}

func (j *Journal) objectKey(symbol string, ts time.Time) string {
	ts = ts.UTC()
	return path.Join(
		j.opts.Prefix,
		"symbol="+strings.ToUpper(symbol),
		"date="+ts.Format("2006-01-02"),
		ts.Format("20060102150405")+uuid.NewString()+".parquet",
	)
}
