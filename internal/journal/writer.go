package journal

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "polyscalp/config"
	"polyscalp/internal/events"
	"polyscalp/logger"
	"polyscalp/models"
)

// TradeRecord is the parquet row for one executed trade.
type TradeRecord struct {
	MarketID string  `parquet:"name=market_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Action   string  `parquet:"name=action, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side     string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size     float64 `parquet:"name=size, type=DOUBLE"`
	Price    float64 `parquet:"name=price, type=DOUBLE"`
	PnL      float64 `parquet:"name=pnl, type=DOUBLE"`
	Reason   string  `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	TS       int64   `parquet:"name=ts, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory
// encoding before upload.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)  { return mfw, nil }
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Writer archives executed trades as parquet files, locally and to S3
// when storage is enabled. This is the durable trade log; engine state
// itself is never persisted.
type Writer struct {
	config   *appconfig.Config
	bus      *events.Bus
	sub      *events.Subscription
	s3Client *s3.Client
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	log      *logger.Log

	buffer []TradeRecord
}

func NewWriter(cfg *appconfig.Config, bus *events.Bus) (*Writer, error) {
	log := logger.GetLogger()

	w := &Writer{
		config: cfg,
		bus:    bus,
		wg:     &sync.WaitGroup{},
		log:    log,
	}

	if cfg.Storage.S3.Enabled {
		ctx := context.Background()
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Storage.S3.Region),
		}
		if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(
					cfg.Storage.S3.AccessKeyID,
					cfg.Storage.S3.SecretAccessKey,
					"",
				),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		w.s3Client = s3.NewFromConfig(awsCfg)
		log.WithComponent("journal").WithFields(logger.Fields{
			"bucket": cfg.Storage.S3.Bucket,
			"region": cfg.Storage.S3.Region,
		}).Info("journal S3 upload enabled")
	}

	return w, nil
}

// Start subscribes to the event bus and launches the flush worker.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("journal writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.stop = make(chan struct{})
	w.mu.Unlock()

	if !w.config.Journal.Enabled {
		w.log.WithComponent("journal").Warn("journal is disabled")
		return fmt.Errorf("journal is disabled")
	}

	if err := os.MkdirAll(w.config.Journal.Directory, 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	w.sub = w.bus.Subscribe()

	w.wg.Add(1)
	go w.consume()

	w.wg.Add(1)
	go w.flushWorker()

	w.log.WithComponent("journal").WithFields(logger.Fields{
		"directory": w.config.Journal.Directory,
	}).Info("journal writer started")
	return nil
}

// Stop flushes what remains and waits for the workers.
func (w *Writer) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()
	if !running {
		return
	}

	close(w.stop)
	w.bus.Unsubscribe(w.sub)
	w.wg.Wait()
	w.flush("shutdown")
	w.log.WithComponent("journal").Info("journal writer stopped")
}

func (w *Writer) consume() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.sub.C():
			if !ok {
				return
			}
			if ev.Kind != models.EventTradeExecuted {
				continue
			}
			trade, ok := ev.Payload.(models.TradeExecuted)
			if !ok {
				continue
			}
			w.add(trade)
		}
	}
}

func (w *Writer) add(trade models.TradeExecuted) {
	pnl := 0.0
	if trade.PnL != nil {
		pnl = trade.PnL.InexactFloat64()
	}
	record := TradeRecord{
		MarketID: trade.MarketID,
		Action:   string(trade.Action),
		Side:     string(trade.Side),
		Size:     trade.Size.InexactFloat64(),
		Price:    trade.Price.InexactFloat64(),
		PnL:      pnl,
		Reason:   trade.Reason,
		TS:       trade.TS.UnixMilli(),
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, record)
	full := len(w.buffer) >= w.config.Journal.BatchSize
	w.mu.Unlock()

	if full {
		w.flush("batch_size")
	}
}

func (w *Writer) flushWorker() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.config.Journal.FlushInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.flush("interval")
		}
	}
}

func (w *Writer) flush(reason string) {
	w.mu.Lock()
	records := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(records) == 0 {
		return
	}

	log := w.log.WithComponent("journal").WithFields(logger.Fields{
		"records": len(records),
		"reason":  reason,
	})

	data, err := encodeParquet(records)
	if err != nil {
		log.WithError(err).Error("failed to encode parquet")
		return
	}

	name := fmt.Sprintf("trades-%s-%s.parquet", time.Now().UTC().Format("20060102T150405"), uuid.New().String()[:8])
	path := filepath.Join(w.config.Journal.Directory, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.WithError(err).Error("failed to write journal file")
		return
	}
	log.WithFields(logger.Fields{"path": path, "bytes": len(data)}).Info("journal batch written")

	if w.s3Client != nil {
		w.upload(name, data, log)
	}
}

func (w *Writer) upload(name string, data []byte, log *logger.Entry) {
	key := name
	if prefix := w.config.Storage.S3.Prefix; prefix != "" {
		key = fmt.Sprintf("%s/%s/%s", prefix, time.Now().UTC().Format("2006-01-02"), name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("failed to upload journal batch")
		return
	}
	log.WithFields(logger.Fields{"s3_key": key}).Info("journal batch uploaded")
}

func encodeParquet(records []TradeRecord) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := parquetwriter.NewParquetWriter(fw, new(TradeRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, record := range records {
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}
