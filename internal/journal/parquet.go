package journal

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"tradegate/models"
)

type orderRecord struct {
	Exchange      string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp     int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	OrderID       string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClientOrderID string  `parquet:"name=client_order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side          string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type          string  `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount        float64 `parquet:"name=amount, type=DOUBLE"`
	Price         float64 `parquet:"name=price, type=DOUBLE"`
	Leverage      int32   `parquet:"name=leverage, type=INT32"`
	ReduceOnly    bool    `parquet:"name=reduce_only, type=BOOLEAN"`
	Status        string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason        string  `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	AlreadyFlat   bool    `parquet:"name=already_flat, type=BOOLEAN"`
}

func toRecord(exchange string, r models.OrderResult) orderRecord {
	return orderRecord{
		Exchange:      exchange,
		Symbol:        r.Symbol,
		Timestamp:     r.Timestamp.UnixMilli(),
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Side:          string(r.Side),
		Type:          string(r.Type),
		Amount:        r.Amount,
		Price:         r.Price,
		Leverage:      int32(r.Leverage),
		ReduceOnly:    r.ReduceOnly,
		Status:        string(r.Status),
		Reason:        r.Reason,
		AlreadyFlat:   r.AlreadyFlat,
	}
}

// memFile is a write-only parquet sink backed by a buffer.
type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

func encode(records []orderRecord, compression string) ([]byte, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(orderRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)
	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("write order record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize order parquet: %w", err)
	}
	return mem.Bytes(), nil
}
