package journal

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/reader"

	"tradegate/models"
)

type upload struct {
	key  string
	body []byte
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	err     error
}

func (f *fakeUploader) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.mu.Lock()
	f.uploads = append(f.uploads, upload{key: aws.ToString(in.Key), body: body})
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) all() []upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upload(nil), f.uploads...)
}

func decode(t *testing.T, data []byte) []orderRecord {
	t.Helper()
	pf, err := buffer.NewBufferFile(data)
	require.NoError(t, err)
	pr, err := reader.NewParquetReader(pf, new(orderRecord), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	rows := make([]orderRecord, pr.GetNumRows())
	require.NoError(t, pr.Read(&rows))
	return rows
}

func result(symbol string, status models.OrderStatus, ts time.Time) models.OrderResult {
	return models.OrderResult{
		OrderID:   "o-" + symbol,
		Symbol:    symbol,
		Side:      models.SideBuy,
		Type:      models.OrderTypeMarket,
		Amount:    3,
		Leverage:  5,
		Status:    status,
		Timestamp: ts,
	}
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(&fakeUploader{}, Options{}, nil)
	assert.Error(t, err)
	_, err = New(nil, Options{Bucket: "b"}, nil)
	assert.Error(t, err)
}

func TestBatchUploadedWhenFull(t *testing.T) {
	up := &fakeUploader{}
	j, err := New(up, Options{Bucket: "trades", BatchSize: 2, FlushInterval: time.Hour, Compression: "snappy"}, nil)
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))
	defer j.Stop()

	ts := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	j.Record(result("XBTUSDTM", models.StatusPlaced, ts))
	j.Record(result("XBTUSDTM", models.StatusRejected, ts.Add(time.Second)))

	require.Eventually(t, func() bool { return len(up.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	u := up.all()[0]
	assert.True(t, strings.HasPrefix(u.key, "orders/symbol=XBTUSDTM/date=2026-03-04/20260304100001"), u.key)
	assert.True(t, strings.HasSuffix(u.key, ".parquet"))

	rows := decode(t, u.body)
	require.Len(t, rows, 2)
	assert.Equal(t, "kucoin", rows[0].Exchange)
	assert.Equal(t, "placed", rows[0].Status)
	assert.Equal(t, "rejected", rows[1].Status)
	assert.Equal(t, int32(5), rows[1].Leverage)
}

func TestStopFlushesPartialBatches(t *testing.T) {
	up := &fakeUploader{}
	j, err := New(up, Options{Bucket: "trades", BatchSize: 100, FlushInterval: time.Hour}, nil)
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))

	now := time.Now()
	j.Record(result("XBTUSDTM", models.StatusClosed, now))
	j.Record(result("ETHUSDTM", models.StatusInfeasible, now))
	j.Stop()

	uploads := up.all()
	require.Len(t, uploads, 2)
	var symbols []string
	for _, u := range uploads {
		rows := decode(t, u.body)
		require.Len(t, rows, 1)
		symbols = append(symbols, rows[0].Symbol)
	}
	assert.ElementsMatch(t, []string{"XBTUSDTM", "ETHUSDTM"}, symbols)
}

func TestRecordNeverBlocks(t *testing.T) {
	j, err := New(&fakeUploader{}, Options{Bucket: "trades", BufferSize: 1}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			j.Record(result("XBTUSDTM", models.StatusPlaced, time.Time{}))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	assert.Equal(t, int64(4), j.Dropped())
}

func TestUploadFailureIsLogged(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	j, err := New(up, Options{Bucket: "trades", BatchSize: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))
	j.Record(result("XBTUSDTM", models.StatusPlaced, time.Now()))
	j.Stop()
	assert.Empty(t, up.all())
}
