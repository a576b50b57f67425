package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type topicStat struct {
	messages int64
	bytes    int64
}

var (
	errorsTotal       int64
	warnsTotal        int64
	restCalls         int64
	restFailures      int64
	retries           int64
	orderRejections   int64
	streamMessages    int64
	streamSuppressed  int64
	streamReconnects  int64
	journalUploads    int64
	componentErrors   sync.Map // map[string]*int64
	streamTopicCounts sync.Map // map[string]*topicStat
)

func recordWarn(component string) {
	atomic.AddInt64(&warnsTotal, 1)
}

func recordError(component string) {
	atomic.AddInt64(&errorsTotal, 1)
	if component == "" {
		return
	}
	v, _ := componentErrors.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func IncrementRestCall()           { atomic.AddInt64(&restCalls, 1) }
func IncrementRestFailure()        { atomic.AddInt64(&restFailures, 1) }
func IncrementRetry()              { atomic.AddInt64(&retries, 1) }
func IncrementOrderRejection()     { atomic.AddInt64(&orderRejections, 1) }
func IncrementStreamSuppressed()   { atomic.AddInt64(&streamSuppressed, 1) }
func IncrementStreamReconnect()    { atomic.AddInt64(&streamReconnects, 1) }
func IncrementJournalUpload(n int) { atomic.AddInt64(&journalUploads, int64(n)) }

// RecordStreamMessage counts an inbound stream payload against its channel kind.
func RecordStreamMessage(kind string, size int) {
	atomic.AddInt64(&streamMessages, 1)
	v, _ := streamTopicCounts.LoadOrStore(kind, &topicStat{})
	ts := v.(*topicStat)
	atomic.AddInt64(&ts.messages, 1)
	atomic.AddInt64(&ts.bytes, int64(size))
}

// Snapshot is a point-in-time copy of the process counters.
type Snapshot struct {
	Errors           int64
	Warns            int64
	RestCalls        int64
	RestFailures     int64
	Retries          int64
	OrderRejections  int64
	StreamMessages   int64
	StreamSuppressed int64
	StreamReconnects int64
	JournalUploads   int64
}

func Counters() Snapshot {
	return Snapshot{
		Errors:           atomic.LoadInt64(&errorsTotal),
		Warns:            atomic.LoadInt64(&warnsTotal),
		RestCalls:        atomic.LoadInt64(&restCalls),
		RestFailures:     atomic.LoadInt64(&restFailures),
		Retries:          atomic.LoadInt64(&retries),
		OrderRejections:  atomic.LoadInt64(&orderRejections),
		StreamMessages:   atomic.LoadInt64(&streamMessages),
		StreamSuppressed: atomic.LoadInt64(&streamSuppressed),
		StreamReconnects: atomic.LoadInt64(&streamReconnects),
		JournalUploads:   atomic.LoadInt64(&journalUploads),
	}
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of execution-layer counters until ctx ends.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	s := Counters()

	topics := map[string]map[string]int64{}
	streamTopicCounts.Range(func(k, v any) bool {
		ts := v.(*topicStat)
		topics[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&ts.messages),
			"bytes":    atomic.LoadInt64(&ts.bytes),
		}
		return true
	})
	byComponent := map[string]int64{}
	componentErrors.Range(func(k, v any) bool {
		byComponent[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})

	log.WithComponent("report").WithFields(Fields{
		"errors":              s.Errors,
		"warns":               s.Warns,
		"errors_by_component": byComponent,
		"rest_calls":          s.RestCalls,
		"rest_failures":       s.RestFailures,
		"retries":             s.Retries,
		"order_rejections":    s.OrderRejections,
		"stream_messages":     s.StreamMessages,
		"stream_suppressed":   s.StreamSuppressed,
		"stream_reconnects":   s.StreamReconnects,
		"journal_uploads":     s.JournalUploads,
		"stream_topics":       topics,
		"goroutines":          runtime.NumGoroutine(),
	}).Info("runtime report")

	count := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(v))}
	}
	data := []cwtypes.MetricDatum{
		count("Errors", s.Errors),
		count("Warnings", s.Warns),
		count("RestCalls", s.RestCalls),
		count("RestFailures", s.RestFailures),
		count("Retries", s.Retries),
		count("OrderRejections", s.OrderRejections),
		count("StreamMessages", s.StreamMessages),
		count("StreamErrorsSuppressed", s.StreamSuppressed),
		count("StreamReconnects", s.StreamReconnects),
		count("JournalUploads", s.JournalUploads),
		count("Goroutines", int64(runtime.NumGoroutine())),
	}
	for name, stats := range topics {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("StreamTopicMessages"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(stats["messages"])),
		})
	}

	publishMetrics(ctx, data)
}
