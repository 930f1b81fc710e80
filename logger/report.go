package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsBook     int64
	errorsVenue    int64
	warnsBook      int64
	warnsVenue     int64
	bookReads      int64
	spotReads      int64
	signalsEmitted int64
	ordersPlaced   int64
	fillsApplied   int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "book") || strings.Contains(component, "spot") {
		atomic.AddInt64(&warnsBook, 1)
	} else if strings.Contains(component, "venue") || strings.Contains(component, "coordinator") {
		atomic.AddInt64(&warnsVenue, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "book") || strings.Contains(component, "spot") {
		atomic.AddInt64(&errorsBook, 1)
	} else if strings.Contains(component, "venue") || strings.Contains(component, "coordinator") {
		atomic.AddInt64(&errorsVenue, 1)
	}
}

func IncrementBookRead(size int) {
	atomic.AddInt64(&bookReads, 1)
	recordChannel("book_ws", size)
}

func IncrementSpotRead(size int) {
	atomic.AddInt64(&spotReads, 1)
	recordChannel("spot_feed", size)
}

func IncrementSignal() {
	atomic.AddInt64(&signalsEmitted, 1)
}

func IncrementOrderPlaced() {
	atomic.AddInt64(&ordersPlaced, 1)
}

func IncrementFillApplied() {
	atomic.AddInt64(&fillsApplied, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"errors_book":     atomic.LoadInt64(&errorsBook),
		"errors_venue":    atomic.LoadInt64(&errorsVenue),
		"warns_book":      atomic.LoadInt64(&warnsBook),
		"warns_venue":     atomic.LoadInt64(&warnsVenue),
		"book_reads":      atomic.LoadInt64(&bookReads),
		"spot_reads":      atomic.LoadInt64(&spotReads),
		"signals_emitted": atomic.LoadInt64(&signalsEmitted),
		"orders_placed":   atomic.LoadInt64(&ordersPlaced),
		"fills_applied":   atomic.LoadInt64(&fillsApplied),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"channels":        channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsBook"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_book"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsVenue"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_venue"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BookReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["book_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SpotReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["spot_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SignalsEmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["signals_emitted"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersPlaced"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_placed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FillsApplied"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["fills_applied"].(int64)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
