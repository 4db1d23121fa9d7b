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
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed    int64
	errorsWriter  int64
	warnsFeed     int64
	warnsWriter   int64
	feedReads     int64
	storeWrites   int64
	channels      sync.Map // map[string]*channelStat
	depthSamplers sync.Map // map[string]func() int
)

func recordWarn(component string) {
	if strings.Contains(component, "feed") {
		atomic.AddInt64(&warnsFeed, 1)
	} else if strings.Contains(component, "writer") {
		atomic.AddInt64(&warnsWriter, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "feed") {
		atomic.AddInt64(&errorsFeed, 1)
	} else if strings.Contains(component, "writer") {
		atomic.AddInt64(&errorsWriter, 1)
	}
}

// IncrementFeedRead counts one frame received from the upstream feed.
func IncrementFeedRead(size int) {
	atomic.AddInt64(&feedReads, 1)
	recordChannel("feed_ws", size)
}

// IncrementStoreWrite counts one durable batch write.
func IncrementStoreWrite(records int) {
	atomic.AddInt64(&storeWrites, 1)
	recordChannel("store_write", records)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

// RegisterDepthSampler makes a queue depth visible in the runtime report.
// Passing a nil sampler removes the entry.
func RegisterDepthSampler(name string, sampler func() int) {
	if sampler == nil {
		depthSamplers.Delete(name)
		return
	}
	depthSamplers.Store(name, sampler)
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
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
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

	depths := map[string]int{}
	depthSamplers.Range(func(k, v any) bool {
		depths[k.(string)] = v.(func() int)()
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	memUsed := uint64(0)
	if memStats != nil {
		memUsed = memStats.Used
	}
	diskUsed := uint64(0)
	if diskStats != nil {
		diskUsed = diskStats.Used
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_feed":    atomic.LoadInt64(&errorsFeed),
		"errors_writer":  atomic.LoadInt64(&errorsWriter),
		"warns_feed":     atomic.LoadInt64(&warnsFeed),
		"warns_writer":   atomic.LoadInt64(&warnsWriter),
		"feed_reads":     atomic.LoadInt64(&feedReads),
		"store_writes":   atomic.LoadInt64(&storeWrites),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed) / 1024 / 1024,
		"disk_mb":        int64(diskUsed) / 1024 / 1024,
		"channels":       channelData,
		"queue_depths":   depths,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
