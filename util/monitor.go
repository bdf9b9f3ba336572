// util/monitor.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package util

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/atcflow/datalink/log"
	"github.com/shirou/gopsutil/cpu"
)

// MonitorCPUUsage spawns a goroutine that watches process CPU utilization
// and logs when it stays above the given percentage. If panicIfWedged is
// set and utilization stays pinned for a minute, it panics to get a stack
// trace of all goroutines into the logs.
func MonitorCPUUsage(percent int, panicIfWedged bool, lg *log.Logger) {
	go func() {
		var pinnedSince time.Time
		for {
			usage, err := cpu.Percent(10*time.Second, false)
			if err != nil {
				lg.Errorf("cpu.Percent: %v", err)
				return
			}
			if len(usage) == 0 || usage[0] < float64(percent) {
				pinnedSince = time.Time{}
				continue
			}

			lg.Warn("high CPU usage", slog.Float64("percent", usage[0]))
			if pinnedSince.IsZero() {
				pinnedSince = time.Now()
			} else if panicIfWedged && time.Since(pinnedSince) > time.Minute && !DebuggerIsRunning() {
				buf := make([]byte, 1<<20)
				n := runtime.Stack(buf, true)
				lg.Error("CPU pinned, dumping stacks", slog.String("stacks", string(buf[:n])))
				panic(fmt.Sprintf("CPU usage above %d%% for over a minute", percent))
			}
		}
	}()
}

// MonitorMemoryUsage spawns a goroutine that logs when the heap first
// exceeds triggerMB and again each time it grows by another deltaMB.
func MonitorMemoryUsage(triggerMB, deltaMB int, lg *log.Logger) {
	go func() {
		threshold := uint64(triggerMB) * 1024 * 1024
		for {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > threshold {
				lg.Warn("memory usage",
					slog.Uint64("heap_alloc_mb", ms.HeapAlloc/(1024*1024)),
					slog.Uint64("sys_mb", ms.Sys/(1024*1024)))
				threshold = ms.HeapAlloc + uint64(deltaMB)*1024*1024
			}
			time.Sleep(15 * time.Second)
		}
	}()
}
