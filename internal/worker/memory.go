package worker

import (
	"context"
	"log/slog"
	"runtime"
)

func runtimeMemoryUsage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// checkMemory estimates the fleet footprint as local usage times the
// configured consumer count. Above the limit the worker stops so the
// supervisor can respawn a fresh process.
func (w *Worker) checkMemory(ctx context.Context) {
	usage := w.memoryUsage() * uint64(w.consumerCount)

	if w.memoryReporter != nil {
		if err := w.memoryReporter.CheckMemory(ctx, usage); err != nil {
			w.logger.Warn("Failed to report memory usage",
				slog.Any("error", err),
			)
		}
	}

	if w.memoryLimit == 0 || usage <= w.memoryLimit {
		return
	}

	w.logger.Info("Memory limit reached, stopping worker for recycling",
		slog.Uint64("usage_bytes", usage),
		slog.Uint64("limit_bytes", w.memoryLimit),
		slog.Int("consumer_count", w.consumerCount),
	)
	w.recycled = true
	w.stop()
}
