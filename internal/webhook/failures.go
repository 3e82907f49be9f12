package webhook

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/metrics"
)

// FailureCounter counts signature failures for the life of the process and
// raises one alert each time the count first goes over the threshold.
type FailureCounter struct {
	threshold int64
	count     atomic.Int64
	logger    *zap.Logger
}

func NewFailureCounter(threshold int, logger *zap.Logger) *FailureCounter {
	return &FailureCounter{threshold: int64(threshold), logger: logger}
}

// Inc records one failure and reports whether this one raised the alert.
func (f *FailureCounter) Inc() bool {
	metrics.IncSignatureFailure()
	n := f.count.Add(1)
	if n != f.threshold+1 {
		return false
	}
	metrics.IncSignatureAlert()
	f.logger.Error("Webhook signature failures exceeded threshold",
		zap.Int64("failures", n),
		zap.Int64("threshold", f.threshold),
		zap.String("alert", "webhook_signature_failures"),
	)
	return true
}

func (f *FailureCounter) Count() int64 {
	return f.count.Load()
}

// Reset re-arms the alert.
func (f *FailureCounter) Reset() {
	f.count.Store(0)
}
