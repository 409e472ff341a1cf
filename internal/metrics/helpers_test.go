package metrics_test

import (
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/metrics/mocks"
)

func TestHelpersUseGivenRegistry(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := mocks.NewMockMetricsRegistry(ctrl)

	mock.EXPECT().Counter(metrics.MetricArbiterRequests, metrics.Labels{
		metrics.LabelClient:   "roaming-immediate",
		metrics.LabelResource: "channel",
		metrics.LabelResult:   "run",
	})
	mock.EXPECT().Counter(metrics.MetricScanTotal, metrics.Labels{metrics.LabelClient: "app-oneshot", metrics.LabelStatus: "ok"})
	mock.EXPECT().Histogram(metrics.MetricScanDuration, gomock.Any(), metrics.Labels{metrics.LabelClient: "app-oneshot"})
	mock.EXPECT().Counter(metrics.MetricFramesDropped, metrics.Labels{metrics.LabelClient: "app-oneshot", metrics.LabelReason: "rssi"})
	mock.EXPECT().Counter(metrics.MetricSMETransitions, metrics.Labels{metrics.LabelFrom: "idle", metrics.LabelTo: "wait_connect"})

	metrics.RecordArbiterDecision(mock, "roaming-immediate", "channel", "run")
	metrics.RecordScanOutcome(mock, "app-oneshot", "ok")
	metrics.RecordScanDuration(mock, "app-oneshot", 20*time.Millisecond)
	metrics.RecordFrameDropped(mock, "app-oneshot", "rssi")
	metrics.RecordSMETransition(mock, "idle", "wait_connect")
}
