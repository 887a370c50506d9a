package cs104

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionMetrics contains atomic metrics for a client.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc, see Collectors.
type ConnectionMetrics struct {
	// IFrameSendCount indicates the number of I-frames sent.
	IFrameSendCount atomic.Uint64
	// IFrameRecvCount indicates the number of I-frames received.
	IFrameRecvCount atomic.Uint64
	// SFrameSendCount indicates the number of S-frames sent.
	SFrameSendCount atomic.Uint64
	// SFrameRecvCount indicates the number of S-frames received.
	SFrameRecvCount atomic.Uint64
	// UFrameSendCount indicates the number of U-frames sent.
	UFrameSendCount atomic.Uint64
	// UFrameRecvCount indicates the number of U-frames received.
	UFrameRecvCount atomic.Uint64

	// TestFrameSendCount indicates the number of TESTFR act sent.
	TestFrameSendCount atomic.Uint64
	// TestFrameRecvCount indicates the number of TESTFR con received.
	TestFrameRecvCount atomic.Uint64
	// TestFrameErrCount indicates the number of TESTFR that failed or were not confirmed.
	TestFrameErrCount atomic.Uint64

	// CommandCount indicates the number of commands issued.
	CommandCount atomic.Uint64
	// CommandErrCount indicates the number of commands that failed.
	CommandErrCount atomic.Uint64
	// CommandInflightCount indicates the number of commands waiting for a reply.
	CommandInflightCount atomic.Int64

	// TelegramRecvCount indicates the number of telegrams delivered to the telegram channel.
	TelegramRecvCount atomic.Uint64
	// DecodeErrCount indicates the number of malformed frames or telegrams.
	DecodeErrCount atomic.Uint64
	// SequenceErrCount indicates the number of sequence violations.
	SequenceErrCount atomic.Uint64

	// ReconnectCount indicates the number of connections lost after data transfer was active.
	ReconnectCount atomic.Uint64
	// ConnRetryGauge indicates the number of connection retries since the last successful STARTDT.
	ConnRetryGauge atomic.Uint32
}

func (m *ConnectionMetrics) incIFrameSendCount() { m.IFrameSendCount.Add(1) }
func (m *ConnectionMetrics) incIFrameRecvCount() { m.IFrameRecvCount.Add(1) }
func (m *ConnectionMetrics) incSFrameSendCount() { m.SFrameSendCount.Add(1) }
func (m *ConnectionMetrics) incSFrameRecvCount() { m.SFrameRecvCount.Add(1) }
func (m *ConnectionMetrics) incUFrameSendCount() { m.UFrameSendCount.Add(1) }
func (m *ConnectionMetrics) incUFrameRecvCount() { m.UFrameRecvCount.Add(1) }
func (m *ConnectionMetrics) incTelegramRecvCount() { m.TelegramRecvCount.Add(1) }
func (m *ConnectionMetrics) incDecodeErrCount() { m.DecodeErrCount.Add(1) }
func (m *ConnectionMetrics) incSequenceErrCount() { m.SequenceErrCount.Add(1) }
func (m *ConnectionMetrics) incReconnectCount() { m.ReconnectCount.Add(1) }

func (m *ConnectionMetrics) incTestFrameSendCount() {
	m.TestFrameSendCount.Add(1)
}

func (m *ConnectionMetrics) incTestFrameRecvCount() {
	m.TestFrameRecvCount.Add(1)
}

func (m *ConnectionMetrics) incTestFrameErrCount() {
	m.TestFrameErrCount.Add(1)
}

func (m *ConnectionMetrics) incCommandCount() {
	m.CommandCount.Add(1)
}

func (m *ConnectionMetrics) incCommandErrCount() {
	m.CommandErrCount.Add(1)
}

func (m *ConnectionMetrics) incCommandInflightCount() {
	m.CommandInflightCount.Add(1)
}

func (m *ConnectionMetrics) decCommandInflightCount() {
	m.CommandInflightCount.Add(-1)
}

func (m *ConnectionMetrics) incConnRetryGauge() {
	m.ConnRetryGauge.Add(1)
}

func (m *ConnectionMetrics) resetConnRetryGauge() {
	m.ConnRetryGauge.Store(0)
}

// Collectors returns prometheus collectors reading the metrics. Metric names are prefixed with
// namespace and carry constLabels, e.g. the station address.
func (m *ConnectionMetrics) Collectors(namespace string, constLabels prometheus.Labels) []prometheus.Collector {
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, func() float64 { return float64(v.Load()) })
	}

	frames := func(kind, dir string, v *atomic.Uint64) prometheus.Collector {
		labels := prometheus.Labels{"kind": kind, "direction": dir}
		for k, val := range constLabels {
			labels[k] = val
		}

		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "frames_total",
			Help:        "Number of APCI frames by kind and direction.",
			ConstLabels: labels,
		}, func() float64 { return float64(v.Load()) })
	}

	return []prometheus.Collector{
		frames("I", "tx", &m.IFrameSendCount),
		frames("I", "rx", &m.IFrameRecvCount),
		frames("S", "tx", &m.SFrameSendCount),
		frames("S", "rx", &m.SFrameRecvCount),
		frames("U", "tx", &m.UFrameSendCount),
		frames("U", "rx", &m.UFrameRecvCount),
		counter("testfr_sent_total", "Number of TESTFR act sent.", &m.TestFrameSendCount),
		counter("testfr_confirmed_total", "Number of TESTFR con received.", &m.TestFrameRecvCount),
		counter("testfr_errors_total", "Number of TESTFR not sent or not confirmed.", &m.TestFrameErrCount),
		counter("commands_total", "Number of commands issued.", &m.CommandCount),
		counter("command_errors_total", "Number of failed commands.", &m.CommandErrCount),
		counter("telegrams_received_total", "Number of telegrams delivered to the application.", &m.TelegramRecvCount),
		counter("decode_errors_total", "Number of malformed frames or telegrams.", &m.DecodeErrCount),
		counter("sequence_errors_total", "Number of sequence violations.", &m.SequenceErrCount),
		counter("reconnects_total", "Number of lost data transfer connections.", &m.ReconnectCount),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "commands_inflight",
			Help:        "Number of commands waiting for a reply.",
			ConstLabels: constLabels,
		}, func() float64 { return float64(m.CommandInflightCount.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connect_retries",
			Help:        "Number of connection attempts since the last successful STARTDT.",
			ConstLabels: constLabels,
		}, func() float64 { return float64(m.ConnRetryGauge.Load()) }),
	}
}
