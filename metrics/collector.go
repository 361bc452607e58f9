// Package metrics exports the telemetry of a multipath group's congestion
// control senders to Prometheus.
package metrics

import (
	"strconv"

	"github.com/yanjijinxiao/mptcp"

	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "mptcp"

var (
	bandwidthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "wbbr", "bandwidth_bytes_per_second"),
		"Effective bandwidth estimate",
		[]string{"subflow", "mode"}, nil,
	)
	minRTTDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "wbbr", "min_rtt_seconds"),
		"Windowed minimum round-trip time",
		[]string{"subflow"}, nil,
	)
	pacingGainDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "wbbr", "pacing_gain"),
		"Current pacing gain",
		[]string{"subflow"}, nil,
	)
	windowGainDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "wbbr", "window_gain"),
		"Current congestion window gain",
		[]string{"subflow"}, nil,
	)
	windowDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "wbbr", "congestion_window_packets"),
		"Congestion window",
		[]string{"subflow"}, nil,
	)
	policedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "wbbr", "policed"),
		"Whether a policed-rate lock is active",
		[]string{"subflow"}, nil,
	)
	eligibleDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "wbbr", "send_eligible"),
		"Whether the subflow may currently carry data",
		[]string{"subflow"}, nil,
	)
)

// GroupCollector is a prometheus.Collector snapshotting a multipath group's
// per-subflow congestion control telemetry on every scrape.
type GroupCollector struct {
	group *mptcp.Group
}

var _ prometheus.Collector = (*GroupCollector)(nil)

// NewGroupCollector creates a collector over the group.
func NewGroupCollector(group *mptcp.Group) *GroupCollector {
	return &GroupCollector{group: group}
}

// Register registers the collector with the default Prometheus registerer.
func Register(group *mptcp.Group) error {
	return prometheus.DefaultRegisterer.Register(NewGroupCollector(group))
}

func (c *GroupCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bandwidthDesc
	ch <- minRTTDesc
	ch <- pacingGainDesc
	ch <- windowGainDesc
	ch <- windowDesc
	ch <- policedDesc
	ch <- eligibleDesc
}

func (c *GroupCollector) Collect(ch chan<- prometheus.Metric) {
	for _, stats := range c.group.Stats() {
		subflow := strconv.Itoa(stats.ID)
		ch <- prometheus.MustNewConstMetric(bandwidthDesc, prometheus.GaugeValue,
			float64(stats.BandwidthBytesPerSecond), subflow, stats.Mode.String())
		ch <- prometheus.MustNewConstMetric(minRTTDesc, prometheus.GaugeValue,
			stats.MinRTT.Seconds(), subflow)
		ch <- prometheus.MustNewConstMetric(pacingGainDesc, prometheus.GaugeValue,
			stats.PacingGain, subflow)
		ch <- prometheus.MustNewConstMetric(windowGainDesc, prometheus.GaugeValue,
			stats.WindowGain, subflow)
		ch <- prometheus.MustNewConstMetric(windowDesc, prometheus.GaugeValue,
			float64(stats.CongestionWindowPackets), subflow)
		ch <- prometheus.MustNewConstMetric(policedDesc, prometheus.GaugeValue,
			boolValue(stats.UsingLongTermBandwidth), subflow)
		ch <- prometheus.MustNewConstMetric(eligibleDesc, prometheus.GaugeValue,
			boolValue(stats.Eligible), subflow)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
