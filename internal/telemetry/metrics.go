// ABOUTME: Metric instruments recorded by bot sessions and the registry
// ABOUTME: Message and error counters plus a live session gauge and send latency

package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the sigbot metric instruments.
type Metrics struct {
	MessagesSent     metric.Int64Counter
	SendFailures     metric.Int64Counter
	MessagesReceived metric.Int64Counter
	ReceiveErrors    metric.Int64Counter
	AttachmentsSaved metric.Int64Counter
	LiveSessions     metric.Int64UpDownCounter
	SendDuration     metric.Float64Histogram
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.MessagesSent, err = meter.Int64Counter("sigbot.messages.sent",
		metric.WithDescription("Messages confirmed sent")); err != nil {
		return nil, err
	}
	if m.SendFailures, err = meter.Int64Counter("sigbot.messages.send_failures",
		metric.WithDescription("Sends that failed or reported recipient errors")); err != nil {
		return nil, err
	}
	if m.MessagesReceived, err = meter.Int64Counter("sigbot.messages.received",
		metric.WithDescription("Inbound messages queued for delivery")); err != nil {
		return nil, err
	}
	if m.ReceiveErrors, err = meter.Int64Counter("sigbot.receive.errors",
		metric.WithDescription("Receiver teardowns caused by errors")); err != nil {
		return nil, err
	}
	if m.AttachmentsSaved, err = meter.Int64Counter("sigbot.attachments.saved",
		metric.WithDescription("Attachments written to disk")); err != nil {
		return nil, err
	}
	if m.LiveSessions, err = meter.Int64UpDownCounter("sigbot.sessions.live",
		metric.WithDescription("Bot sessions held by the registry")); err != nil {
		return nil, err
	}
	if m.SendDuration, err = meter.Float64Histogram("sigbot.send.duration",
		metric.WithDescription("Time from send to confirmation"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by the no-op meter.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		// The no-op meter never fails.
		panic(err)
	}
	return m
}
