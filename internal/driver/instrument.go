package driver

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/replstore/internal/crdt"
	"github.com/devrev/replstore/internal/metrics"
)

type instrumented struct {
	Driver
	metrics  *metrics.Metrics
	protocol string
	detach   sync.Once
}

func instrument(d Driver, m *metrics.Metrics) Driver {
	protocol := string(d.Key().Protocol())
	m.DriverAttached(protocol, 1)
	return &instrumented{Driver: d, metrics: m, protocol: protocol}
}

func (d *instrumented) Send(ctx context.Context, data crdt.Data, version int) (SendResult, error) {
	start := time.Now()
	res, err := d.Driver.Send(ctx, data, version)

	outcome := "rejected"
	switch {
	case err != nil:
		outcome = "error"
	case res.Accepted:
		outcome = "accepted"
	}
	d.metrics.RecordSend(d.protocol, outcome, time.Since(start).Seconds())
	return res, err
}

func (d *instrumented) RegisterReceiver(token string, r Receiver) {
	d.Driver.RegisterReceiver(token, func(data crdt.Data, version int) {
		d.metrics.RecordReceive(d.protocol)
		r(data, version)
	})
}

func (d *instrumented) Close() error {
	d.detach.Do(func() { d.metrics.DriverAttached(d.protocol, -1) })
	return d.Driver.Close()
}
