package progress

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tecnicocursos/render-api/internal/model"
)

// NATSBroker relays events through NATS so API nodes see progress from
// workers running in other processes. Local fan-out is unchanged.
type NATSBroker struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
	local  *LocalBroker
	logger *zap.Logger
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("render-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
}

// NewNATSBroker subscribes to "<prefix>.*" and feeds matching events to local subscribers.
func NewNATSBroker(nc *nats.Conn, prefix string, buffer int, logger *zap.Logger) (*NATSBroker, error) {
	if prefix == "" {
		prefix = "render.progress"
	}
	b := &NATSBroker{
		nc:     nc,
		prefix: strings.TrimSuffix(prefix, "."),
		local:  NewLocalBroker(buffer),
		logger: logger,
	}
	sub, err := nc.Subscribe(b.prefix+".*", b.onMessage)
	if err != nil {
		return nil, err
	}
	b.sub = sub
	return b, nil
}

func (b *NATSBroker) subject(jobID string) string {
	return b.prefix + "." + jobID
}

func (b *NATSBroker) onMessage(msg *nats.Msg) {
	var ev model.ProgressEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Warn("Dropping malformed progress event", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	b.local.Publish(context.Background(), ev)
}

// Publish sends the event to NATS. If NATS rejects it, local subscribers still get it.
func (b *NATSBroker) Publish(ctx context.Context, event model.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("Failed to marshal progress event", zap.String("jobId", event.JobID), zap.Error(err))
		return
	}
	if err := b.nc.Publish(b.subject(event.JobID), data); err != nil {
		b.logger.Warn("NATS publish failed, delivering locally", zap.String("jobId", event.JobID), zap.Error(err))
		b.local.Publish(ctx, event)
	}
}

func (b *NATSBroker) Subscribe(jobID string) *Subscription {
	return b.local.Subscribe(jobID)
}

func (b *NATSBroker) Unsubscribe(sub *Subscription) {
	b.local.Unsubscribe(sub)
}

// Close stops relaying and drains the connection.
func (b *NATSBroker) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}
