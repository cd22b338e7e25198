package stream

import (
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap"

	"tradegate/pkg/envelope"
)

// LifecycleTopic carries notifications about the gateway itself.
const LifecycleTopic = "lifecycle"

// Lifecycle emits gateway notifications as envelopes, sequenced per process.
type Lifecycle struct {
	instance string
	seq      atomic.Int64
	publish  func(Frame)
	log      *zap.Logger
}

func NewLifecycle(instance string, publish func(Frame), log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{instance: instance, publish: publish, log: log}
}

// Emit publishes one notification, e.g. "gates.reloaded".
func (l *Lifecycle) Emit(typ string, payload any) {
	env, err := envelope.New(typ, "gateway", l.instance, l.seq.Add(1), payload)
	if err != nil {
		l.log.Warn("lifecycle payload not encodable", zap.String("type", typ), zap.Error(err))
		return
	}
	data, _ := json.Marshal(env)
	l.publish(Frame{Topic: LifecycleTopic, Event: typ, ID: env.EventID, Data: data})
}
