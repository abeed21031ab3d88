// Package mqtt publishes detection events to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"video-transformer/configs"
	"video-transformer/internal/events"
)

const (
	queueSize      = 256
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	disconnectWait = 250 // ms
)

// Publisher is the part of a paho client the emitter uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type outbound struct {
	topic   string
	payload []byte
}

// Emitter publishes detection messages on <topic>/<session id>. Emit only
// queues; a single worker publishes, and messages are dropped while the queue
// is full.
type Emitter struct {
	pub    Publisher
	topic  string
	qos    byte
	logger *slog.Logger

	queue   chan outbound
	done    chan struct{}
	stopped chan struct{}
	stop    sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func NewEmitter(pub Publisher, topic string, qos byte, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		pub:     pub,
		topic:   topic,
		qos:     qos,
		logger:  logger,
		queue:   make(chan outbound, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go e.run()
	return e
}

// Connect dials the broker in cfg and returns an emitter bound to it, plus
// the client so the caller can disconnect it on shutdown.
func Connect(cfg *configs.MqttEnvs, logger *slog.Logger) (*Emitter, paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(c paho.Client, err error) {
		logger.Warn("mqtt connection lost, reconnecting", "broker", cfg.Broker, "err", err)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, nil, fmt.Errorf("mqtt: connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	logger.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)

	return NewEmitter(client, cfg.Topic, cfg.QoS, logger), client, nil
}

func (e *Emitter) Emit(msg events.Message) {
	if msg.Event != events.EventDetections {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		e.logger.Error("marshal detection event", "err", err)
		return
	}

	select {
	case <-e.done:
		e.dropped.Add(1)
		return
	default:
	}
	select {
	case e.queue <- outbound{topic: e.topic + "/" + msg.SessionID, payload: payload}:
	default:
		e.dropped.Add(1)
	}
}

func (e *Emitter) run() {
	defer close(e.stopped)
	for {
		select {
		case out := <-e.queue:
			e.publish(out)
		case <-e.done:
			return
		}
	}
}

func (e *Emitter) publish(out outbound) {
	token := e.pub.Publish(out.topic, e.qos, false, out.payload)
	var err error
	if !token.WaitTimeout(publishTimeout) {
		err = errors.New("mqtt: publish timeout")
	} else {
		err = token.Error()
	}
	if err != nil {
		if e.failed.Add(1) == 1 {
			e.logger.Warn("mqtt publish failed", "topic", out.topic, "err", err)
		}
		return
	}
	e.published.Add(1)
}

type Stats struct {
	Published uint64
	Dropped   uint64
	Failed    uint64
}

func (e *Emitter) Stats() Stats {
	return Stats{
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Failed:    e.failed.Load(),
	}
}

// Close stops the worker and waits for an in-flight publish. Queued messages
// that were not published yet are discarded.
func (e *Emitter) Close() {
	e.stop.Do(func() { close(e.done) })
	<-e.stopped
}

// Disconnect closes the emitter and the client it publishes through.
func Disconnect(e *Emitter, client paho.Client) {
	e.Close()
	client.Disconnect(disconnectWait)
}
