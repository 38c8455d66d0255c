package observer

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pialmmh/statemachine/pkg/core"
)

// NATSBridgeConfig configures the NATS notification bridge.
type NATSBridgeConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// Prefix is prepended to all subjects. Default: "statemachine".
	Prefix string

	// Name is an optional NATS connection name.
	Name string

	// Capacity bounds the bridge's subscription channel.
	Capacity int
}

// NATSBridge pumps bus notifications onto NATS subjects so external
// consumers can observe the runtime without a websocket session.
//
// Subject mapping: <prefix>.notify.<registryId>.<type>
type NATSBridge struct {
	nc     *nats.Conn
	prefix string
	sub    *Subscription
	logger core.Logger
	done   chan struct{}
}

// NewNATSBridge connects and starts pumping from the bus.
func NewNATSBridge(bus *Bus, cfg NATSBridgeConfig, logger core.Logger) (*NATSBridge, error) {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "statemachine"
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	br := &NATSBridge{
		nc:     nc,
		prefix: prefix,
		sub:    bus.Subscribe(cfg.Capacity),
		logger: logger,
		done:   make(chan struct{}),
	}
	go br.pump()
	return br, nil
}

func (br *NATSBridge) pump() {
	defer close(br.done)
	for n := range br.sub.C() {
		data, err := core.JSONEncode(n)
		if err != nil {
			br.logger.Warnf("nats bridge: encode notification: %v", err)
			continue
		}
		subject := br.prefix + ".notify." + n.RegistryID + "." + string(n.Type)
		if err := br.nc.Publish(subject, data); err != nil {
			br.logger.Warnf("nats bridge: publish %s: %v", subject, err)
		}
	}
}

// Close detaches from the bus and drains the connection.
func (br *NATSBridge) Close() error {
	br.sub.Unsubscribe()
	select {
	case <-br.done:
	case <-time.After(5 * time.Second):
	}
	_ = br.nc.Drain()
	br.nc.Close()
	return nil
}
