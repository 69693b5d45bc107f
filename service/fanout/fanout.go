package fanout

import (
	"encoding/json"
	"time"

	"PPresence/logger"
	"PPresence/service/eventbus"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Fanout mirrors presence events across gateway nodes over NATS Core
// pub/sub, so clients attached to node B still see userOnline for a user who
// connected to node A. Notification fan-out stays on the Kafka lanes; this
// path only carries the lightweight presence broadcasts.

const defaultSubject = "presence.events"

type Config struct {
	Servers   string // comma separated nats urls
	Name      string
	GatewayID string
	Subject   string
}

func (c *Config) norm() {
	if c.Subject == "" {
		c.Subject = defaultSubject
	}
	if c.Servers == "" {
		c.Servers = nats.DefaultURL
	}
}

// Envelope is the wire form of one mirrored presence event.
type Envelope struct {
	Kind      string `json:"kind"` // userOnline | userOffline | statusChanged
	UserID    string `json:"user_id"`
	Status    string `json:"status,omitempty"`
	GatewayID string `json:"gateway_id"`
	TS        int64  `json:"ts"`
}

type Fanout struct {
	nc   *nats.Conn
	conf Config
}

func Connect(conf Config) (*Fanout, error) {
	conf.norm()
	nc, err := nats.Connect(conf.Servers,
		nats.Name(conf.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return &Fanout{nc: nc, conf: conf}, nil
}

func (f *Fanout) Close() {
	if f.nc != nil {
		f.nc.Close()
	}
}

// Bind publishes local presence events onto the shared subject.
func (f *Fanout) Bind(bus *eventbus.Bus) {
	bus.Subscribe("fanout", func(ev eventbus.Event) {
		env := Envelope{GatewayID: f.conf.GatewayID}
		switch e := ev.(type) {
		case eventbus.UserOnline:
			env.Kind = "userOnline"
			env.UserID = e.UserID
			env.TS = e.TS
		case eventbus.UserOffline:
			env.Kind = "userOffline"
			env.UserID = e.UserID
			env.TS = e.TS
		case eventbus.StatusChanged:
			env.Kind = "statusChanged"
			env.UserID = e.UserID
			env.Status = e.Status
			env.TS = e.TS
		default:
			return
		}
		body, _ := json.Marshal(env)
		if err := f.nc.Publish(f.conf.Subject, body); err != nil {
			logger.Errorf("[fanout] publish failed kind=%s user=%s err=%v", env.Kind, env.UserID, err)
		}
	}, eventbus.KindUserOnline, eventbus.KindUserOffline, eventbus.KindStatusChanged)
}

// Subscribe delivers remote envelopes (own gateway's echoes are skipped) to
// onRemote; the gateway wires this to its local broadcast.
func (f *Fanout) Subscribe(onRemote func(Envelope)) error {
	_, err := f.nc.Subscribe(f.conf.Subject, func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			logger.Errorf("[fanout] bad envelope err=%v", err)
			return
		}
		if env.GatewayID == f.conf.GatewayID {
			return
		}
		onRemote(env)
	})
	return errors.Wrap(err, "nats subscribe")
}
