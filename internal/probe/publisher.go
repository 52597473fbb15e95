package probe

import (
	"log"

	"github.com/nats-io/nats.go"

	"netshield/internal/config"
	"netshield/internal/model"
)

// Publisher ships packet observations from a capture host to the daemon
// over NATS.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher connects to the NATS server named by the probe config.
func NewPublisher(cfg config.ProbeConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.NATSURL)
	return &Publisher{nc: nc, subject: cfg.Subject}, nil
}

// Publish encodes and sends one observation.
func (p *Publisher) Publish(obs model.PacketObservation) error {
	return p.nc.Publish(p.subject, Marshal(obs))
}

// Close drains in-flight messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed")
	}
}
