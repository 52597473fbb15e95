package probe

import (
	"log"

	"github.com/nats-io/nats.go"

	"netshield/internal/config"
	"netshield/internal/model"
)

// ObservationHandler processes one decoded observation.
type ObservationHandler func(obs model.PacketObservation)

// Subscriber receives remote probe observations over NATS and hands them
// to the packet pipeline.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
}

// NewSubscriber connects to the NATS server named by the probe config.
func NewSubscriber(cfg config.ProbeConfig) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.NATSURL)
	return &Subscriber{nc: nc, subject: cfg.Subject}, nil
}

// Start subscribes and decodes messages onto the handler. Malformed
// messages are logged and skipped.
func (s *Subscriber) Start(handler ObservationHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		obs, err := Unmarshal(msg.Data)
		if err != nil {
			log.Printf("WARN: dropping malformed observation: %v", err)
			return
		}
		handler(obs)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	log.Printf("Subscribed to '%s', waiting for observations", s.subject)
	return nil
}

// Close unsubscribes and closes the connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		log.Println("NATS connection closed")
	}
}
