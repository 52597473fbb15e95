package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"netshield/internal/config"
	"netshield/internal/probe"
	"netshield/pkg/capture"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	device := flag.String("iface", "", "Interface to capture from (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Printf("WARN: %v, using defaults", err)
		cfg = config.Default()
	}
	if *device != "" {
		cfg.Capture.Device = *device
	}

	pub, err := probe.NewPublisher(cfg.Probe)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer pub.Close()

	src, err := capture.OpenLive(cfg.Capture.Device, cfg.BPFFilter())
	if err != nil {
		log.Fatalf("Failed to start capture: %v", err)
	}
	defer src.Close()

	go func() {
		published := 0
		for obs := range src.Observations() {
			if err := pub.Publish(obs); err != nil {
				log.Printf("WARN: failed to publish observation: %v", err)
				continue
			}
			published++
			if published%10000 == 0 {
				log.Printf("%d observations published", published)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("Probe shutting down...")
}
