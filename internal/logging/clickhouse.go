package logging

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"netshield/internal/model"
)

const createTrafficTable = `
CREATE TABLE IF NOT EXISTS shield_traffic (
    Timestamp  DateTime,
    IP         String,
    Protocol   String,
    Country    Nullable(String),
    ASN        Nullable(String),
    Bytes      UInt64,
    SpeedMBps  Float64,
    Throttled  UInt8,
    Score      Int32,
    Technique  Nullable(String)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (IP, Timestamp);
`

// ClickHouseOptions configures the optional analytic traffic sink.
type ClickHouseOptions struct {
	Host          string
	Port          int
	Database      string
	Username      string
	Password      string
	FlushInterval time.Duration
}

// ClickHouseSink batches traffic rows and inserts them periodically. A
// failed flush drops the batch and logs; the local CSV remains the durable
// record.
type ClickHouseSink struct {
	conn     driver.Conn
	interval time.Duration

	mu      sync.Mutex
	pending []model.LogEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewClickHouseSink connects, ensures the table exists, and starts the
// flush loop.
func NewClickHouseSink(opts ClickHouseOptions) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createTrafficTable); err != nil {
		return nil, fmt.Errorf("failed to create traffic table: %w", err)
	}
	log.Println("Connected to ClickHouse, traffic table ready")

	interval := opts.FlushInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &ClickHouseSink{
		conn:     conn,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Append queues one traffic row for the next flush.
func (s *ClickHouseSink) Append(e model.LogEntry) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
}

func (s *ClickHouseSink) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				log.Printf("WARN: clickhouse flush failed: %v", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Flush inserts all pending rows in one batch.
func (s *ClickHouseSink) Flush() error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	insert, err := s.conn.PrepareBatch(context.Background(), "INSERT INTO shield_traffic")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, e := range batch {
		ts, _ := time.Parse(time.RFC3339, e.Timestamp)
		throttled := uint8(0)
		if e.Throttled {
			throttled = 1
		}
		if err := insert.Append(
			ts,
			e.IP,
			e.Protocol,
			nullable(e.Country),
			nullable(e.ASN),
			e.Bytes,
			e.SpeedMBps,
			throttled,
			int32(e.Score),
			nullable(e.Technique),
		); err != nil {
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	if err := insert.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	log.Printf("Wrote %d traffic rows to ClickHouse", len(batch))
	return nil
}

// Close stops the flush loop, flushes the remainder, and closes the
// connection.
func (s *ClickHouseSink) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.Flush(); err != nil {
		log.Printf("WARN: final clickhouse flush failed: %v", err)
	}
	return s.conn.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
