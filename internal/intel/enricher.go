package intel

import (
	"context"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"netshield/internal/model"
)

// Enricher resolves OSINT profiles for source IPs off the packet path. IPs
// are submitted to a bounded queue; a worker pool resolves them through the
// cache, RDAP, and the loaded threat feeds, then hands the finished profile
// to the update callback.
type Enricher struct {
	resolver Resolver
	cache    Cache
	feeds    *FeedManager
	timeout  time.Duration
	onUpdate func(*model.OSINTProfile)

	hostingKeywords []string
	proxyKeywords   []string

	queue      chan string
	numWorkers int

	mu       sync.Mutex
	inflight map[string]struct{}
	dropped  uint64

	wg  sync.WaitGroup
	now func() time.Time
	ttl time.Duration
}

// Options configures an Enricher.
type Options struct {
	Resolver        Resolver
	Cache           Cache
	Feeds           *FeedManager
	LookupTimeout   time.Duration
	QueueSize       int
	NumWorkers      int
	CacheTTL        time.Duration
	HostingKeywords []string
	ProxyKeywords   []string
	OnUpdate        func(*model.OSINTProfile)
}

// NewEnricher creates an enricher. Start must be called before Submit.
func NewEnricher(opts Options) *Enricher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 4
	}
	return &Enricher{
		resolver:        opts.Resolver,
		cache:           opts.Cache,
		feeds:           opts.Feeds,
		timeout:         opts.LookupTimeout,
		onUpdate:        opts.OnUpdate,
		hostingKeywords: opts.HostingKeywords,
		proxyKeywords:   opts.ProxyKeywords,
		queue:           make(chan string, opts.QueueSize),
		numWorkers:      opts.NumWorkers,
		inflight:        make(map[string]struct{}),
		now:             time.Now,
		ttl:             opts.CacheTTL,
	}
}

// Start launches the worker pool.
func (e *Enricher) Start() {
	for i := 0; i < e.numWorkers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	log.Printf("OSINT enricher started with %d workers", e.numWorkers)
}

// Stop closes the intake and waits for in-flight lookups to finish.
func (e *Enricher) Stop() {
	close(e.queue)
	e.wg.Wait()
}

// Submit queues an IP for enrichment. Duplicate in-flight IPs are coalesced
// and queue overflow drops the request; the periodic re-score path will
// resubmit IPs that still matter.
func (e *Enricher) Submit(ip string) {
	e.mu.Lock()
	if _, busy := e.inflight[ip]; busy {
		e.mu.Unlock()
		return
	}
	e.inflight[ip] = struct{}{}
	e.mu.Unlock()

	select {
	case e.queue <- ip:
	default:
		e.mu.Lock()
		delete(e.inflight, ip)
		e.dropped++
		if e.dropped%1000 == 1 {
			log.Printf("WARN: enrichment queue full, dropped %d lookups so far", e.dropped)
		}
		e.mu.Unlock()
	}
}

// Dropped returns how many lookups were shed due to queue overflow.
func (e *Enricher) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *Enricher) worker() {
	defer e.wg.Done()
	for ip := range e.queue {
		profile := e.lookup(ip)
		e.mu.Lock()
		delete(e.inflight, ip)
		e.mu.Unlock()
		if profile != nil && e.onUpdate != nil {
			e.onUpdate(profile)
		}
	}
}

func (e *Enricher) lookup(ip string) *model.OSINTProfile {
	now := e.now()

	if profile, ok := e.cache.Get(ip, now); ok {
		return profile
	}

	if reserved := reservedProfile(ip, now, e.ttl); reserved != nil {
		e.cache.Set(ip, reserved)
		return reserved
	}

	var profile *model.OSINTProfile
	if e.resolver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		resolved, err := e.resolver.Resolve(ctx, ip)
		cancel()
		if err != nil {
			log.Printf("WARN: OSINT lookup for %s failed: %v", ip, err)
		} else {
			profile = resolved
		}
	}
	if profile == nil {
		// Resolution failed or is disabled; feeds can still classify.
		profile = &model.OSINTProfile{IP: ip}
	}

	if e.feeds != nil {
		profile.FeedHits = e.feeds.Hits(ip)
	}
	e.classify(profile)
	profile.ResolvedAt = now
	profile.TTL = e.ttl
	e.cache.Set(ip, profile)
	return profile
}

// classify applies the keyword heuristics over the registration text.
func (e *Enricher) classify(p *model.OSINTProfile) {
	text := strings.ToLower(p.ASNDescription + " " + p.NetworkName)
	for _, kw := range e.hostingKeywords {
		if strings.Contains(text, kw) {
			p.HostingASN = true
			break
		}
	}
	for _, kw := range e.proxyKeywords {
		if strings.Contains(text, kw) {
			p.ProxyOrTor = true
			break
		}
	}
}

// reservedProfile returns a synthetic profile for private, loopback, and
// link-local addresses, which must never leak to external lookups.
func reservedProfile(ip string, now time.Time, ttl time.Duration) *model.OSINTProfile {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return &model.OSINTProfile{
			IP:          ip,
			NetworkName: "Invalid",
			ResolvedAt:  now,
			TTL:         ttl,
		}
	}
	if parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified() {
		return &model.OSINTProfile{
			IP:          ip,
			NetworkName: "Reserved",
			ResolvedAt:  now,
			TTL:         ttl,
		}
	}
	return nil
}
