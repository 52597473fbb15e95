package intel

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Default public blocklist sources. Names are stable identifiers that end
// up in profile feed hits and score factor details.
var defaultFeedURLs = map[string]string{
	"ipsum":           "https://raw.githubusercontent.com/stamparm/ipsum/master/levels/3.txt",
	"emergingthreats": "https://rules.emergingthreats.net/blockrules/compromised-ips.txt",
	"feodo":           "https://feodotracker.abuse.ch/downloads/ipblocklist.txt",
}

// FeedManager downloads IP blocklists and answers membership queries. A
// failed refresh keeps the previous snapshot of that feed; an empty set is
// worse than a stale one.
type FeedManager struct {
	client  *http.Client
	urls    map[string]string
	refresh time.Duration

	mu   sync.RWMutex
	sets map[string]map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFeedManager creates a manager for the named feeds. Unknown names are
// skipped with a warning. An empty name list disables feed checks.
func NewFeedManager(names []string, refresh time.Duration) *FeedManager {
	urls := make(map[string]string)
	for _, name := range names {
		url, ok := defaultFeedURLs[name]
		if !ok {
			log.Printf("WARN: unknown threat feed %q, skipping", name)
			continue
		}
		urls[name] = url
	}
	return &FeedManager{
		client:  &http.Client{Timeout: 30 * time.Second},
		urls:    urls,
		refresh: refresh,
		sets:    make(map[string]map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// SetURL overrides a feed's download URL. Used by tests and custom deployments.
func (m *FeedManager) SetURL(name, url string) {
	m.urls[name] = url
}

// Start performs an initial refresh and then refreshes periodically until
// Stop is called. The initial refresh is synchronous so lookups that race
// startup still see feed data from the first successful download.
func (m *FeedManager) Start() {
	m.RefreshAll()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RefreshAll()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the refresh loop.
func (m *FeedManager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// RefreshAll re-downloads every configured feed.
func (m *FeedManager) RefreshAll() {
	for name, url := range m.urls {
		set, err := m.download(url)
		if err != nil {
			log.Printf("WARN: refresh of feed %s failed, keeping previous data: %v", name, err)
			continue
		}
		m.mu.Lock()
		m.sets[name] = set
		m.mu.Unlock()
		log.Printf("Loaded threat feed %s: %d entries", name, len(set))
	}
}

func (m *FeedManager) download(url string) (map[string]struct{}, error) {
	resp, err := m.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		// Some feeds append per-line metadata after whitespace.
		if i := strings.IndexAny(line, " \t"); i > 0 {
			line = line[:i]
		}
		ip := net.ParseIP(line)
		if ip == nil || ip.To4() == nil {
			continue
		}
		set[ip.String()] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// Hits returns the names of every feed listing the IP.
func (m *FeedManager) Hits(ip string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []string
	for name, set := range m.sets {
		if _, ok := set[ip]; ok {
			hits = append(hits, name)
		}
	}
	return hits
}

// EntryCount returns the total entries loaded across all feeds.
func (m *FeedManager) EntryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.sets {
		n += len(set)
	}
	return n
}
