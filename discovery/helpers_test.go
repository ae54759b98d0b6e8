package discovery

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/uber-go/tally/v4"

	"lanshare/models"
)

type recordingSink struct {
	mu    sync.Mutex
	found []models.Peer
	lost  []models.Peer
}

func (s *recordingSink) PeerFound(peer models.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.found = append(s.found, peer)
}

func (s *recordingSink) PeerLost(peer models.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = append(s.lost, peer)
}

func (s *recordingSink) foundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.found)
}

func (s *recordingSink) lostCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lost)
}

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultMDNSService,
			Domain:   DefaultMDNSDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"os=linux",
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func counterValue(scope tally.TestScope, name string) int64 {
	for _, counter := range scope.Snapshot().Counters() {
		if counter.Name() == name {
			return counter.Value()
		}
	}
	return 0
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
