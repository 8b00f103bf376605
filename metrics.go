package main

import (
	"sync"
)

// statCounters tallies request outcomes in memory for the statistics
// endpoint: overall by status and per account by status.
type statCounters struct {
	mu        sync.Mutex
	requests  map[string]int64
	accStatus map[string]map[string]int64
}

func newStatCounters() *statCounters {
	return &statCounters{
		requests:  make(map[string]int64),
		accStatus: make(map[string]map[string]int64),
	}
}

func (m *statCounters) inc(status string, account string) {
	m.mu.Lock()
	m.requests[status]++
	if account != "" {
		mp, ok := m.accStatus[account]
		if !ok {
			mp = make(map[string]int64)
			m.accStatus[account] = mp
		}
		mp[status]++
	}
	m.mu.Unlock()
}

func (m *statCounters) snapshot() (map[string]int64, map[string]map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	requests := make(map[string]int64, len(m.requests))
	for k, v := range m.requests {
		requests[k] = v
	}
	perAccount := make(map[string]map[string]int64, len(m.accStatus))
	for acc, statuses := range m.accStatus {
		mp := make(map[string]int64, len(statuses))
		for k, v := range statuses {
			mp[k] = v
		}
		perAccount[acc] = mp
	}
	return requests, perAccount
}
