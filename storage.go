package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketUsageRequests = "usage_requests"
	bucketAccountUsage  = "account_usage"
)

// RequestUsage is one completed request's accounting record.
type RequestUsage struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	AccountID    string    `json:"account_id"`
	Model        string    `json:"model"`
	Transport    string    `json:"transport"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Status       string    `json:"status"`
}

// AccountUsage is the per-account aggregate rollup.
type AccountUsage struct {
	TotalRequests     int64 `json:"total_requests"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
}

// usageStore keeps per-request usage records and per-account
// aggregates in bbolt, pruned on a retention window. It backs the
// statistics endpoint.
type usageStore struct {
	db        *bbolt.DB
	retention time.Duration
	nextPrune time.Time
}

func newUsageStore(path string, retentionDays int) (*usageStore, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketUsageRequests)); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketAccountUsage)); e != nil {
			return e
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &usageStore{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		nextPrune: time.Now().Add(1 * time.Hour),
	}, nil
}

func (s *usageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func safeID(id string) string {
	return strings.ReplaceAll(id, "|", "_")
}

func (s *usageStore) record(u RequestUsage) error {
	if s == nil || s.db == nil {
		return nil
	}
	key := fmt.Sprintf("%s|%020d", safeID(u.AccountID), u.Timestamp.UnixNano())
	if u.RequestID != "" {
		key = key + "|" + u.RequestID
	}
	val, err := json.Marshal(u)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucketUsageRequests)).Put([]byte(key), val); err != nil {
			return err
		}
		b := tx.Bucket([]byte(bucketAccountUsage))
		var agg AccountUsage
		if raw := b.Get([]byte(u.AccountID)); raw != nil {
			_ = json.Unmarshal(raw, &agg)
		}
		agg.TotalRequests++
		agg.TotalInputTokens += u.InputTokens
		agg.TotalOutputTokens += u.OutputTokens
		if enc, err := json.Marshal(&agg); err == nil {
			_ = b.Put([]byte(u.AccountID), enc)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if time.Now().After(s.nextPrune) {
		s.nextPrune = time.Now().Add(1 * time.Hour)
		go s.prune()
	}
	return nil
}

// prune drops request records older than the retention window.
func (s *usageStore) prune() {
	cutoff := time.Now().Add(-s.retention)
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsageRequests))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var u RequestUsage
			if err := json.Unmarshal(v, &u); err != nil || u.Timestamp.Before(cutoff) {
				_ = c.Delete()
			}
		}
		return nil
	})
}

// aggregates returns the per-account rollups.
func (s *usageStore) aggregates() (map[string]AccountUsage, error) {
	out := make(map[string]AccountUsage)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketAccountUsage))
		return b.ForEach(func(k, v []byte) error {
			var agg AccountUsage
			if err := json.Unmarshal(v, &agg); err == nil {
				out[string(k)] = agg
			}
			return nil
		})
	})
	return out, err
}

// recentRequests returns up to limit newest request records.
func (s *usageStore) recentRequests(limit int) ([]RequestUsage, error) {
	var out []RequestUsage
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketUsageRequests)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var u RequestUsage
			if err := json.Unmarshal(v, &u); err == nil {
				out = append(out, u)
			}
		}
		return nil
	})
	return out, err
}
