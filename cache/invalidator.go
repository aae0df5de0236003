// Package cache implements the read-cache invalidation fan-out. After a
// successful mart load, every user whose facts changed gets a best-effort
// invalidation POST so the read tier drops its stale materializations.
// Failures are logged and counted but never fail the ETL run.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"reporting.bionicpro.org/config"
	"reporting.bionicpro.org/metrics"
)

// Scopes invalidated for every touched user: the report list, the lifetime
// summary, and the daily roll-ups.
var invalidateScopes = []string{"list", "summary", "daily"}

// Request is the per-user invalidation payload accepted by the read tier.
type Request struct {
	UserID           string   `json:"user_id"`
	InvalidateScopes []string `json:"invalidate_scopes"`
}

// BulkRequest invalidates the whole endpoint in one call; substituted when
// a run touches more users than the bulk threshold.
type BulkRequest struct {
	All              bool     `json:"all"`
	InvalidateScopes []string `json:"invalidate_scopes"`
}

// Result summarizes one fan-out.
type Result struct {
	Sent   int
	Failed int
	Bulk   bool
}

// Invalidator fans out invalidation calls with bounded parallelism.
type Invalidator struct {
	endpoint      string
	parallelism   int
	bulkThreshold int
	client        *http.Client
	log           *logrus.Entry
	metrics       *metrics.Metrics
}

// NewInvalidator builds the invalidator from its config section. The HTTP
// client's connection pool matches the fan-out parallelism.
func NewInvalidator(cfg config.InvalidatorConfig, m *metrics.Metrics, log *logrus.Entry) *Invalidator {
	return &Invalidator{
		endpoint:      cfg.Endpoint,
		parallelism:   cfg.Parallelism,
		bulkThreshold: cfg.BulkThreshold,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Parallelism,
				MaxIdleConnsPerHost: cfg.Parallelism,
			},
		},
		log:     log,
		metrics: m,
	}
}

// Invalidate notifies the read cache for every user in userIDs. It is
// called strictly after the load commits. Per-user calls are independent;
// the method never returns an error because invalidation is best-effort.
func (inv *Invalidator) Invalidate(ctx context.Context, runID string, userIDs []string) Result {
	if inv.endpoint == "" || len(userIDs) == 0 {
		return Result{}
	}

	if inv.bulkThreshold > 0 && len(userIDs) > inv.bulkThreshold {
		return inv.invalidateAll(ctx, runID, len(userIDs))
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	var mu sync.Mutex
	result := Result{}

	workers := inv.parallelism
	if workers > len(userIDs) {
		workers = len(userIDs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range jobs {
				err := inv.invalidateUser(ctx, runID, userID)
				mu.Lock()
				if err != nil {
					result.Failed++
				} else {
					result.Sent++
				}
				mu.Unlock()
			}
		}()
	}

	for _, userID := range userIDs {
		jobs <- userID
	}
	close(jobs)
	wg.Wait()

	inv.log.WithFields(logrus.Fields{
		"run_id": runID,
		"sent":   result.Sent,
		"failed": result.Failed,
	}).Info("cache invalidation fan-out finished")
	return result
}

func (inv *Invalidator) invalidateUser(ctx context.Context, runID, userID string) error {
	payload := Request{UserID: userID, InvalidateScopes: invalidateScopes}
	err := inv.post(ctx, payload, runID+":"+userID)
	if err != nil {
		inv.metrics.Invalidations.WithLabelValues("failed").Inc()
		inv.log.WithFields(logrus.Fields{
			"run_id":  runID,
			"user_id": userID,
		}).WithError(err).Error("cache invalidation failed")
		return err
	}
	inv.metrics.Invalidations.WithLabelValues("ok").Inc()
	return nil
}

func (inv *Invalidator) invalidateAll(ctx context.Context, runID string, userCount int) Result {
	payload := BulkRequest{All: true, InvalidateScopes: invalidateScopes}
	err := inv.post(ctx, payload, runID+":all")
	if err != nil {
		inv.metrics.Invalidations.WithLabelValues("failed").Inc()
		inv.log.WithField("run_id", runID).WithError(err).Error("bulk cache invalidation failed")
		return Result{Failed: 1, Bulk: true}
	}
	inv.metrics.Invalidations.WithLabelValues("ok").Inc()
	inv.log.WithFields(logrus.Fields{
		"run_id": runID,
		"users":  userCount,
	}).Info("bulk cache invalidation issued")
	return Result{Sent: 1, Bulk: true}
}

func (inv *Invalidator) post(ctx context.Context, payload interface{}, idempotencyKey string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling invalidation payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building invalidation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", idempotencyKey)

	resp, err := inv.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting invalidation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("invalidation endpoint returned %s", resp.Status)
	}
	return nil
}
