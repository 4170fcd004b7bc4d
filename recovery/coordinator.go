/*
   Copyright The Modelkit Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package recovery classifies pipeline failures, validates the
// environment (connectivity, disk space) and selects a retry, fallback,
// manual or abort strategy for each classified error.
package recovery

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/astkit/modelkit/config"
	"github.com/astkit/modelkit/model"
	"github.com/containerd/log"
	"github.com/rs/xid"
)

// Record is the structured result of classifying a failure.
type Record struct {
	Code      string    `json:"code"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail"`
	Strategy  Strategy  `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
}

// Statistics summarizes the bounded error history.
type Statistics struct {
	Total      int              `json:"total"`
	ByCategory map[Category]int `json:"by_category"`
	BySeverity map[Severity]int `json:"by_severity"`
	// RecentWindow counts records within the last hour.
	RecentWindow int `json:"recent_window"`
}

// Coordinator is the error/recovery coordinator. It is safe for
// concurrent use.
type Coordinator struct {
	cfg    config.RecoveryConfig
	client *http.Client

	mu        sync.Mutex
	history   []Record
	fallbacks map[string]Registration
	local     LocalChecker

	probeMu    sync.Mutex
	probeCache *ConnectivityInfo
	probedAt   time.Time

	// now is replaceable in tests.
	now func() time.Time
	// wait is the bounded pause before a recovery retry re-invokes the
	// failed operation. Replaceable in tests.
	wait func(context.Context, time.Duration) error
}

// NewCoordinator constructs a Coordinator. client is used for
// connectivity probes; pass the shared retryable client.
func NewCoordinator(cfg config.RecoveryConfig, client *http.Client) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		client:    client,
		fallbacks: make(map[string]Registration),
		now:       time.Now,
		wait:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Categorize classifies err into a Record, appends it to the bounded
// history and returns it. context is a short description of the failing
// operation used in the human-readable message.
func (c *Coordinator) Categorize(err error, context string) Record {
	category := categoryOf(err)
	rec := Record{
		Code:      "MK-" + strings.ToUpper(string(category[0:1])) + "-" + xid.New().String(),
		Category:  category,
		Severity:  severityOf(category, err),
		Message:   context + ": " + rootMessage(err),
		Detail:    err.Error(),
		Strategy:  strategyFor[category],
		Timestamp: c.now(),
	}

	c.mu.Lock()
	c.history = append(c.history, rec)
	if len(c.history) > c.cfg.HistoryLimit {
		c.history = c.history[len(c.history)-c.cfg.HistoryLimit:]
	}
	c.mu.Unlock()
	return rec
}

func categoryOf(err error) Category {
	var (
		netErr *NetworkError
		fsErr  *FilesystemError
		valErr *ValidationError
		dskErr *DiskSpaceError
		cfgErr *ConfigurationError
		secErr *SecurityError
	)
	switch {
	case errors.As(err, &secErr):
		return CategorySecurity
	case errors.As(err, &valErr):
		return CategoryValidation
	case errors.As(err, &dskErr):
		return CategoryDiskSpace
	case errors.As(err, &netErr):
		return CategoryNetwork
	case errors.As(err, &fsErr):
		return CategoryFilesystem
	case errors.As(err, &cfgErr):
		return CategoryConfiguration
	}
	return categoryFromKeywords(err.Error())
}

// categoryFromKeywords is the fallback classifier for errors raised by
// uncontrolled external calls.
func categoryFromKeywords(msg string) Category {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "certificate", "permission denied", "unauthorized", "forbidden"):
		return CategorySecurity
	case containsAny(m, "no space", "disk full", "quota exceeded"):
		return CategoryDiskSpace
	case containsAny(m, "checksum", "corrupt", "mismatch", "invalid header"):
		return CategoryValidation
	case containsAny(m, "connection", "timeout", "dns", "network", "unreachable", "refused", "eof"):
		return CategoryNetwork
	case containsAny(m, "no such file", "is a directory", "read-only", "file exists"):
		return CategoryFilesystem
	case containsAny(m, "config", "invalid value", "missing required"):
		return CategoryConfiguration
	}
	return CategoryUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func severityOf(category Category, err error) Severity {
	switch category {
	case CategorySecurity:
		return SeverityCritical
	case CategoryDiskSpace, CategoryValidation:
		return SeverityHigh
	case CategoryNetwork:
		var netErr *NetworkError
		if errors.As(err, &netErr) && netErr.StatusCode >= 400 && netErr.StatusCode < 500 {
			return SeverityHigh
		}
		return SeverityMedium
	case CategoryFilesystem, CategoryConfiguration:
		return SeverityMedium
	}
	return SeverityLow
}

// rootMessage unwraps err to its innermost cause for the human-readable
// message; Detail keeps the full chain.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

// RecoveryContext carries what AttemptRecovery needs to act on a record.
type RecoveryContext struct {
	// Operation re-invokes the failed operation. Required for the
	// retry strategy; the retry reports the actual outcome of this
	// call rather than assuming success after a delay.
	Operation func(ctx context.Context) error

	// Name is the primary artifact name, used for fallback selection.
	Name string
}

// RecoveryResult reports the outcome of a recovery attempt.
type RecoveryResult struct {
	Succeeded bool
	Strategy  Strategy
	// Fallback is the alternative descriptor to acquire instead, set
	// when Strategy is fallback and an alternative qualified.
	Fallback *model.Descriptor
	Message  string
}

// AttemptRecovery executes the record's strategy. Retry performs a single
// bounded wait and re-invokes the operation; exponential backoff across
// multiple attempts is the caller's responsibility. Fallback selects an
// alternative descriptor. Manual and abort never retry.
func (c *Coordinator) AttemptRecovery(ctx context.Context, rec Record, rctx RecoveryContext) RecoveryResult {
	res := RecoveryResult{Strategy: rec.Strategy}
	switch rec.Strategy {
	case StrategyRetry:
		if rctx.Operation == nil {
			res.Message = "retry requested but no operation supplied"
			return res
		}
		if err := c.wait(ctx, time.Duration(c.cfg.RetryWaitMsec)*time.Millisecond); err != nil {
			res.Message = "retry cancelled: " + err.Error()
			return res
		}
		if err := rctx.Operation(ctx); err != nil {
			res.Message = "retry failed: " + err.Error()
			return res
		}
		res.Succeeded = true
		res.Message = "retry succeeded"
	case StrategyFallback:
		alt := c.SelectFallback(ctx, rctx.Name, rec)
		if alt == nil {
			res.Message = "no fallback artifact satisfies the registered criteria"
			return res
		}
		res.Succeeded = true
		res.Fallback = alt
		res.Message = "fallback artifact selected: " + alt.ID()
	case StrategyManual:
		res.Message = "operator action required: " + rec.Message
	case StrategyAbort:
		res.Message = "aborting, not retryable: " + rec.Message
	default:
		res.Message = "no recovery strategy for category " + string(rec.Category)
	}
	log.G(ctx).WithFields(log.Fields{
		"code":      rec.Code,
		"category":  rec.Category,
		"strategy":  rec.Strategy,
		"succeeded": res.Succeeded,
	}).Debug("recovery attempt finished")
	return res
}

// Statistics summarizes the bounded error history.
func (c *Coordinator) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Statistics{
		Total:      len(c.history),
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
	}
	cutoff := c.now().Add(-time.Hour)
	for _, rec := range c.history {
		st.ByCategory[rec.Category]++
		st.BySeverity[rec.Severity]++
		if rec.Timestamp.After(cutoff) {
			st.RecentWindow++
		}
	}
	return st
}

// History returns a copy of the bounded error history, oldest first.
func (c *Coordinator) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.history))
	copy(out, c.history)
	return out
}
