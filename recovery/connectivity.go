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

package recovery

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/containerd/log"
)

// ConnectivityStatus is the overall reachability classification.
type ConnectivityStatus string

const (
	// StatusOnline means all probe endpoints were reachable.
	StatusOnline ConnectivityStatus = "online"
	// StatusLimited means some probe endpoints were reachable.
	StatusLimited ConnectivityStatus = "limited"
	// StatusOffline means no probe endpoint was reachable.
	StatusOffline ConnectivityStatus = "offline"
)

// ConnectivityInfo is the result of probing the configured endpoints.
type ConnectivityInfo struct {
	Status    ConnectivityStatus `json:"status"`
	Reachable []string           `json:"reachable"`
	Errors    []string           `json:"errors"`
	CheckedAt time.Time          `json:"checked_at"`
}

// ValidateConnectivity probes the given endpoints concurrently with a
// short per-endpoint timeout. Passing nil endpoints probes the configured
// set. Results are cached briefly to avoid re-probing on every call; the
// cache covers the configured endpoint set only.
func (c *Coordinator) ValidateConnectivity(ctx context.Context, endpoints []string) ConnectivityInfo {
	useCache := endpoints == nil
	if useCache {
		endpoints = c.cfg.ProbeEndpoints
		c.probeMu.Lock()
		if c.probeCache != nil && c.now().Sub(c.probedAt) < time.Duration(c.cfg.ProbeCacheValidSec)*time.Second {
			info := *c.probeCache
			c.probeMu.Unlock()
			return info
		}
		c.probeMu.Unlock()
	}

	var (
		mu        sync.Mutex
		reachable []string
		probeErrs []string
		wg        sync.WaitGroup
	)
	timeout := time.Duration(c.cfg.ProbeTimeoutMsec) * time.Millisecond
	for _, endpoint := range endpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			err := c.probe(ctx, endpoint, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				probeErrs = append(probeErrs, fmt.Sprintf("%s: %v", endpoint, err))
				return
			}
			reachable = append(reachable, endpoint)
		}(endpoint)
	}
	wg.Wait()

	info := ConnectivityInfo{
		Reachable: reachable,
		Errors:    probeErrs,
		CheckedAt: c.now(),
	}
	switch {
	case len(reachable) == len(endpoints) && len(endpoints) > 0:
		info.Status = StatusOnline
	case len(reachable) > 0:
		info.Status = StatusLimited
	default:
		info.Status = StatusOffline
	}

	if useCache {
		c.probeMu.Lock()
		c.probeCache = &info
		c.probedAt = info.CheckedAt
		c.probeMu.Unlock()
	}

	log.G(ctx).WithFields(log.Fields{
		"status":    info.Status,
		"reachable": len(reachable),
		"probed":    len(endpoints),
	}).Debug("connectivity validated")
	return info
}

func (c *Coordinator) probe(ctx context.Context, endpoint string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	// Any response proves reachability; auth challenges and redirects
	// included.
	return nil
}
