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

package config

const (
	defaultLogLevel = "info"

	// Cache defaults

	// defaultCacheMaxSizeBytes caps the cache at 10 GiB under the LRU policy.
	defaultCacheMaxSizeBytes = 10 << 30

	defaultEvictionPolicy = "lru"

	// defaultCacheTTLHours is 30 days, the age cap under the TTL policy.
	defaultCacheTTLHours = 24 * 30

	// Download defaults

	// defaultMaxConcurrency is the maximum number of models pulled at once.
	defaultMaxConcurrency = 3

	// defaultBufferSizeBytes is the per-transfer read chunk size.
	defaultBufferSizeBytes = 1 << 20

	// defaultMemoryThresholdBytes triggers collection hints at 512 MiB of heap.
	defaultMemoryThresholdBytes = 512 << 20

	// defaultDialTimeoutMsec is the number of milliseconds before timeout while connecting to a remote endpoint.
	defaultDialTimeoutMsec = 3_000
	// defaultResponseHeaderTimeoutMsec is the number of milliseconds before timeout while waiting for a response header.
	defaultResponseHeaderTimeoutMsec = 3_000
	// defaultRequestTimeoutMsec is the number of milliseconds the entire request can take. Large artifact bodies
	// stream past this; it bounds the time to first byte plus metadata requests.
	defaultRequestTimeoutMsec = 30_000

	// defaults based on a target total retry time of at least 5s. 30*((2^8)-1)>5000

	// defaultMaxRetries is the number of retries a retryable request will make.
	defaultMaxRetries = 8
	// defaultMinWaitMsec is the minimum number of milliseconds between attempts.
	defaultMinWaitMsec = 30
	// defaultMaxWaitMsec is the maximum number of milliseconds between attempts.
	defaultMaxWaitMsec = 300_000

	// Quarantine defaults

	defaultQuarantineRetentionDays = 30

	// Recovery defaults

	defaultProbeTimeoutMsec   = 2_000
	defaultProbeCacheValidSec = 30
	defaultRetryWaitMsec      = 1_000
	defaultErrorHistoryLimit  = 500
)

// defaultProbeEndpoints are well-known hosts used to classify connectivity.
func defaultProbeEndpoints() []string {
	return []string{
		"https://huggingface.co",
		"https://github.com",
		"https://dns.google",
	}
}
