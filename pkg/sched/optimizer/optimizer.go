// Package optimizer implements the optional execution optimizer of spec
// §4/§5/§6: a request-fingerprint result cache, a concurrency limiter
// (counting semaphore or token-bucket), and batch coalescing. Grounded on
// the teacher's pkg/cache (in-process cache shape) and
// pkg/security/rate_limiting.go (golang.org/x/time/rate token bucket),
// with an optional github.com/redis/go-redis/v9 backend for the cache —
// the teacher's top-level go.mod depends on go-redis for exactly this
// kind of shared/distributed state.
package optimizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pipelinesched/pipelinesched/pkg/sched/types"
)

// ErrOverload is returned when the queue high-watermark is exceeded.
var ErrOverload = errors.New("system overload: concurrency queue watermark exceeded")

// CacheBackend stores fingerprint -> result entries. InMemoryCache and
// RedisCache both implement it.
type CacheBackend interface {
	Get(ctx context.Context, fingerprint string) (types.ExecutionResult, bool)
	Set(ctx context.Context, fingerprint string, result types.ExecutionResult, ttl time.Duration)
}

// Config tunes the optimizer's enabled features.
type Config struct {
	EnableCaching    bool
	CacheTTL         time.Duration
	EnableConcurrency bool
	MaxConcurrency   int
	QueueHighWatermark int
	UseRateLimiter   bool // token-bucket mode instead of the plain semaphore
	EnableBatching   bool
	BatchSize        int
	BatchTimeout     time.Duration
}

// Optimizer is the optional C8 execution-level accelerator the scheduler
// consults before dispatching to the load balancer.
type Optimizer struct {
	cfg   Config
	cache CacheBackend

	sem      chan struct{}
	queueLen int32
	queueMu  sync.Mutex

	limiter *rate.Limiter

	batchMu    sync.Mutex
	inFlight   map[string]*batchCall
}

// batchCall coalesces concurrent callers sharing the same fingerprint
// within BatchTimeout into a single underlying execution.
type batchCall struct {
	done   chan struct{}
	result types.ExecutionResult
	err    *types.ErrorResponse
	waiters int
}

// New creates an Optimizer. cache may be nil if EnableCaching is false.
func New(cfg Config, cache CacheBackend) *Optimizer {
	o := &Optimizer{cfg: cfg, cache: cache, inFlight: make(map[string]*batchCall)}
	if cfg.EnableConcurrency {
		if cfg.UseRateLimiter {
			limit := rate.Limit(cfg.MaxConcurrency)
			if cfg.MaxConcurrency <= 0 {
				limit = rate.Inf
			}
			o.limiter = rate.NewLimiter(limit, maxInt(cfg.MaxConcurrency, 1))
		} else {
			n := cfg.MaxConcurrency
			if n <= 0 {
				n = 1
			}
			o.sem = make(chan struct{}, n)
		}
	}
	return o
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Fingerprint derives a stable cache key from a payload.
func Fingerprint(p types.Payload) string {
	h := sha256.New()
	h.Write(p.Bytes)
	keys := make([]string, 0, len(p.Metadata))
	for k := range p.Metadata {
		keys = append(keys, k)
	}
	// deterministic ordering without importing sort for a 2-line helper
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(p.Metadata[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns a cached result for payload, if caching is enabled and
// present.
func (o *Optimizer) Lookup(ctx context.Context, payload types.Payload) (types.ExecutionResult, bool) {
	if !o.cfg.EnableCaching || o.cache == nil {
		return types.ExecutionResult{}, false
	}
	return o.cache.Get(ctx, Fingerprint(payload))
}

// Store caches result for payload if caching is enabled.
func (o *Optimizer) Store(ctx context.Context, payload types.Payload, result types.ExecutionResult) {
	if !o.cfg.EnableCaching || o.cache == nil {
		return
	}
	ttl := o.cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	o.cache.Set(ctx, Fingerprint(payload), result, ttl)
}

// Acquire blocks (cooperatively, honoring ctx) until a concurrency slot
// is available, or fails immediately with ErrOverload if the queue
// high-watermark is already exceeded. release must be called when the
// execution completes. If concurrency limiting is disabled, Acquire
// always succeeds with a no-op release.
func (o *Optimizer) Acquire(ctx context.Context) (release func(), err error) {
	if !o.cfg.EnableConcurrency {
		return func() {}, nil
	}

	watermark := o.cfg.QueueHighWatermark
	if watermark > 0 {
		o.queueMu.Lock()
		if int(o.queueLen) >= watermark {
			o.queueMu.Unlock()
			return nil, ErrOverload
		}
		o.queueLen++
		o.queueMu.Unlock()
		defer func() {
			if err != nil {
				o.queueMu.Lock()
				o.queueLen--
				o.queueMu.Unlock()
			}
		}()
	}

	if o.limiter != nil {
		if werr := o.limiter.Wait(ctx); werr != nil {
			return nil, werr
		}
		return o.releaseQueueSlot(), nil
	}

	select {
	case o.sem <- struct{}{}:
		inner := o.releaseQueueSlot()
		return func() {
			<-o.sem
			inner()
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Optimizer) releaseQueueSlot() func() {
	watermark := o.cfg.QueueHighWatermark
	return func() {
		if watermark > 0 {
			o.queueMu.Lock()
			o.queueLen--
			o.queueMu.Unlock()
		}
	}
}

// Coalesce groups concurrent callers sharing the same payload
// fingerprint into one underlying call to execute, within BatchTimeout
// of the first caller. Disabled (EnableBatching=false) callers always
// run execute themselves. This is the spec §4/§2 "batch coalescing"
// optimizer feature. execute returns the caller-facing ErrorResponse
// directly (not a PipelineError) since that is exactly what every
// coalesced waiter ends up receiving verbatim.
func (o *Optimizer) Coalesce(ctx context.Context, payload types.Payload, execute func() (types.ExecutionResult, *types.ErrorResponse)) (types.ExecutionResult, *types.ErrorResponse) {
	if !o.cfg.EnableBatching {
		return execute()
	}

	fp := Fingerprint(payload)

	o.batchMu.Lock()
	if call, ok := o.inFlight[fp]; ok {
		call.waiters++
		o.batchMu.Unlock()
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return types.ExecutionResult{}, &types.ErrorResponse{Success: false, Code: types.CodeExecutionTimeout, HTTPStatus: 501, Phase: types.PhaseReceive, Timestamp: time.Now(), Details: ctx.Err().Error()}
		}
	}

	call := &batchCall{done: make(chan struct{})}
	o.inFlight[fp] = call
	o.batchMu.Unlock()

	timeout := o.cfg.BatchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Millisecond
	}
	time.Sleep(timeout) // brief coalescing window for concurrent joiners

	result, perr := execute()

	o.batchMu.Lock()
	delete(o.inFlight, fp)
	o.batchMu.Unlock()

	call.result, call.err = result, perr
	close(call.done)

	return result, perr
}
