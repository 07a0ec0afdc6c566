// Package promoter implements BackendPromoter: the worker pool that
// moves closed SCOs from SCOCache to the ObjectStore backend. A Job
// also uploads a sealed TLog, after its SCO, when its SealedTLogPath is
// set; Enqueue never sets it and nothing else in this module does, so
// sealed TLogs are not uploaded by the promoter.
package promoter

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/backend"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/datastore"
	"github.com/openvstorage/volumedriver/scocache"
)

// Job is one unit of promotion work: a closed SCO, optionally paired
// with the TLog that was sealed when this SCO closed it ("" when the
// SCO didn't trigger a roll).
type Job struct {
	datastore.ClosedSCO
	SealedTLogPath string // "" unless this SCO's close also rolled the TLog
}

// DoneFunc is invoked after a SCO has been durably promoted, letting
// DataStore/SCOCache mark it disposable and letting the FOC client
// trim its own copy via remove_up_to.
type DoneFunc func(job Job)

// Config mirrors the retry/backoff/worker-count keys of the daemon
// configuration.
type Config struct {
	Workers                int
	RetriesOnError         int
	RetryInterval          time.Duration
	RetryBackoffMultiplier float64
	NonDisposableScosFactor float64
	ScosPerTLog            int
}

// Promoter is the worker pool. One Promoter instance serves one
// namespace; VolumeEngine owns it.
type Promoter struct {
	cfg     Config
	store   backend.ObjectStore
	cache   *scocache.Cache
	ns      string
	onDone  DoneFunc

	mu      sync.Mutex
	queue   []Job
	tlogDone map[string]bool // sealed tlog path -> all referenced SCOs promoted
	notEmpty chan struct{}
	closed  bool
}

func New(cfg Config, store backend.ObjectStore, cache *scocache.Cache, ns string, onDone DoneFunc) *Promoter {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Promoter{
		cfg:      cfg,
		store:    store,
		cache:    cache,
		ns:       ns,
		onDone:   onDone,
		tlogDone: make(map[string]bool),
		notEmpty: make(chan struct{}, 1),
	}
}

// Enqueue implements datastore.Promoter: DataStore calls this every
// time it closes a SCO.
func (p *Promoter) Enqueue(c datastore.ClosedSCO) {
	p.mu.Lock()
	p.queue = append(p.queue, Job{ClosedSCO: c})
	depth := len(p.queue)
	p.mu.Unlock()
	select {
	case p.notEmpty <- struct{}{}:
	default:
	}
	if glog.FastV(4, glog.SmodulePromoter) {
		glog.Infof("promoter: enqueued sco=%d, depth=%d", c.ID.SCONumber, depth)
	}
}

// Throttle implements datastore.Promoter: DataStore.Append calls this
// after enqueueing a close, and it blocks while the queue exceeds
// non_disposable_scos_factor x scos_per_tlog, applying backpressure to
// writers faster than the backend can absorb them.
func (p *Promoter) Throttle() error {
	limit := int(p.cfg.NonDisposableScosFactor * float64(p.cfg.ScosPerTLog))
	if limit <= 0 {
		return nil
	}
	for {
		p.mu.Lock()
		depth := len(p.queue)
		p.mu.Unlock()
		if depth <= limit {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (p *Promoter) dequeue() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Job{}, false
	}
	j := p.queue[0]
	p.queue = p.queue[1:]
	return j, true
}

func (p *Promoter) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run drives cfg.Workers goroutines pulling jobs until ctx is
// cancelled or Close is called. Each SCO's TLog upload (if any) is
// deferred until the worker has confirmed that SCO's bytes already
// landed, satisfying the "TLog only after its SCOs" ordering rule --
// within a single-producer-queue this is automatic, since DataStore
// enqueues a SCO's close before it ever appends to the next TLog.
func (p *Promoter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			return p.workerLoop(ctx)
		})
	}
	return g.Wait()
}

func (p *Promoter) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		job, ok := p.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-p.notEmpty:
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if err := p.promoteWithRetry(ctx, job); err != nil {
			glog.Errorf("promoter: sco %d permanently failed: %v", job.ID.SCONumber, err)
			continue
		}
		if p.onDone != nil {
			p.onDone(job)
		}
	}
}

func (p *Promoter) promoteWithRetry(ctx context.Context, job Job) error {
	interval := p.cfg.RetryInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	mult := p.cfg.RetryBackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	retries := p.cfg.RetriesOnError
	if retries <= 0 {
		retries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(float64(interval) * math.Pow(mult, float64(attempt-1)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := p.promoteOnce(ctx, job); err != nil {
			lastErr = err
			if !cmn.Retryable(err) {
				return err
			}
			continue
		}
		return nil
	}
	return cmn.NewErr(cmn.KindTransientBackend, lastErr, "promoter: sco %d: exhausted retries", job.ID.SCONumber)
}

func (p *Promoter) promoteOnce(ctx context.Context, job Job) error {
	h, err := p.cache.OpenSCO(p.ns, job.ID)
	if err != nil {
		return err
	}
	defer h.Close()

	buf := make([]byte, job.SizeBytes)
	if _, err := h.ReadAt(buf, 0); err != nil && err != io.EOF {
		return cmn.NewErr(cmn.KindTransientBackend, err, "promoter: read sco %d", job.ID.SCONumber)
	}
	name := job.ID.FileName()
	if err := p.store.Write(ctx, p.ns, name, bytes.NewReader(buf), backend.WriteCondition{}); err != nil {
		return err
	}

	if job.SealedTLogPath != "" {
		tlogBytes, err := os.ReadFile(job.SealedTLogPath)
		if err != nil {
			return cmn.NewErr(cmn.KindTransientBackend, err, "promoter: read sealed tlog %s", job.SealedTLogPath)
		}
		tlogName := tlogNameFromPath(job.SealedTLogPath)
		if err := p.store.Write(ctx, p.ns, tlogName, bytes.NewReader(tlogBytes), backend.WriteCondition{}); err != nil {
			return err
		}
	}
	return nil
}

func tlogNameFromPath(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
