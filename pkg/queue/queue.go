package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/openfroyo/froyo-agent/pkg/agenterr"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
	"github.com/openfroyo/froyo-agent/pkg/xmldoc"
)

// ErrNotFound is returned when no batch file exists for an id.
var ErrNotFound = errors.New("batch not found")

// ErrWorkerFailed is returned by Report for an unfinished batch whose worker
// has exited with an error.
var ErrWorkerFailed = errors.New("worker exited before finishing the batch")

// Launcher starts a worker process for a batch file.
type Launcher interface {
	Launch(ctx context.Context, path string) error
}

// Config configures a Queue.
type Config struct {
	Dir      string
	LockPath string
	Launcher Launcher
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
}

// Queue is the on-disk batch queue. Every file operation runs under the
// directory lock.
type Queue struct {
	dir      string
	lock     *DirLock
	launcher Launcher
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics

	newID func() uint32

	mu     sync.Mutex
	failed map[uint32]error
}

// New opens the queue directory, creating it if needed.
func New(cfg Config) (*Queue, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("queue directory is required")
	}
	if cfg.LockPath == "" {
		cfg.LockPath = filepath.Join(cfg.Dir, "lock")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Nop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, agenterr.NewPersistenceError("create queue directory", err).WithOp("queue.new")
	}

	return &Queue{
		dir:      cfg.Dir,
		lock:     NewDirLock(cfg.LockPath),
		launcher: cfg.Launcher,
		logger:   cfg.Logger.NewComponentLogger("queue"),
		metrics:  cfg.Metrics,
		newID:    randomID,
		failed:   make(map[uint32]error),
	}, nil
}

// randomID returns an id in [1, 2^31-1].
func randomID() uint32 {
	return rand.Uint32N(math.MaxInt32) + 1
}

// Lock returns the directory lock.
func (q *Queue) Lock() *DirLock {
	return q.lock
}

// Dir returns the queue directory.
func (q *Queue) Dir() string {
	return q.dir
}

// Path returns the batch file path for id.
func (q *Queue) Path(id uint32) string {
	return filepath.Join(q.dir, strconv.FormatUint(uint64(id), 10))
}

// Create persists a submitted batch request under a fresh id and starts its
// worker. If the worker cannot be started the batch file is removed again.
func (q *Queue) Create(ctx context.Context, req *xmldoc.Element) (*Batch, error) {
	var b *Batch
	err := q.lock.With(ctx, func(ctx context.Context) error {
		id, err := q.allocate()
		if err != nil {
			return err
		}
		b = newBatch(id, req)
		path := q.Path(id)
		if err := writeNew(path, b.Marshal()); err != nil {
			return agenterr.NewPersistenceError("write batch", err).WithOp("queue.create")
		}

		if q.launcher != nil {
			err := q.launcher.Launch(ctx, path)
			q.metrics.RecordWorkerLaunch("submit", err)
			if err != nil {
				_ = os.Remove(path)
				return agenterr.NewPersistenceError("start worker", err).WithOp("queue.create")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.WithBatchID(b.ID).Debugf("batch created with %d steps", len(b.Steps()))
	return b, nil
}

func (q *Queue) allocate() (uint32, error) {
	for {
		id := q.newID()
		_, err := os.Lstat(q.Path(id))
		if errors.Is(err, os.ErrNotExist) {
			return id, nil
		}
		if err != nil {
			return 0, agenterr.NewPersistenceError("probe batch id", err).WithOp("queue.allocate")
		}
	}
}

// Load reads the batch with the given id.
func (q *Queue) Load(ctx context.Context, id uint32) (*Batch, error) {
	var b *Batch
	err := q.lock.With(ctx, func(context.Context) error {
		var err error
		b, err = q.load(id)
		return err
	})
	return b, err
}

func (q *Queue) load(id uint32) (*Batch, error) {
	data, err := os.ReadFile(q.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, agenterr.NewPersistenceError("read batch", err).WithOp("queue.load")
	}
	doc, err := xmldoc.Parse(data)
	if err != nil {
		return nil, agenterr.NewPersistenceError("parse batch", err).WithOp("queue.load")
	}
	b, err := Decode(doc)
	if err != nil {
		return nil, agenterr.NewPersistenceError("decode batch", err).WithOp("queue.load")
	}
	if b.ID != id {
		return nil, agenterr.NewPersistenceError("batch id mismatch", nil).
			WithOp("queue.load").
			WithDetail("want", id).
			WithDetail("got", b.ID)
	}
	return b, nil
}

// Report loads a batch for a client. A batch observed in a terminal state
// is consumed: its file is shredded and removed after being read. An
// unfinished batch whose worker failed is reported as ErrWorkerFailed.
func (q *Queue) Report(ctx context.Context, id uint32) (*Batch, error) {
	var b *Batch
	err := q.lock.With(ctx, func(context.Context) error {
		var err error
		b, err = q.load(id)
		if err != nil {
			return err
		}
		if !b.Status().Terminal() {
			if exitErr := q.workerFailure(id); exitErr != nil {
				return agenterr.NewPersistenceError("batch abandoned",
					fmt.Errorf("%w: %w", ErrWorkerFailed, exitErr)).WithOp("queue.report")
			}
			return nil
		}
		q.clearWorkerFailure(id)
		if err := shred(q.Path(id)); err != nil {
			q.logger.WithBatchID(id).WithError(err).Warn("failed to remove consumed batch")
		} else {
			q.logger.WithBatchID(id).Debugf("batch consumed in state %s", b.Status())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// WorkerExited records how the worker for the batch at path ended. A nil
// error clears an earlier failure. Paths outside the queue are ignored.
func (q *Queue) WorkerExited(path string, err error) {
	if filepath.Dir(path) != filepath.Clean(q.dir) {
		return
	}
	id, perr := ParseID(filepath.Base(path))
	if perr != nil {
		return
	}
	if err == nil {
		q.clearWorkerFailure(id)
		return
	}
	q.mu.Lock()
	q.failed[id] = err
	q.mu.Unlock()
}

func (q *Queue) workerFailure(id uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed[id]
}

func (q *Queue) clearWorkerFailure(id uint32) {
	q.mu.Lock()
	delete(q.failed, id)
	q.mu.Unlock()
}

// Scan lists the ids of all batch files in the queue.
func (q *Queue) Scan(ctx context.Context) ([]uint32, error) {
	var ids []uint32
	err := q.lock.With(ctx, func(context.Context) error {
		entries, err := os.ReadDir(q.dir)
		if err != nil {
			return agenterr.NewPersistenceError("list queue", err).WithOp("queue.scan")
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			id, err := ParseID(e.Name())
			if err != nil || strconv.FormatUint(uint64(id), 10) != e.Name() {
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, err
}

// Recover starts a worker for every batch in the queue. Workers for batches
// already in a terminal state exit without doing anything. It returns the
// number of workers started.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.launcher == nil {
		return 0, fmt.Errorf("no worker launcher configured")
	}
	ids, err := q.Scan(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, id := range ids {
		err := q.launcher.Launch(ctx, q.Path(id))
		q.metrics.RecordWorkerLaunch("recovery", err)
		if err != nil {
			q.logger.WithBatchID(id).WithError(err).Error("failed to restart worker")
			continue
		}
		started++
	}
	if len(ids) > 0 {
		q.logger.Infof("restarted %d of %d queued batches", started, len(ids))
	}
	return started, nil
}
