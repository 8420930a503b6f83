package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/openfroyo/froyo-agent/pkg/agenterr"
	"github.com/openfroyo/froyo-agent/pkg/bus"
	"github.com/openfroyo/froyo-agent/pkg/module"
	"github.com/openfroyo/froyo-agent/pkg/queue"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
	"github.com/openfroyo/froyo-agent/pkg/xmldoc"
)

// ErrHalted is returned by Run after a reboot step succeeded and the halt
// function returned.
var ErrHalted = errors.New("worker halted for reboot")

// Rebooter initiates the machine reboot requested by a reboot step.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Config configures a Worker.
type Config struct {
	// Path is the batch file.
	Path string
	// Lock is the queue directory lock. Defaults to <dir of Path>/lock.
	Lock *queue.DirLock
	Bus  bus.Bus
	// Rebooter backs the in-process reboot module.
	Rebooter Rebooter
	// Halt is called after a successful reboot step has been persisted.
	// It defaults to blocking until ctx is done.
	Halt func(ctx context.Context)

	Logger *telemetry.Logger
	Tracer *telemetry.Tracer
}

// Worker runs a single batch file to completion.
type Worker struct {
	path   string
	lock   *queue.DirLock
	bus    bus.Bus
	reboot *module.RebootModule
	halt   func(ctx context.Context)
	log    *telemetry.Logger
	tracer *telemetry.Tracer

	file  *os.File
	batch *queue.Batch
}

// New creates a worker. It does not touch the batch file.
func New(cfg Config) (*Worker, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("batch path is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("module bus is required")
	}
	if cfg.Rebooter == nil {
		cfg.Rebooter = module.CommandRebooter{}
	}
	if cfg.Lock == nil {
		cfg.Lock = queue.NewDirLock(filepath.Join(filepath.Dir(cfg.Path), "lock"))
	}
	if cfg.Halt == nil {
		cfg.Halt = func(ctx context.Context) { <-ctx.Done() }
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Nop()
	}

	return &Worker{
		path:   cfg.Path,
		lock:   cfg.Lock,
		bus:    cfg.Bus,
		reboot: module.NewRebootModule(cfg.Rebooter),
		halt:   cfg.Halt,
		log:    cfg.Logger.NewComponentLogger("worker").WithField("batch", cfg.Path),
		tracer: cfg.Tracer,
	}, nil
}

// Run opens, locks and executes the batch. A batch that is already terminal
// returns nil without changes. Step failures are recorded in the batch and
// are not errors; errors mean the batch could not be opened or persisted.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.open(ctx); err != nil {
		return err
	}
	defer w.close()

	log := w.log.WithBatchID(w.batch.ID)
	if w.batch.Status().Terminal() {
		log.Debug("batch already finished")
		return nil
	}

	w.batch.SetStatus(queue.StateProg)
	steps := w.batch.Steps()
	for i, step := range steps {
		if err := w.persist(ctx); err != nil {
			return err
		}
		if step.State().Terminal() {
			continue
		}

		step.SetState(queue.StateProg)
		if err := w.persist(ctx); err != nil {
			return err
		}

		state, halted, err := w.execute(ctx, i, step)
		if err != nil {
			return err
		}
		if halted {
			log.Info("reboot initiated, waiting for shutdown")
			w.halt(ctx)
			return ErrHalted
		}
		step.SetState(state)

		if state != queue.StateDone {
			log.WithModule(step.Name()).WithField("state", state.String()).Warn("step failed, removing remaining steps")
			for _, rest := range steps[i+1:] {
				if rest.State() == queue.StateSched {
					rest.SetState(queue.StateRemoved)
				}
			}
			w.batch.SetStatus(queue.StateReqFail)
			return w.persist(ctx)
		}
	}

	w.batch.SetStatus(queue.StateDone)
	if err := w.persist(ctx); err != nil {
		return err
	}
	log.Info("batch completed")
	return nil
}

// execute runs one step and returns its final state. halted is true when a
// reboot step succeeded; the step has then been persisted as done. A reboot
// step whose completion cannot be persisted returns the persistence error.
func (w *Worker) execute(ctx context.Context, index int, step queue.Step) (queue.State, bool, error) {
	ctx, span := w.tracer.StartStepSpan(ctx, w.batch.ID, index, step.Name())
	defer span.End()
	log := w.log.WithBatchID(w.batch.ID).WithModule(step.Name()).WithField("step", index)

	req := step.Payload()
	if req == nil {
		telemetry.RecordSuccess(span)
		return queue.StateDone, false, nil
	}

	var resp *xmldoc.Element
	if step.Name() == module.RebootModuleName {
		resp = w.reboot.Process(ctx, req)
		if w.reboot.Blocked() && module.Classify(resp) == module.OutcomeSuccess {
			step.SetPayload(resp)
			step.SetState(queue.StateDone)
			if err := w.persist(ctx); err != nil {
				log.WithError(err).Error("failed to record reboot step")
				telemetry.RecordError(span, err)
				return queue.StateProg, false, err
			}
			telemetry.RecordSuccess(span)
			return queue.StateDone, true, nil
		}
	} else {
		out, err := w.bus.Call(ctx, step.Name(), req.Marshal())
		if err != nil {
			log.WithError(err).Warn("module call failed")
			telemetry.RecordError(span, err)
			return queue.StateModFail, false, nil
		}
		if resp, err = xmldoc.Parse(out); err != nil {
			log.WithError(err).Warn("unparsable module response")
			telemetry.RecordError(span, err)
			return queue.StateModFail, false, nil
		}
	}

	step.SetPayload(resp)
	switch module.Classify(resp) {
	case module.OutcomeSuccess:
		telemetry.RecordSuccess(span)
		return queue.StateDone, false, nil
	case module.OutcomeRequestFailure:
		telemetry.RecordError(span, errors.New("request failed"))
		return queue.StateReqFail, false, nil
	default:
		telemetry.RecordError(span, errors.New("module failed"))
		return queue.StateModFail, false, nil
	}
}

// open reads the batch under the directory lock and takes the file lock.
func (w *Worker) open(ctx context.Context) error {
	return w.lock.With(ctx, func(context.Context) error {
		f, err := os.OpenFile(w.path, os.O_RDWR, 0)
		if err != nil {
			return agenterr.NewPersistenceError("open batch", err).WithOp("worker.open")
		}
		if err := queue.LockFile(f); err != nil {
			_ = f.Close()
			return agenterr.NewPersistenceError("lock batch", err).WithOp("worker.open")
		}

		data, err := io.ReadAll(f)
		if err != nil {
			_ = f.Close()
			return agenterr.NewPersistenceError("read batch", err).WithOp("worker.open")
		}
		b, err := decode(data)
		if err != nil {
			_ = f.Close()
			return agenterr.NewPersistenceError("invalid batch", err).WithOp("worker.open")
		}

		w.file = f
		w.batch = b
		return nil
	})
}

func decode(data []byte) (*queue.Batch, error) {
	doc, err := xmldoc.Parse(data)
	if err != nil {
		return nil, err
	}
	if doc.Tag != queue.TagBatch {
		return nil, fmt.Errorf("root element is <%s>, not <%s>", doc.Tag, queue.TagBatch)
	}
	if !doc.HasAttr(queue.AttrStatus) {
		return nil, fmt.Errorf("batch has no %s attribute", queue.AttrStatus)
	}
	return queue.Decode(doc)
}

// persist rewrites the batch file. The lock held on the old descriptor moves
// to the new file.
func (w *Worker) persist(ctx context.Context) error {
	return w.lock.With(ctx, func(context.Context) error {
		f, err := queue.ReplaceLocked(w.path, w.batch.Marshal())
		if err != nil {
			return agenterr.NewPersistenceError("write batch", err).
				WithOp("worker.persist").
				WithDetail("batch_id", strconv.FormatUint(uint64(w.batch.ID), 10))
		}
		_ = w.file.Close()
		w.file = f
		return nil
	})
}

func (w *Worker) close() {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}

// Batch returns the batch as last persisted. Nil before Run opens it.
func (w *Worker) Batch() *queue.Batch {
	return w.batch
}
