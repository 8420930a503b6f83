package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/openfroyo/froyo-agent/pkg/agenterr"
	"github.com/openfroyo/froyo-agent/pkg/module"
	"github.com/openfroyo/froyo-agent/pkg/queue"
	"github.com/openfroyo/froyo-agent/pkg/xmldoc"
)

type nopLauncher struct{}

func (nopLauncher) Launch(context.Context, string) error { return nil }

// fakeBus dispatches calls to in-process modules.
type fakeBus struct {
	modules map[string]*module.Module
	errs    map[string]error
	raw     map[string]string
	calls   []string
}

func (b *fakeBus) Modules(context.Context) ([]string, error) {
	var names []string
	for n := range b.modules {
		names = append(names, n)
	}
	return names, nil
}

func (b *fakeBus) Call(ctx context.Context, name string, req []byte) ([]byte, error) {
	b.calls = append(b.calls, name)
	if err := b.errs[name]; err != nil {
		return nil, err
	}
	if out, ok := b.raw[name]; ok {
		return []byte(out), nil
	}
	doc, err := xmldoc.Parse(req)
	if err != nil {
		return nil, err
	}
	return b.modules[name].Process(ctx, doc).Marshal(), nil
}

type fakeRebooter struct {
	err    error
	calls  int
	before func()
}

func (r *fakeRebooter) Reboot(context.Context) error {
	r.calls++
	if r.before != nil {
		r.before()
	}
	return r.err
}

func newFakeBus() *fakeBus {
	ok := func(context.Context, module.Args) ([]module.Var, error) {
		return []module.Var{module.String("result", "ok")}, nil
	}
	fail := func(context.Context, module.Args) ([]module.Var, error) {
		return nil, module.Failf(module.CodeExecFailed, "no such volume")
	}
	return &fakeBus{
		modules: map[string]*module.Module{
			"alpha": module.New("alpha", map[string]module.Func{"run": ok}),
			"beta":  module.New("beta", map[string]module.Func{"run": ok}),
			"gamma": module.New("gamma", map[string]module.Func{"run": ok}),
			"bad":   module.New("bad", map[string]module.Func{"run": fail}),
		},
		errs: map[string]error{},
		raw:  map[string]string{},
	}
}

func step(name string) *xmldoc.Element {
	return xmldoc.New(queue.TagModule, queue.AttrName, name).Append(module.NewRequest("1", "run").Clone())
}

func rebootStep() *xmldoc.Element {
	return xmldoc.New(queue.TagModule, queue.AttrName, module.RebootModuleName).
		Append(module.NewRequest("1", "reboot_now"))
}

// setupBatch persists a batch through the queue and returns its path.
func setupBatch(t *testing.T, steps ...*xmldoc.Element) string {
	t.Helper()
	q, err := queue.New(queue.Config{Dir: t.TempDir(), Launcher: nopLauncher{}})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	b, err := q.Create(context.Background(), xmldoc.New(queue.TagBatch).Append(steps...))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return q.Path(b.ID)
}

func readBatch(t *testing.T, path string) *queue.Batch {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	doc, err := xmldoc.Parse(data)
	if err != nil {
		t.Fatalf("parse batch: %v", err)
	}
	b, err := queue.Decode(doc)
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	return b
}

func stepStates(b *queue.Batch) []queue.State {
	var states []queue.State
	for _, s := range b.Steps() {
		states = append(states, s.State())
	}
	return states
}

func runWorker(t *testing.T, path string, b *fakeBus, r Rebooter, halt func(context.Context)) error {
	t.Helper()
	w, err := New(Config{Path: path, Bus: b, Rebooter: r, Halt: halt})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w.Run(context.Background())
}

func TestRun(t *testing.T) {
	tests := []struct {
		name       string
		steps      []*xmldoc.Element
		setup      func(b *fakeBus)
		wantStatus queue.State
		wantSteps  []queue.State
		wantCalls  []string
	}{
		{
			name:       "all succeed",
			steps:      []*xmldoc.Element{step("alpha"), step("beta")},
			wantStatus: queue.StateDone,
			wantSteps:  []queue.State{queue.StateDone, queue.StateDone},
			wantCalls:  []string{"alpha", "beta"},
		},
		{
			name:       "request failure stops batch",
			steps:      []*xmldoc.Element{step("alpha"), step("bad"), step("gamma")},
			wantStatus: queue.StateReqFail,
			wantSteps:  []queue.State{queue.StateDone, queue.StateReqFail, queue.StateRemoved},
			wantCalls:  []string{"alpha", "bad"},
		},
		{
			name:       "bus error is module failure",
			steps:      []*xmldoc.Element{step("alpha"), step("beta"), step("gamma")},
			setup:      func(b *fakeBus) { b.errs["beta"] = errors.New("exit status 1") },
			wantStatus: queue.StateReqFail,
			wantSteps:  []queue.State{queue.StateDone, queue.StateModFail, queue.StateRemoved},
			wantCalls:  []string{"alpha", "beta"},
		},
		{
			name:       "internal error is module failure",
			steps:      []*xmldoc.Element{step("alpha"), step("beta")},
			setup:      func(b *fakeBus) { b.raw["alpha"] = "<internal_error/>" },
			wantStatus: queue.StateReqFail,
			wantSteps:  []queue.State{queue.StateModFail, queue.StateRemoved},
			wantCalls:  []string{"alpha"},
		},
		{
			name:       "API error is request failure",
			steps:      []*xmldoc.Element{step("alpha")},
			setup:      func(b *fakeBus) { b.raw["alpha"] = `<API_error description="missing request tag"/>` },
			wantStatus: queue.StateReqFail,
			wantSteps:  []queue.State{queue.StateReqFail},
			wantCalls:  []string{"alpha"},
		},
		{
			name:       "garbage output is module failure",
			steps:      []*xmldoc.Element{step("alpha")},
			setup:      func(b *fakeBus) { b.raw["alpha"] = "not xml" },
			wantStatus: queue.StateReqFail,
			wantSteps:  []queue.State{queue.StateModFail},
			wantCalls:  []string{"alpha"},
		},
		{
			name:       "step without payload",
			steps:      []*xmldoc.Element{xmldoc.New(queue.TagModule, queue.AttrName, "alpha")},
			wantStatus: queue.StateDone,
			wantSteps:  []queue.State{queue.StateDone},
		},
		{
			name:       "empty batch",
			wantStatus: queue.StateDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := setupBatch(t, tt.steps...)
			b := newFakeBus()
			if tt.setup != nil {
				tt.setup(b)
			}

			if err := runWorker(t, path, b, &fakeRebooter{}, nil); err != nil {
				t.Fatalf("Run: %v", err)
			}

			got := readBatch(t, path)
			if got.Status() != tt.wantStatus {
				t.Errorf("status = %v, want %v", got.Status(), tt.wantStatus)
			}
			if !reflect.DeepEqual(stepStates(got), tt.wantSteps) {
				t.Errorf("steps = %v, want %v", stepStates(got), tt.wantSteps)
			}
			if !reflect.DeepEqual(b.calls, tt.wantCalls) {
				t.Errorf("calls = %v, want %v", b.calls, tt.wantCalls)
			}
		})
	}
}

func TestRunStoresResponses(t *testing.T) {
	path := setupBatch(t, step("alpha"))
	if err := runWorker(t, path, newFakeBus(), &fakeRebooter{}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	payload := readBatch(t, path).Steps()[0].Payload()
	if payload.Tag != module.TagResponse {
		t.Fatalf("payload = <%s>, want response", payload.Tag)
	}
	if module.ResponseVars(payload).String("result") != "ok" {
		t.Errorf("payload = %s", payload)
	}
}

func TestRunResumesAtInterruptedStep(t *testing.T) {
	path := setupBatch(t, step("alpha"), step("beta"), step("gamma"))

	// Simulate a worker killed after persisting step 1 as prog.
	b := readBatch(t, path)
	b.SetStatus(queue.StateProg)
	steps := b.Steps()
	steps[0].SetState(queue.StateDone)
	steps[1].SetState(queue.StateProg)
	if err := os.WriteFile(path, b.Marshal(), 0o640); err != nil {
		t.Fatal(err)
	}

	bus := newFakeBus()
	if err := runWorker(t, path, bus, &fakeRebooter{}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []string{"beta", "gamma"}; !reflect.DeepEqual(bus.calls, want) {
		t.Errorf("calls = %v, want %v", bus.calls, want)
	}
	if got := readBatch(t, path).Status(); got != queue.StateDone {
		t.Errorf("status = %v", got)
	}
}

func TestRunTerminalBatchIsUntouched(t *testing.T) {
	for _, st := range []queue.State{queue.StateDone, queue.StateReqFail} {
		t.Run(st.String(), func(t *testing.T) {
			path := setupBatch(t, step("alpha"))
			b := readBatch(t, path)
			b.SetStatus(st)
			if err := os.WriteFile(path, b.Marshal(), 0o640); err != nil {
				t.Fatal(err)
			}
			before, _ := os.ReadFile(path)

			bus := newFakeBus()
			if err := runWorker(t, path, bus, &fakeRebooter{}, nil); err != nil {
				t.Fatalf("Run: %v", err)
			}
			after, _ := os.ReadFile(path)
			if string(before) != string(after) || len(bus.calls) != 0 {
				t.Error("terminal batch was modified or executed")
			}
		})
	}
}

func TestRunBusy(t *testing.T) {
	path := setupBatch(t, step("alpha"))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := queue.LockFile(f); err != nil {
		t.Fatal(err)
	}

	bus := newFakeBus()
	err = runWorker(t, path, bus, &fakeRebooter{}, nil)
	if !errors.Is(err, queue.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if len(bus.calls) != 0 {
		t.Error("busy batch was executed")
	}
}

func TestRunInvalidBatch(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"wrong root", `<report batch_id="5" status="1"/>`},
		{"no status", `<batch batch_id="5"/>`},
		{"not xml", `garbage`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := t.TempDir() + "/5"
			if err := os.WriteFile(path, []byte(tt.doc), 0o640); err != nil {
				t.Fatal(err)
			}
			if err := runWorker(t, path, newFakeBus(), &fakeRebooter{}, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunMissingFile(t *testing.T) {
	if err := runWorker(t, t.TempDir()+"/7", newFakeBus(), &fakeRebooter{}, nil); err == nil {
		t.Error("expected error")
	}
}

func TestRunRebootHalts(t *testing.T) {
	path := setupBatch(t, step("alpha"), rebootStep(), step("beta"))
	bus := newFakeBus()
	r := &fakeRebooter{}

	var halted bool
	halt := func(context.Context) {
		halted = true
		b := readBatch(t, path)
		if got := stepStates(b); got[1] != queue.StateDone {
			t.Errorf("reboot step not persisted as done before halt: %v", got)
		}
	}

	err := runWorker(t, path, bus, r, halt)
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("err = %v, want ErrHalted", err)
	}
	if !halted || r.calls != 1 {
		t.Errorf("halted = %v, reboot calls = %d", halted, r.calls)
	}

	b := readBatch(t, path)
	want := []queue.State{queue.StateDone, queue.StateDone, queue.StateSched}
	if !reflect.DeepEqual(stepStates(b), want) {
		t.Errorf("steps = %v, want %v", stepStates(b), want)
	}
	if b.Status() != queue.StateProg {
		t.Errorf("status = %v, want prog", b.Status())
	}
	if want := []string{"alpha"}; !reflect.DeepEqual(bus.calls, want) {
		t.Errorf("calls = %v", bus.calls)
	}

	// After the machine comes back the relaunched worker finishes the rest.
	if err := runWorker(t, path, bus, r, halt); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if r.calls != 1 {
		t.Errorf("reboot ran again")
	}
	if got := readBatch(t, path).Status(); got != queue.StateDone {
		t.Errorf("status = %v", got)
	}
}

func TestRunRebootUnrecordedDoesNotHalt(t *testing.T) {
	path := setupBatch(t, rebootStep(), step("alpha"))
	bus := newFakeBus()
	// A non-empty directory in place of the temp file makes the next write fail.
	r := &fakeRebooter{before: func() {
		if err := os.MkdirAll(filepath.Join(path+".tmp", "blocker"), 0o755); err != nil {
			t.Fatal(err)
		}
	}}
	err := runWorker(t, path, bus, r, func(context.Context) {
		t.Error("halt called after reboot step was not recorded")
	})
	if !agenterr.IsPersistence(err) {
		t.Fatalf("err = %v, want persistence error", err)
	}
	if r.calls != 1 {
		t.Errorf("reboot calls = %d", r.calls)
	}
	if len(bus.calls) != 0 {
		t.Errorf("calls = %v", bus.calls)
	}
}

func TestRunRebootFailure(t *testing.T) {
	path := setupBatch(t, rebootStep(), step("alpha"))
	bus := newFakeBus()
	err := runWorker(t, path, bus, &fakeRebooter{err: errors.New("permission denied")}, func(context.Context) {
		t.Error("halt called after failed reboot")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	b := readBatch(t, path)
	want := []queue.State{queue.StateReqFail, queue.StateRemoved}
	if !reflect.DeepEqual(stepStates(b), want) {
		t.Errorf("steps = %v, want %v", stepStates(b), want)
	}
	if len(bus.calls) != 0 {
		t.Errorf("calls = %v", bus.calls)
	}
}

func TestRunStatusOnlyMovesForward(t *testing.T) {
	path := setupBatch(t, step("alpha"), step("bad"))
	bus := newFakeBus()
	if err := runWorker(t, path, bus, &fakeRebooter{}, nil); err != nil {
		t.Fatal(err)
	}
	first := readBatch(t, path).Status()

	if err := runWorker(t, path, bus, &fakeRebooter{}, nil); err != nil {
		t.Fatal(err)
	}
	if second := readBatch(t, path).Status(); second != first || !second.Terminal() {
		t.Errorf("status moved from %v to %v", first, second)
	}
}
