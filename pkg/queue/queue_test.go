package queue

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/froyo-agent/pkg/agenterr"
	"github.com/openfroyo/froyo-agent/pkg/xmldoc"
)

// mockLauncher records launches instead of starting processes.
type mockLauncher struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (m *mockLauncher) Launch(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.paths = append(m.paths, path)
	return nil
}

func (m *mockLauncher) launched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}

func setupQueue(t *testing.T, launcher Launcher) *Queue {
	t.Helper()
	q, err := New(Config{Dir: filepath.Join(t.TempDir(), "queue"), Launcher: launcher})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return q
}

func batchRequest(t *testing.T) *xmldoc.Element {
	t.Helper()
	req, err := xmldoc.ParseString(`<batch owner="console">
		<module name="storage"><request API_version="1.0"><function_call name="probe"/></request></module>
		<module name="service"><request API_version="1.0"><function_call name="start"/></request></module>
		<module name="reboot"><request API_version="1.0"><function_call name="reboot_now"/></request></module>
	</batch>`)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestCreateAndLoad(t *testing.T) {
	launcher := &mockLauncher{}
	q := setupQueue(t, launcher)
	ctx := context.Background()

	b, err := q.Create(ctx, batchRequest(t))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if b.ID == 0 || b.ID > 1<<31-1 {
		t.Errorf("id %d out of range", b.ID)
	}
	if got := launcher.launched(); len(got) != 1 || got[0] != q.Path(b.ID) {
		t.Errorf("launched = %v, want [%s]", got, q.Path(b.ID))
	}
	if _, err := os.Stat(q.Path(b.ID) + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Error("tmp file left behind")
	}

	loaded, err := q.Load(ctx, b.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ID != b.ID || loaded.Status() != StateSched {
		t.Errorf("loaded id=%d status=%s", loaded.ID, loaded.Status())
	}
	if loaded.Doc.Attr("owner") != "console" {
		t.Error("submitter attribute not preserved")
	}

	wantNames := []string{"storage", "service", "reboot"}
	steps := loaded.Steps()
	if len(steps) != len(wantNames) {
		t.Fatalf("got %d steps, want %d", len(steps), len(wantNames))
	}
	for i, s := range steps {
		if s.Name() != wantNames[i] {
			t.Errorf("step %d = %q, want %q", i, s.Name(), wantNames[i])
		}
		if s.State() != StateSched {
			t.Errorf("step %d state = %s", i, s.State())
		}
		if s.Payload() == nil || s.Payload().Tag != "request" {
			t.Errorf("step %d payload = %v", i, s.Payload())
		}
	}
	if !loaded.Doc.Equal(b.Doc) {
		t.Error("reloaded document differs from created one")
	}
}

func TestCreateSkipsExistingIDs(t *testing.T) {
	q := setupQueue(t, &mockLauncher{})
	if err := os.WriteFile(q.Path(5), []byte("<batch/>"), 0o640); err != nil {
		t.Fatal(err)
	}
	seq := []uint32{5, 5, 9}
	q.newID = func() uint32 {
		id := seq[0]
		seq = seq[1:]
		return id
	}

	b, err := q.Create(context.Background(), batchRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != 9 {
		t.Errorf("allocated id %d, want 9", b.ID)
	}
	if data, _ := os.ReadFile(q.Path(5)); string(data) != "<batch/>" {
		t.Error("existing batch file was overwritten")
	}
}

func TestCreateLaunchFailureRemovesBatch(t *testing.T) {
	q := setupQueue(t, &mockLauncher{err: errors.New("exec format error")})
	if _, err := q.Create(context.Background(), batchRequest(t)); err == nil {
		t.Fatal("Create() succeeded with failing launcher")
	}
	ids, err := q.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("batch files left after failed launch: %v", ids)
	}
}

func TestLoadErrors(t *testing.T) {
	q := setupQueue(t, nil)
	ctx := context.Background()

	if _, err := q.Load(ctx, 77); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
	}

	if err := os.WriteFile(q.Path(8), []byte(`<batch batch_id="9" status="1"/>`), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Load(ctx, 8); err == nil {
		t.Error("Load() accepted mismatched batch_id")
	}

	if err := os.WriteFile(q.Path(10), []byte(`<batch batch_id="10"`), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Load(ctx, 10); err == nil {
		t.Error("Load() accepted truncated document")
	}
}

func TestReportConsumesTerminalBatch(t *testing.T) {
	q := setupQueue(t, &mockLauncher{})
	ctx := context.Background()

	b, err := q.Create(ctx, batchRequest(t))
	if err != nil {
		t.Fatal(err)
	}

	first, err := q.Report(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Report(ctx, b.ID)
	if err != nil {
		t.Fatalf("non-terminal batch was consumed: %v", err)
	}
	if !first.Doc.Equal(second.Doc) {
		t.Error("repeated reports of a running batch differ")
	}

	b.SetStatus(StateDone)
	f, err := ReplaceLocked(q.Path(b.ID), b.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	done, err := q.Report(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status() != StateDone {
		t.Errorf("status = %s, want done", done.Status())
	}
	if _, err := q.Report(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal batch still present: %v", err)
	}
}

func TestReportWorkerFailure(t *testing.T) {
	q := setupQueue(t, &mockLauncher{})
	ctx := context.Background()

	b, err := q.Create(ctx, batchRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	other, err := q.Create(ctx, batchRequest(t))
	if err != nil {
		t.Fatal(err)
	}

	exit := errors.New("exit status 2")
	q.WorkerExited(q.Path(b.ID), exit)
	q.WorkerExited(q.Path(other.ID), nil)
	q.WorkerExited(filepath.Join(t.TempDir(), strconv.FormatUint(uint64(other.ID), 10)), exit)

	_, err = q.Report(ctx, b.ID)
	if !errors.Is(err, ErrWorkerFailed) || !errors.Is(err, exit) {
		t.Fatalf("Report() error = %v, want worker failure", err)
	}
	if !agenterr.IsPersistence(err) {
		t.Errorf("Report() error kind = %q, want persistence", agenterr.KindOf(err))
	}
	if _, err := q.Report(ctx, other.ID); err != nil {
		t.Errorf("unrelated batch: %v", err)
	}

	// A later worker that finishes the batch clears the failure.
	b.SetStatus(StateModFail)
	f, err := ReplaceLocked(q.Path(b.ID), b.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	got, err := q.Report(ctx, b.ID)
	if err != nil {
		t.Fatalf("finished batch: %v", err)
	}
	if got.Status() != StateModFail {
		t.Errorf("status = %s", got.Status())
	}
}

func TestScanAndRecover(t *testing.T) {
	launcher := &mockLauncher{}
	q := setupQueue(t, launcher)
	for _, name := range []string{"12", "3", "lock", "4.tmp", "007", "abc"} {
		if err := os.WriteFile(filepath.Join(q.Dir(), name), nil, 0o640); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(q.Dir(), "99"), 0o750); err != nil {
		t.Fatal(err)
	}

	ids, err := q.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 12 {
		t.Errorf("Scan() = %v, want [3 12]", ids)
	}

	n, err := q.Recover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(launcher.launched()) != 2 {
		t.Errorf("Recover() started %d, launched %v", n, launcher.launched())
	}
}

func TestDirLockReentrant(t *testing.T) {
	lock := NewDirLock(filepath.Join(t.TempDir(), "lock"))

	ctx, release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	done := make(chan error, 1)
	go func() {
		inner, innerRelease, err := lock.Acquire(ctx)
		if err == nil {
			if !lock.Held(inner) {
				err = errors.New("nested context does not hold the lock")
			}
			innerRelease()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("nested Acquire() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nested Acquire() with owning context blocked")
	}
	if !lock.Held(ctx) {
		t.Error("inner release dropped the outer hold")
	}
}

func TestDirLockExcludes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	lock := NewDirLock(path)

	_, release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Same process, independent context.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := lock.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Acquire() error = %v, want deadline exceeded", err)
	}

	// Separate lock instance: excluded by flock alone.
	other := NewDirLock(path)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, _, err := other.Acquire(ctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("flock Acquire() error = %v, want deadline exceeded", err)
	}

	release()
	release()

	_, release2, err := other.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	release2()
}

func TestReplaceLockedBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "42")
	if err := writeNew(path, []byte("v1")); err != nil {
		t.Fatal(err)
	}

	held, err := ReplaceLocked(path, []byte("v2"))
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := LockFile(f); !errors.Is(err, ErrBusy) {
		t.Errorf("LockFile() on held batch = %v, want ErrBusy", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "v2" {
		t.Errorf("content = %q, want v2", data)
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in       string
		want     State
		terminal bool
		wantErr  bool
	}{
		{"0", StateDone, true, false},
		{"1", StateSched, false, false},
		{"2", StateProg, false, false},
		{"3", StateModFail, true, false},
		{"4", StateReqFail, true, false},
		{"5", StateRemoved, true, false},
		{"6", 0, false, true},
		{"x", 0, false, true},
	}
	for _, tt := range tests {
		got, err := ParseState(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseState(%q) error = %v", tt.in, err)
			continue
		}
		if tt.wantErr {
			continue
		}
		if got != tt.want || got.Terminal() != tt.terminal {
			t.Errorf("ParseState(%q) = %s terminal=%v", tt.in, got, got.Terminal())
		}
	}
}

func TestParseID(t *testing.T) {
	for _, bad := range []string{"", "0", "-1", "2147483648", "12a"} {
		if _, err := ParseID(bad); err == nil {
			t.Errorf("ParseID(%q) accepted", bad)
		}
	}
	if id, err := ParseID("2147483647"); err != nil || id != 2147483647 {
		t.Errorf("ParseID(max) = %d, %v", id, err)
	}
}

func TestProcessLauncher(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	worker := filepath.Join(dir, "worker.sh")
	script := "#!/bin/sh\necho \"$@ $FROYO_TEST\" > " + out + ".tmp && mv " + out + ".tmp " + out + "\n"
	if err := os.WriteFile(worker, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	exits := make(chan error, 1)
	l := &ProcessLauncher{
		Worker: worker,
		Env:    []string{"FROYO_TEST=passed"},
		OnExit: func(path string, err error) {
			if path != "/queue/42" {
				t.Errorf("OnExit path = %q", path)
			}
			exits <- err
		},
	}
	if err := l.Launch(context.Background(), "/queue/42"); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(out)
		if err == nil {
			if got := string(data); got != "-f /queue/42 passed\n" {
				t.Errorf("worker saw %q", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case err := <-exits:
		if err != nil {
			t.Errorf("worker exit = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit not called")
	}

	failing := filepath.Join(dir, "failing.sh")
	if err := os.WriteFile(failing, []byte("#!/bin/sh\nexit 2\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	l.Worker = failing
	if err := l.Launch(context.Background(), "/queue/42"); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	select {
	case err := <-exits:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 2 {
			t.Errorf("worker exit = %v, want status 2", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit not called for failing worker")
	}

	missing := &ProcessLauncher{Worker: filepath.Join(dir, "missing")}
	if err := missing.Launch(context.Background(), "/queue/42"); err == nil {
		t.Error("expected error for missing worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Launch(ctx, "/queue/42"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled launch: %v", err)
	}
}
