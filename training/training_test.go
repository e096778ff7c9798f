package training

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Noofbiz/chessEval/datasets"
)

var fixedTime = time.Date(2024, time.March, 9, 14, 5, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

// writeTable writes a one-plane table whose row r is labeled r/100.
func writeTable(t *testing.T, rows int) string {
	t.Helper()
	plane := "[" + strings.TrimSuffix(strings.Repeat("[0, 0, 0, 0, 0, 0, 0, 0], ", datasets.BoardSize), ", ") + "]"
	var b strings.Builder
	b.WriteString("plane_0|score\n")
	for r := range rows {
		fmt.Fprintf(&b, "%s|%g\n", plane, float64(r)/100)
	}
	path := filepath.Join(t.TempDir(), "positions.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("failed to write table: %v", err)
	}
	return path
}

func openSource(t *testing.T, path string, start, stop, chunk int) *datasets.ChunkedSource {
	t.Helper()
	src, err := datasets.NewChunkedSource(path, start, stop, datasets.Options{ChunkSize: chunk, Planes: 1})
	if err != nil {
		t.Fatalf("NewChunkedSource failed: %v", err)
	}
	return src
}

func labelValue(s datasets.Sample) float64 {
	return float64(s.Label.Value().([][]float32)[0][0])
}

// scriptedModel returns each sample's label as its training loss and the
// scripted value of the current epoch as its validation loss.
type scriptedModel struct {
	evalLosses []float64
	failEpoch  int

	epoch    int
	training bool
	trainN   int
	evalN    int
}

func (m *scriptedModel) SetTraining(training bool) {
	if training && !m.training {
		m.epoch++
	}
	m.training = training
}

func (m *scriptedModel) TrainStep(s datasets.Sample) (float64, error) {
	if !m.training {
		return 0, errors.New("TrainStep outside training")
	}
	if m.epoch == m.failEpoch {
		return 0, errors.New("device lost")
	}
	m.trainN++
	return labelValue(s), nil
}

func (m *scriptedModel) EvalStep(datasets.Sample) (float64, error) {
	if m.training {
		return 0, errors.New("EvalStep in training")
	}
	m.evalN++
	if len(m.evalLosses) == 0 {
		return 0.25, nil
	}
	return m.evalLosses[min(m.epoch, len(m.evalLosses))-1], nil
}

func (m *scriptedModel) WriteParams(w io.Writer) error {
	_, err := fmt.Fprintf(w, "params after epoch %d\n", m.epoch)
	return err
}

func TestOverfitting(t *testing.T) {
	rising := func(n int) []float64 {
		h := make([]float64, n)
		for i := range h {
			h[i] = float64(i)
		}
		return h
	}
	cases := []struct {
		name    string
		history []float64
		window  int
		want    bool
	}{
		{"empty", nil, 15, false},
		{"window values only", rising(15), 15, false},
		{"sixteen rising", rising(16), 15, true},
		{"long rising", rising(40), 15, true},
		{"tie with oldest", append([]float64{15}, rising(16)[1:]...), 15, false},
		{"older minimum ignored", append([]float64{-1}, rising(16)...), 15, true},
		{"drop at the end", append(rising(20), 3), 15, false},
		{"disabled", rising(40), 0, false},
		{"short window", []float64{0.5, 0.4, 0.45}, 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Overfitting(tc.history, tc.window); got != tc.want {
				t.Fatalf("Overfitting(%v, %d) = %v, want %v", tc.history, tc.window, got, tc.want)
			}
		})
	}
}

func TestLoop_RunCompletes(t *testing.T) {
	table := writeTable(t, 12)
	train := openSource(t, table, 0, 7, 3)
	eval := openSource(t, table, 7, 12, 9)
	if train.Mode() != datasets.TrainingMode || eval.Mode() != datasets.EvaluationMode {
		t.Fatalf("unexpected modes %v/%v", train.Mode(), eval.Mode())
	}

	var console bytes.Buffer
	model := &scriptedModel{}
	dir := filepath.Join(t.TempDir(), "weights")
	loop, err := NewLoop(train, eval, model, Config{Epochs: 3, CheckpointDir: dir, Console: &console, Clock: fixedClock})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}

	out, err := loop.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Kind != Completed || out.Epoch != 3 {
		t.Fatalf("unexpected outcome %v", out)
	}
	if model.trainN != 3*7 || model.evalN != 3*5 {
		t.Fatalf("expected 21 train and 15 eval steps, got %d and %d", model.trainN, model.evalN)
	}

	recs := loop.Records()
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	// mean of 0/100..6/100
	wantTrain := 0.03
	for i, rec := range recs {
		if rec.Epoch != i+1 {
			t.Fatalf("record %d has epoch %d", i, rec.Epoch)
		}
		if diff := rec.TrainLoss - wantTrain; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("epoch %d: expected train loss %v, got %v", rec.Epoch, wantTrain, rec.TrainLoss)
		}
		if rec.ValidationLoss != 0.25 || !rec.Time.Equal(fixedTime) {
			t.Fatalf("unexpected record %+v", rec)
		}
	}

	lines := strings.Split(strings.TrimSpace(console.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 console lines, got %q", console.String())
	}
	if !strings.HasPrefix(lines[1], "Epoch 2/3: TRAIN_MSE = ") || !strings.HasSuffix(lines[1], ", TEST_MSE = 0.25.") {
		t.Fatalf("unexpected console line %q", lines[1])
	}

	saved := loop.Checkpoints()
	if len(saved) != 3 {
		t.Fatalf("expected 3 checkpoints, got %v", saved)
	}
	for i, path := range saved {
		if filepath.Base(path) != CheckpointName(i+1) {
			t.Fatalf("checkpoint %d has name %s", i+1, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read checkpoint: %v", err)
		}
		if want := fmt.Sprintf("params after epoch %d\n", i+1); string(data) != want {
			t.Fatalf("checkpoint %d holds %q", i+1, data)
		}
	}
}

func TestLoop_StopsWhenValidationRises(t *testing.T) {
	table := writeTable(t, 6)
	losses := make([]float64, 30)
	for i := range losses {
		losses[i] = 0.1 + float64(i)/100
	}
	model := &scriptedModel{evalLosses: losses}
	dir := filepath.Join(t.TempDir(), "weights")
	loop, err := NewLoop(openSource(t, table, 0, 4, 2), openSource(t, table, 4, 6, 2), model,
		Config{Epochs: 30, CheckpointDir: dir, Clock: fixedClock})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}

	out, err := loop.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Kind != Stopped || out.Epoch != DefaultStopWindow+1 {
		t.Fatalf("expected stop at epoch %d, got %v", DefaultStopWindow+1, out)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != DefaultStopWindow+1 {
		t.Fatalf("expected %d checkpoints, got %d", DefaultStopWindow+1, len(entries))
	}
}

func TestLoop_FlatValidationNeverStops(t *testing.T) {
	table := writeTable(t, 4)
	loop, err := NewLoop(openSource(t, table, 0, 2, 1), openSource(t, table, 2, 4, 9), &scriptedModel{},
		Config{Epochs: 20, CheckpointDir: filepath.Join(t.TempDir(), "w")})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	out, err := loop.Run()
	if err != nil || out.Kind != Completed || out.Epoch != 20 {
		t.Fatalf("expected 20 completed epochs, got %v, %v", out, err)
	}
}

func TestLoop_ErrorKeepsCompletedEpochs(t *testing.T) {
	table := writeTable(t, 6)
	var logBuf recordingLogger
	loop, err := NewLoop(openSource(t, table, 0, 4, 2), openSource(t, table, 4, 6, 2), &scriptedModel{failEpoch: 2},
		Config{Epochs: 5, CheckpointDir: filepath.Join(t.TempDir(), "w"), Log: &logBuf})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}

	out, err := loop.Run()
	if err == nil {
		t.Fatal("expected training error")
	}
	if !strings.Contains(err.Error(), "epoch 2") || IsSetupError(err) {
		t.Fatalf("unexpected error %v", err)
	}
	if out.Kind != Failed || out.Epoch != 1 || len(loop.Checkpoints()) != 1 || len(logBuf.recs) != 1 {
		t.Fatalf("expected one completed epoch, got %v, %v, %d logged", out, loop.Checkpoints(), len(logBuf.recs))
	}
	if got := out.String(); !strings.HasPrefix(got, "failed after 1 epochs: epoch 2") {
		t.Fatalf("unexpected outcome text %q", got)
	}
}

func TestNewLoop_ExistingCheckpointDir(t *testing.T) {
	table := writeTable(t, 4)
	dir := t.TempDir()
	_, err := NewLoop(openSource(t, table, 0, 2, 1), openSource(t, table, 2, 4, 9), &scriptedModel{},
		Config{Epochs: 1, CheckpointDir: dir})
	if !errors.Is(err, ErrAlreadyTrained) {
		t.Fatalf("expected ErrAlreadyTrained, got %v", err)
	}
	if !IsSetupError(err) {
		t.Fatalf("expected setup error")
	}
}

func TestNewLoop_RejectsConfig(t *testing.T) {
	table := writeTable(t, 4)
	train := openSource(t, table, 0, 2, 1)
	eval := openSource(t, table, 2, 4, 9)
	dir := filepath.Join(t.TempDir(), "w")
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero epochs", Config{CheckpointDir: dir}},
		{"no dir", Config{Epochs: 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewLoop(train, eval, &scriptedModel{}, tc.cfg); err == nil {
				t.Fatal("expected error")
			}
			if _, err := os.Stat(dir); !os.IsNotExist(err) {
				t.Fatalf("checkpoint directory created for a rejected config")
			}
		})
	}
}

func TestIsSetupError(t *testing.T) {
	_, err := datasets.NewChunkedSource(filepath.Join(t.TempDir(), "missing.csv"), 0, 10, datasets.Options{})
	if !IsSetupError(err) {
		t.Fatalf("missing table should be a setup error: %v", err)
	}
	if IsSetupError(errors.New("boom")) {
		t.Fatal("plain error reported as setup error")
	}
}

type recordingLogger struct{ recs []EpochRecord }

func (r *recordingLogger) Epoch(rec EpochRecord, _ int) error {
	r.recs = append(r.recs, rec)
	return nil
}

func TestRunLog_Lines(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenRunLog(dir, "abc")
	if err != nil {
		t.Fatalf("OpenRunLog failed: %v", err)
	}
	if filepath.Base(l.Path()) != "train_abc.log" {
		t.Fatalf("unexpected log path %s", l.Path())
	}
	rec := EpochRecord{Epoch: 2, TrainLoss: 0.5, ValidationLoss: 0.125, Time: fixedTime}
	if err := l.Start(fixedTime); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Epoch(rec, 10); err != nil {
		t.Fatalf("Epoch failed: %v", err)
	}
	if err := l.Stop(fixedTime); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := l.Epoch(rec, 10); err == nil {
		t.Fatal("expected error writing to a closed log")
	}

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	want := "START TIME: Sat Mar  9 14:05:00 2024.\n" +
		"[Sat Mar  9 14:05:00 2024]: Epoch 2/10: TRAIN_MSE = 0.5, TEST_MSE = 0.125.\n" +
		"STOP TIME: Sat Mar  9 14:05:00 2024.\n"
	if string(data) != want {
		t.Fatalf("unexpected log:\n%s\nwant:\n%s", data, want)
	}

	if _, err := OpenRunLog(dir, "abc"); err == nil {
		t.Fatal("expected error reopening an existing run log")
	}
}

func TestCheckpointDir_SaveIsExclusive(t *testing.T) {
	d, err := CreateCheckpointDir(filepath.Join(t.TempDir(), "nested", "weights"))
	if err != nil {
		t.Fatalf("CreateCheckpointDir failed: %v", err)
	}
	m := &scriptedModel{}
	if _, err := d.Save(1, m); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := d.Save(1, m); err == nil {
		t.Fatal("expected error overwriting a checkpoint")
	}
}

type failingParams struct{}

func (failingParams) WriteParams(w io.Writer) error {
	_, _ = w.Write([]byte("partial"))
	return errors.New("disk full")
}

func TestCheckpointDir_FailedSaveLeavesNoFile(t *testing.T) {
	d, err := CreateCheckpointDir(filepath.Join(t.TempDir(), "w"))
	if err != nil {
		t.Fatalf("CreateCheckpointDir failed: %v", err)
	}
	if _, err := d.Save(3, failingParams{}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(filepath.Join(d.Path(), CheckpointName(3))); !os.IsNotExist(err) {
		t.Fatalf("partial checkpoint left behind: %v", err)
	}
}

func TestLoop_OneEpochEndToEnd(t *testing.T) {
	table := writeTable(t, 91)
	train := openSource(t, table, 0, 81, datasets.DefaultChunkSize)
	eval := openSource(t, table, 81, 91, 100)
	if train.Mode() != datasets.TrainingMode || eval.Mode() != datasets.EvaluationMode {
		t.Fatalf("unexpected modes %v/%v", train.Mode(), eval.Mode())
	}

	dir := t.TempDir()
	runLog, err := OpenRunLog(dir, "e2e")
	if err != nil {
		t.Fatalf("OpenRunLog failed: %v", err)
	}
	defer runLog.Close()

	model := &scriptedModel{}
	weights := filepath.Join(dir, "weights")
	loop, err := NewLoop(train, eval, model, Config{Epochs: 1, CheckpointDir: weights, Log: runLog, Progress: true})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	out, err := loop.Run()
	if err != nil || out.Kind != Completed {
		t.Fatalf("expected completed run, got %v, %v", out, err)
	}
	if model.trainN != 81 || model.evalN != 10 {
		t.Fatalf("expected 81 train and 10 eval steps, got %d and %d", model.trainN, model.evalN)
	}
	if err := runLog.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(runLog.Path())
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(string(data)), "\n"); len(lines) != 1 || !strings.Contains(lines[0], "Epoch 1/1") {
		t.Fatalf("expected one epoch line, got %q", data)
	}
	entries, err := os.ReadDir(weights)
	if err != nil || len(entries) != 1 || entries[0].Name() != CheckpointName(1) {
		t.Fatalf("expected one checkpoint, got %v (%v)", entries, err)
	}
}
