package upload

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethpandaops/segmentoor/pkg/segment"
	"github.com/ethpandaops/segmentoor/pkg/transfer"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeSigner) SignUpload(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.keys = append(f.keys, key)
	if f.err != nil {
		return "", f.err
	}

	return "https://storage.example.com/" + key + "?sig=1", nil
}

type fakePutter struct {
	mu     sync.Mutex
	calls  []string
	bodies []string
	status int
	err    error
}

func (f *fakePutter) Put(_ context.Context, url, path string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, url)

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	f.bodies = append(f.bodies, string(data))

	if f.err != nil {
		return f.status, f.err
	}

	if f.status != http.StatusOK {
		return f.status, &transfer.StatusError{Code: f.status}
	}

	return f.status, nil
}

// fakeCompressor prefixes the content so tests can tell compressed
// bodies apart from raw ones.
type fakeCompressor struct {
	err   error
	calls int
}

func (f *fakeCompressor) Compress(_ context.Context, src, dst string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	if err := os.WriteFile(dst, append([]byte("bz:"), data...), 0o644); err != nil {
		return err
	}

	return os.Remove(src)
}

type fixture struct {
	root       string
	scanner    *segment.Scanner
	signer     *fakeSigner
	putter     *fakePutter
	compressor *fakeCompressor
	executor   *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	scanner := segment.NewScanner(logrus.New(), root, segment.Options{
		MarkerSuffix:     ".lock",
		TempSuffix:       ".tmp",
		LogNames:         []string{"rlog"},
		CompressedSuffix: ".bz2",
	})

	f := &fixture{
		root:       root,
		scanner:    scanner,
		signer:     &fakeSigner{},
		putter:     &fakePutter{status: http.StatusOK},
		compressor: &fakeCompressor{},
	}

	f.executor = NewExecutor(logrus.New(), scanner, f.signer, f.putter, Options{
		Compressor:       f.compressor,
		CompressedSuffix: ".bz2",
	})

	return f
}

func (f *fixture) write(t *testing.T, key, content string) segment.Task {
	t.Helper()

	path := filepath.Join(f.root, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return segment.Task{Key: key, Path: path, Priority: segment.PriorityBulk}
}

func TestExecutor_UploadSuccessDeletesArtifact(t *testing.T) {
	f := newFixture(t)
	task := f.write(t, "seg/fcamera.hevc", "camera")
	f.write(t, "seg/qcamera.ts", "other")

	res := f.executor.Upload(context.Background(), task)

	require.True(t, res.Success, res.Error())
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int64(len("camera")), res.Size)
	assert.NotEmpty(t, res.AttemptID)
	assert.NoFileExists(t, task.Path)
	assert.DirExists(t, filepath.Join(f.root, "seg"), "segment still has artifacts")

	assert.Equal(t, []string{"seg/fcamera.hevc"}, f.signer.keys)
	assert.Equal(t, []string{"https://storage.example.com/seg/fcamera.hevc?sig=1"}, f.putter.calls)
	assert.Equal(t, 0, f.compressor.calls)
}

func TestExecutor_UploadLogIsCompressedFirst(t *testing.T) {
	f := newFixture(t)
	task := f.write(t, "seg/rlog", "raw log")
	task.Priority = segment.PriorityLog

	res := f.executor.Upload(context.Background(), task)

	require.True(t, res.Success, res.Error())
	assert.Equal(t, "seg/rlog.bz2", res.Task.Key)
	assert.Equal(t, task.Path+".bz2", res.Task.Path)
	assert.Equal(t, []string{"seg/rlog.bz2"}, f.signer.keys)
	assert.Equal(t, []string{"bz:raw log"}, f.putter.bodies)
	assert.NoFileExists(t, task.Path)
	assert.NoFileExists(t, task.Path+".bz2")
	assert.NoDirExists(t, filepath.Join(f.root, "seg"), "emptied segment is pruned")
}

func TestExecutor_CompressionFailure(t *testing.T) {
	f := newFixture(t)
	f.compressor.err = errors.New("bzip2 exited 1")
	task := f.write(t, "seg/rlog", "raw log")

	res := f.executor.Upload(context.Background(), task)

	assert.False(t, res.Success)
	assert.Equal(t, OutcomeCompression, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrCompression)
	assert.Empty(t, f.signer.keys, "no credential request")
	assert.Empty(t, f.putter.calls, "no network call")

	data, err := os.ReadFile(task.Path)
	require.NoError(t, err)
	assert.Equal(t, "raw log", string(data))
}

func TestExecutor_AlreadyCompressedLogIsNotRecompressed(t *testing.T) {
	f := newFixture(t)
	task := f.write(t, "seg/rlog.bz2", "compressed")

	res := f.executor.Upload(context.Background(), task)

	require.True(t, res.Success, res.Error())
	assert.Equal(t, 0, f.compressor.calls)
	assert.Equal(t, []string{"seg/rlog.bz2"}, f.signer.keys)
}

func TestExecutor_ZeroByteArtifact(t *testing.T) {
	f := newFixture(t)
	task := f.write(t, "seg/qlog", "")

	res := f.executor.Upload(context.Background(), task)

	assert.True(t, res.Success)
	assert.Equal(t, OutcomeEmpty, res.Outcome)
	assert.NoFileExists(t, task.Path)
	assert.Empty(t, f.signer.keys)
	assert.Empty(t, f.putter.calls)
	assert.NoDirExists(t, filepath.Join(f.root, "seg"))
}

func TestExecutor_StatFailure(t *testing.T) {
	f := newFixture(t)
	f.write(t, "seg/other", "x")
	task := segment.Task{Key: "seg/missing", Path: filepath.Join(f.root, "seg", "missing")}

	res := f.executor.Upload(context.Background(), task)

	assert.False(t, res.Success)
	assert.Equal(t, OutcomeStat, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrStat)
	assert.Empty(t, f.putter.calls)
}

func TestExecutor_CredentialFailure(t *testing.T) {
	f := newFixture(t)
	f.signer.err = errors.New("identity service timeout")
	task := f.write(t, "seg/fcamera.hevc", "camera")

	res := f.executor.Upload(context.Background(), task)

	assert.False(t, res.Success)
	assert.Equal(t, OutcomeCredential, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrCredential)
	assert.Empty(t, f.putter.calls)
	assert.FileExists(t, task.Path)
}

func TestExecutor_TransferFailures(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		err         error
		wantOutcome string
	}{
		{
			name:        "server error",
			status:      http.StatusInternalServerError,
			wantOutcome: OutcomeTransfer,
		},
		{
			name:        "non-200 success status",
			status:      http.StatusNoContent,
			wantOutcome: OutcomeTransfer,
		},
		{
			name:        "transport error",
			err:         errors.New("connection reset"),
			wantOutcome: OutcomeTransfer,
		},
		{
			name:        "aborted",
			err:         transfer.ErrAborted,
			wantOutcome: OutcomeAborted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.putter.status = tt.status
			f.putter.err = tt.err
			task := f.write(t, "seg/fcamera.hevc", "camera")

			res := f.executor.Upload(context.Background(), task)

			assert.False(t, res.Success)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.status, res.StatusCode)
			assert.ErrorIs(t, res.Err, ErrTransfer)
			assert.FileExists(t, task.Path, "artifact is kept for retry")

			last, ok := f.executor.LastResult()
			require.True(t, ok)
			assert.Equal(t, res.AttemptID, last.AttemptID)
			assert.NotEmpty(t, last.Error())
		})
	}
}

func TestExecutor_PrunesOtherEmptySegments(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "leftover"), 0o755))
	task := f.write(t, "seg/fcamera.hevc", "camera")
	f.putter.status = http.StatusInternalServerError

	res := f.executor.Upload(context.Background(), task)

	assert.False(t, res.Success)
	assert.NoDirExists(t, filepath.Join(f.root, "leftover"), "cleanup runs regardless of outcome")
	assert.DirExists(t, filepath.Join(f.root, "seg"))
}

func TestExecutor_WithoutCompressorUploadsRawLog(t *testing.T) {
	f := newFixture(t)
	f.executor = NewExecutor(logrus.New(), f.scanner, f.signer, f.putter, Options{})
	task := f.write(t, "seg/rlog", "raw log")

	res := f.executor.Upload(context.Background(), task)

	require.True(t, res.Success, res.Error())
	assert.Equal(t, []string{"seg/rlog"}, f.signer.keys)
	assert.Equal(t, []string{"raw log"}, f.putter.bodies)
}

func TestExecutor_CurrentClearedAfterUpload(t *testing.T) {
	f := newFixture(t)
	task := f.write(t, "seg/fcamera.hevc", "camera")

	_ = f.executor.Upload(context.Background(), task)

	current, _ := f.executor.Current()
	assert.Nil(t, current)
}
