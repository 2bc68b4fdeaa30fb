package compress

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useHelperProcess(t *testing.T, mode string) *[]string {
	t.Helper()

	var captured []string

	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		captured = append([]string{name}, args...)
		helperArgs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], helperArgs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "COMPRESS_HELPER_MODE="+mode)

		return cmd
	}

	t.Cleanup(func() {
		commandContext = original
	})

	return &captured
}

func TestNewCommandRequiresProgram(t *testing.T) {
	_, err := NewCommand(logrus.New(), nil, 19, ".tmp")
	require.Error(t, err)

	_, err = NewCommand(logrus.New(), []string{""}, 19, ".tmp")
	require.Error(t, err)
}

func TestCommandArgv(t *testing.T) {
	tests := []struct {
		name     string
		nice     int
		wantName string
		wantArgs []string
	}{
		{
			name:     "niced",
			nice:     19,
			wantName: "nice",
			wantArgs: []string{"-n", "19", "bzip2", "-c", "/data/seg/rlog"},
		},
		{
			name:     "not niced",
			nice:     0,
			wantName: "bzip2",
			wantArgs: []string{"-c", "/data/seg/rlog"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCommand(logrus.New(), []string{"bzip2", "-c"}, tt.nice, ".tmp")
			require.NoError(t, err)

			name, args := c.argv("/data/seg/rlog")
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestCommandCompressSuccess(t *testing.T) {
	captured := useHelperProcess(t, "success")

	dir := t.TempDir()
	src := filepath.Join(dir, "rlog")
	dst := src + ".bz2"
	require.NoError(t, os.WriteFile(src, []byte("raw log"), 0o644))

	c, err := NewCommand(logrus.New(), []string{"bzip2", "-c"}, 19, ".tmp")
	require.NoError(t, err)

	require.NoError(t, c.Compress(context.Background(), src, dst))

	assert.NoFileExists(t, src)
	assert.NoFileExists(t, src+".tmp")

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "compressed:raw log", string(data))

	assert.Equal(t, []string{"nice", "-n", "19", "bzip2", "-c", src}, *captured)
}

func TestCommandCompressFailureKeepsOriginal(t *testing.T) {
	useHelperProcess(t, "failure")

	dir := t.TempDir()
	src := filepath.Join(dir, "rlog")
	dst := src + ".bz2"
	require.NoError(t, os.WriteFile(src, []byte("raw log"), 0o644))

	c, err := NewCommand(logrus.New(), []string{"bzip2", "-c"}, 19, ".tmp")
	require.NoError(t, err)

	err = c.Compress(context.Background(), src, dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compression failed")

	data, readErr := os.ReadFile(src)
	require.NoError(t, readErr)
	assert.Equal(t, "raw log", string(data))
	assert.NoFileExists(t, dst)
	assert.NoFileExists(t, src+".tmp")
}

func TestCommandCompressMissingDirectory(t *testing.T) {
	useHelperProcess(t, "success")

	src := filepath.Join(t.TempDir(), "gone", "rlog")

	c, err := NewCommand(logrus.New(), []string{"bzip2", "-c"}, 0, ".tmp")
	require.NoError(t, err)

	err = c.Compress(context.Background(), src, src+".bz2")
	require.Error(t, err)
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]

			break
		}
	}

	switch os.Getenv("COMPRESS_HELPER_MODE") {
	case "success":
		src := args[len(args)-1]

		f, err := os.Open(src)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}

		fmt.Print("compressed:")
		_, _ = io.Copy(os.Stdout, f)
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "compression failed")
		os.Exit(1)
	default:
		os.Exit(0)
	}
}
