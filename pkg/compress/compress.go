// Package compress runs the external compression step applied to log
// artifacts before they are uploaded.
package compress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ethpandaops/segmentoor/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// commandContext is swapped in tests.
var commandContext = exec.CommandContext

// Compressor replaces src with a compressed copy at dst.
type Compressor interface {
	// Compress writes the compressed form of src to dst and removes src.
	// On error src is left untouched and dst is not created.
	Compress(ctx context.Context, src, dst string) error
}

// Ensure interface compliance.
var _ Compressor = (*Command)(nil)

// Command compresses by running an external program that writes the
// compressed stream to stdout, e.g. "bzip2 -c".
type Command struct {
	log        logrus.FieldLogger
	args       []string
	nice       int
	tempSuffix string
}

// NewCommand creates a compressor running args with the source path
// appended. A non-zero nice runs it through nice(1) at that priority.
func NewCommand(log logrus.FieldLogger, args []string, nice int, tempSuffix string) (*Command, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, errors.New("compression command is empty")
	}

	if tempSuffix == "" {
		tempSuffix = ".tmp"
	}

	return &Command{
		log:        log.WithField("component", "compressor"),
		args:       append([]string(nil), args...),
		nice:       nice,
		tempSuffix: tempSuffix,
	}, nil
}

// argv returns the program and arguments to run for src.
func (c *Command) argv(src string) (string, []string) {
	args := append(append([]string(nil), c.args...), src)

	if c.nice != 0 {
		return "nice", append([]string{"-n", strconv.Itoa(c.nice)}, args...)
	}

	return args[0], args[1:]
}

// Compress runs the command into a temporary file next to dst, then
// renames it into place and deletes src.
func (c *Command) Compress(ctx context.Context, src, dst string) error {
	tmp := src + c.tempSuffix

	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}

	name, args := c.argv(src)

	var stderr bytes.Buffer

	cmd := commandContext(ctx, name, args...)
	cmd.Stdout = out
	cmd.Stderr = &stderr

	c.log.WithFields(logrus.Fields{
		"src": src,
		"dst": dst,
	}).Info("Compressing")

	runErr := cmd.Run()
	closeErr := out.Close()

	if runErr != nil {
		_ = fsutil.RemoveFile(tmp)

		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("running %s: %w: %s", name, runErr, msg)
		}

		return fmt.Errorf("running %s: %w", name, runErr)
	}

	if closeErr != nil {
		_ = fsutil.RemoveFile(tmp)

		return fmt.Errorf("closing %s: %w", tmp, closeErr)
	}

	if err := fsutil.Commit(tmp, dst); err != nil {
		return err
	}

	if err := fsutil.RemoveFile(src); err != nil {
		return fmt.Errorf("removing original %s: %w", src, err)
	}

	return nil
}
