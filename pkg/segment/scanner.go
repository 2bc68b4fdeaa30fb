package segment

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethpandaops/segmentoor/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// Options describes the naming conventions of the segment tree.
type Options struct {
	// MarkerSuffix marks a segment that is still being written.
	MarkerSuffix string

	// TempSuffix marks a partially written file that must not be uploaded.
	TempSuffix string

	// LogNames are the raw structured log artifact names.
	LogNames []string

	// CompressedSuffix is appended to a log name once compressed.
	CompressedSuffix string
}

// Scanner lists segments under a root directory.
type Scanner struct {
	log  logrus.FieldLogger
	root string
	opts Options

	// created orders segments; overridable in tests.
	created func(info os.FileInfo) time.Time
}

// NewScanner creates a scanner for the given root.
func NewScanner(log logrus.FieldLogger, root string, opts Options) *Scanner {
	return &Scanner{
		log:     log.WithField("component", "scanner"),
		root:    root,
		opts:    opts,
		created: statCreated,
	}
}

// Root returns the scanned root directory.
func (s *Scanner) Root() string {
	return s.root
}

// IsLog reports whether name is a structured log artifact, raw or
// compressed.
func (s *Scanner) IsLog(name string) bool {
	for _, logName := range s.opts.LogNames {
		if name == logName || name == logName+s.opts.CompressedSuffix {
			return true
		}
	}

	return false
}

// IsUncompressedLog reports whether name is a raw structured log artifact
// that needs compressing before transfer.
func (s *Scanner) IsUncompressedLog(name string) bool {
	for _, logName := range s.opts.LogNames {
		if name == logName {
			return true
		}
	}

	return false
}

func (s *Scanner) isMarker(name string) bool {
	return s.opts.MarkerSuffix != "" && strings.HasSuffix(name, s.opts.MarkerSuffix)
}

func (s *Scanner) isTemp(name string) bool {
	return s.opts.TempSuffix != "" && strings.HasSuffix(name, s.opts.TempSuffix)
}

// ListSegments returns every segment under the root ordered by ascending
// creation time, ties broken by name. Segments whose creation time cannot
// be read sort first. A missing root yields no segments. Segments that
// cannot be listed are logged and skipped.
func (s *Scanner) ListSegments() ([]Segment, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("listing root %s: %w", s.root, err)
	}

	segments := make([]Segment, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		seg := Segment{
			Name: entry.Name(),
			Path: filepath.Join(s.root, entry.Name()),
		}

		if info, err := entry.Info(); err != nil {
			s.log.WithError(err).WithField("segment", seg.Name).
				Warn("Failed to stat segment")
		} else {
			seg.Created = s.created(info)
		}

		if err := s.readSegment(&seg); err != nil {
			s.log.WithError(err).WithField("segment", seg.Name).
				Warn("Failed to list segment")

			continue
		}

		segments = append(segments, seg)
	}

	sort.SliceStable(segments, func(i, j int) bool {
		if !segments[i].Created.Equal(segments[j].Created) {
			return segments[i].Created.Before(segments[j].Created)
		}

		return segments[i].Name < segments[j].Name
	})

	return segments, nil
}

// readSegment fills the artifacts and marker state of seg from a single
// directory listing, so a marker removed mid-scan is seen either before or
// after, never half way.
func (s *Scanner) readSegment(seg *Segment) error {
	entries, err := os.ReadDir(seg.Path)
	if err != nil {
		return err
	}

	seg.Artifacts = make([]Artifact, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()

		if s.isMarker(name) {
			seg.Locked = true
		}

		if !entry.Type().IsRegular() {
			continue
		}

		artifact := Artifact{
			Name: name,
			Key:  path.Join(seg.Name, name),
			Path: filepath.Join(seg.Path, name),
			Size: -1,
		}

		if info, err := entry.Info(); err == nil {
			artifact.Size = info.Size()
		}

		seg.Artifacts = append(seg.Artifacts, artifact)
	}

	return nil
}

// ListEligible returns the segments without a write marker, oldest first.
func (s *Scanner) ListEligible() ([]Segment, error) {
	segments, err := s.ListSegments()
	if err != nil {
		return nil, err
	}

	eligible := segments[:0]

	for _, seg := range segments {
		if seg.Locked {
			continue
		}

		eligible = append(eligible, seg)
	}

	return eligible, nil
}

// SelectNext picks the next artifact to upload, or nil when there is
// nothing to do. Log artifacts anywhere in the tree win over every other
// artifact; within a class the oldest segment wins.
func (s *Scanner) SelectNext() (*Task, error) {
	segments, err := s.ListEligible()
	if err != nil {
		return nil, err
	}

	for _, seg := range segments {
		for _, a := range seg.Artifacts {
			if s.IsLog(a.Name) {
				return &Task{Key: a.Key, Path: a.Path, Priority: PriorityLog}, nil
			}
		}
	}

	for _, seg := range segments {
		for _, a := range seg.Artifacts {
			if !s.isMarker(a.Name) && !s.isTemp(a.Name) {
				return &Task{Key: a.Key, Path: a.Path, Priority: PriorityBulk}, nil
			}
		}
	}

	return nil, nil
}

// CleanEmpty removes segment directories that no longer hold any entry
// and returns how many were removed. Failures are logged and skipped.
func (s *Scanner) CleanEmpty() int {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.WithError(err).Warn("Failed to list root for cleanup")
		}

		return 0
	}

	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(s.root, entry.Name())

		ok, err := fsutil.RemoveIfEmpty(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.log.WithError(err).WithField("segment", entry.Name()).
					Warn("Failed to remove empty segment")
			}

			continue
		}

		if ok {
			removed++

			s.log.WithField("segment", entry.Name()).Debug("Removed empty segment")
		}
	}

	return removed
}

// ClearMarkers deletes every write marker under the root. Only safe when
// the recorder is known not to be running, e.g. at boot.
func (s *Scanner) ClearMarkers() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("listing root %s: %w", s.root, err)
	}

	cleared := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(s.root, entry.Name())

		names, err := os.ReadDir(dir)
		if err != nil {
			s.log.WithError(err).WithField("segment", entry.Name()).
				Warn("Failed to list segment for marker cleanup")

			continue
		}

		for _, name := range names {
			if !s.isMarker(name.Name()) {
				continue
			}

			if err := fsutil.RemoveFile(filepath.Join(dir, name.Name())); err != nil {
				s.log.WithError(err).WithField("marker", name.Name()).
					Warn("Failed to remove marker")

				continue
			}

			cleared++
		}
	}

	return cleared, nil
}
