package peering

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Client runs transfer sessions against a tracker.
type Client struct {
	tracker Tracker
	opts    Options
	logger  *zap.Logger
}

func NewClient(tracker Tracker, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.L()
	}
	return &Client{
		tracker: tracker,
		opts:    opts.withDefaults(),
		logger:  logger,
	}
}

type session struct {
	client *Client
	id     uuid.UUID
	name   string
	state  State
	logger *zap.Logger

	providers   []protocol.Addr
	totalChunks int
	scratchDir  string
	outputPath  string
}

// Download runs one session for fileName to a terminal state. The returned
// outcome is always populated; the error is non-nil exactly when the session
// ends FAILED. SEEDING means the caller should start serving OutputPath.
func (c *Client) Download(ctx context.Context, fileName string) (*Outcome, error) {
	s := &session{
		client: c,
		id:     uuid.New(),
		name:   fileName,
		state:  StateInit,
	}
	s.logger = c.logger.With(zap.Stringer("session", s.id), zap.String("file", fileName))

	out := s.run(ctx)
	return out, out.Err
}

func (s *session) run(ctx context.Context) *Outcome {
	out := &Outcome{Session: s.id, FileName: s.name, State: StateInit}
	fail := func(err error) *Outcome {
		s.transition(StateFailed, err.Error())
		out.State = StateFailed
		out.Err = err
		return out
	}

	if !protocol.ValidFileName(s.name) {
		return fail(fmt.Errorf("invalid file name %q", s.name))
	}

	s.transition(StateDiscover, "querying registry")
	providers, totalChunks, err := getProviders(ctx, s.client.tracker, s.name)
	if err != nil {
		return fail(err)
	}
	s.providers, s.totalChunks = providers, totalChunks
	out.Providers, out.TotalChunks = providers, totalChunks
	s.emit(fmt.Sprintf("found %d providers, %d chunks", len(providers), totalChunks))

	s.transition(StateAssign, "distributing chunks round robin")
	assignments := distributeChunkWork(s.providers, s.totalChunks)

	s.outputPath = filepath.Join(s.client.opts.OutputDir, s.client.opts.OutputPrefix+s.name)
	expected, err := s.expectedDigest()
	if err != nil {
		return fail(err)
	}

	s.scratchDir = filepath.Join(s.client.opts.ScratchDir, "chunkswarm-"+s.id.String())
	if err := os.MkdirAll(s.scratchDir, 0755); err != nil {
		return fail(fmt.Errorf("failed to create scratch dir: %w", err))
	}
	defer os.RemoveAll(s.scratchDir)

	s.transition(StateFetching, fmt.Sprintf("fetching %d chunks", len(assignments)))
	results := s.startWorkers(ctx, assignments)

	s.transition(StateAssemble, "assembling chunks")
	out.OutputPath = s.outputPath
	missing, err := s.assembleFile(results)
	if err != nil {
		return fail(err)
	}
	out.Missing = missing
	if len(missing) > 0 {
		s.emit(fmt.Sprintf("assembled %s with %d missing chunks %v", s.outputPath, len(missing), missing))
	} else {
		s.emit(fmt.Sprintf("assembled %s", s.outputPath))
	}

	s.transition(StateVerify, "verifying content digest")
	digest, err := s.verify(expected)
	out.Digest = digest
	if err != nil {
		return fail(err)
	}

	s.transition(StateSeeding, "download complete, ready to serve")
	out.State = StateSeeding
	return out
}

func (s *session) transition(next State, message string) {
	s.state = next
	s.emit(message)
}

func (s *session) emit(message string) {
	if s.state == StateFailed {
		s.logger.Error(message, zap.Stringer("state", s.state))
	} else {
		s.logger.Info(message, zap.Stringer("state", s.state))
	}
	if s.client.opts.OnEvent != nil {
		s.client.opts.OnEvent(Event{Session: s.id, State: s.state, Message: message, Time: time.Now()})
	}
}

// distributeChunkWork places chunk i on providers[i % len(providers)].
func distributeChunkWork(providers []protocol.Addr, totalChunks int) []ChunkAssignment {
	assignments := make([]ChunkAssignment, 0, totalChunks)
	for i := range totalChunks {
		peerIndex := i % len(providers)
		assignments = append(assignments, ChunkAssignment{ChunkID: i, Provider: providers[peerIndex]})
	}
	return assignments
}

// startWorkers runs one fetch task per chunk and returns once every task has
// finished. results[i] belongs to assignments[i]; failed chunks carry err.
func (s *session) startWorkers(ctx context.Context, assignments []ChunkAssignment) []chunkResult {
	opts := s.client.opts
	sem := semaphore.NewWeighted(opts.MaxConcurrent)
	results := make([]chunkResult, len(assignments))

	var workers sync.WaitGroup
	for i, work := range assignments {
		results[i].chunkID = work.ChunkID
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].err = fmt.Errorf("%w: not dispatched: %v", protocol.ErrChunkFetch, err)
			s.emit(fmt.Sprintf("chunk %d not dispatched: %v", work.ChunkID, err))
			continue
		}

		workers.Add(1)
		go func() {
			defer workers.Done()
			defer sem.Release(1)

			data, err := fetchChunk(ctx, work, s.name, s.totalChunks, opts.DialTimeout, opts.IOTimeout)
			if err == nil {
				results[i].size = len(data)
				results[i].path, err = writeScratch(s.scratchDir, work.ChunkID, data)
			}
			if err != nil {
				results[i].err = err
				s.emit(fmt.Sprintf("chunk %d from %s failed: %v", work.ChunkID, work.Provider, err))
				return
			}
			s.logger.Debug("Fetched chunk",
				zap.Int("chunk", work.ChunkID),
				zap.Stringer("provider", work.Provider),
				zap.Int("bytes", len(data)))
		}()
	}
	workers.Wait()
	return results
}

// assembleFile writes every fetched chunk to the output file in ascending id
// order, skipping chunks that were not fetched, and deletes each scratch file
// once copied. It returns the ids of the skipped chunks.
func (s *session) assembleFile(results []chunkResult) ([]int, error) {
	if err := os.MkdirAll(filepath.Dir(s.outputPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	out, err := os.Create(s.outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	var missing []int
	for _, result := range results {
		if result.err != nil || result.path == "" {
			missing = append(missing, result.chunkID)
			continue
		}
		if err := appendScratch(out, result.path); err != nil {
			return nil, fmt.Errorf("failed to assemble chunk %d: %w", result.chunkID, err)
		}
	}

	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("failed to flush output file: %w", err)
	}
	return missing, nil
}

func appendScratch(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, f)
	f.Close()
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// expectedDigest resolves the digest the assembled file must match. It must
// run before assembly; a reference that is the output file is rejected.
func (s *session) expectedDigest() (string, error) {
	if d := s.client.opts.ExpectedDigest; d != "" {
		return strings.ToLower(d), nil
	}

	ref := s.client.opts.ReferencePath
	if ref == "" {
		ref = s.name
	}
	same, err := samePath(ref, s.outputPath)
	if err != nil {
		return "", err
	}
	if same {
		return "", fmt.Errorf("output %s would overwrite reference %s", s.outputPath, ref)
	}

	digest, err := FileDigest(ref)
	if err != nil {
		return "", fmt.Errorf("failed to hash reference %s: %w", ref, err)
	}
	return digest, nil
}

// verify compares the assembled file with the expected digest.
func (s *session) verify(expected string) (string, error) {
	actual, err := FileDigest(s.outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to hash output: %w", err)
	}

	if actual != expected {
		return actual, fmt.Errorf("%s: got %s, want %s: %w", s.outputPath, actual, expected, protocol.ErrIntegrityMismatch)
	}
	s.emit("digest matches " + actual)
	return actual, nil
}
