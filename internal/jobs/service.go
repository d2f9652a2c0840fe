// Package jobs runs uploaded audio files through the pipeline: convert to
// engine-ready WAV, split into fixed segments, transcribe them in order.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/convert"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcribe"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrQueueFull = errors.New("job queue is full")
	ErrDisabled  = errors.New("file transcription is disabled")
)

type State string

const (
	StateQueued       State = "queued"
	StateConverting   State = "converting"
	StateTranscribing State = "transcribing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions will happen.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

const kvBucket = "scribe_jobs"

// Finished jobs stay in memory for finishedTTL; Get falls back to the KV
// bucket afterwards.
const (
	finishedTTL   = time.Hour
	evictInterval = 5 * time.Minute
)

// SegmentText is the transcript of one file segment.
type SegmentText struct {
	Index    int                          `json:"index"`
	OffsetMS int64                        `json:"offset_ms"`
	Text     string                       `json:"text"`
	Segments []protocol.TranscriptSegment `json:"segments,omitempty"`
}

type Job struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	State          State         `json:"state"`
	SegmentSeconds int           `json:"segment_seconds"`
	TotalSegments  int           `json:"total_segments,omitempty"`
	Segments       []SegmentText `json:"segments,omitempty"`
	Text           string        `json:"text,omitempty"`
	Error          string        `json:"error,omitempty"`
	RecordingMS    int64         `json:"recording_ms,omitempty"`
	ProcessingMS   int64         `json:"processing_ms,omitempty"`
	Node           string        `json:"node,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Transcriber is the segmenting half of transcribe.Transcriber.
type Transcriber interface {
	TranscribeSegments(ctx context.Context, samples []float32, length time.Duration, onSegment func(transcribe.SegmentResult)) (transcribe.Result, error)
}

type Service struct {
	cfg     config.FilesConfig
	nodeID  string
	bus     *bus.Client
	conv    convert.Converter
	tr      Transcriber
	store   *eventstore.Store
	log     *slog.Logger
	segment time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  chan string

	mu    sync.RWMutex
	jobs  map[string]*Job
	kv    nats.KeyValue
	ready bool

	outcomes metric.Int64Counter
}

func NewService(parent context.Context, cfg config.FilesConfig, nodeID string, busClient *bus.Client, conv convert.Converter, tr Transcriber, store *eventstore.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	s := &Service{
		cfg:     cfg,
		nodeID:  nodeID,
		bus:     busClient,
		conv:    conv,
		tr:      tr,
		store:   store,
		log:     log.With(slog.String("component", "jobs")),
		segment: time.Duration(cfg.SegmentSeconds) * time.Second,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan string, queueSize),
		jobs:    make(map[string]*Job),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/jobs")
	if counter, err := meter.Int64Counter("scribe.jobs.finished", metric.WithDescription("File jobs that reached a terminal state")); err == nil {
		s.outcomes = counter
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if s.bus != nil {
		kv, err := s.openBucket()
		if err != nil {
			s.log.Warn("job records will not be replicated", slog.String("error", err.Error()))
		} else {
			s.kv = kv
		}
	}

	workers := max(1, s.cfg.Concurrency)
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.evictLoop()

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Info("file transcription started",
		slog.Int("workers", workers),
		slog.Duration("segment", s.segment),
		slog.String("work_dir", s.cfg.WorkDir))
	return nil
}

func (s *Service) openBucket() (nats.KeyValue, error) {
	js := s.bus.JetStream()
	kv, err := js.KeyValue(kvBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  kvBucket,
			History: 1,
			TTL:     7 * 24 * time.Hour,
		})
	}
	return kv, err
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Submit stores the upload under the work dir and queues it. The returned
// job is in the queued state; progress is observed through Get or the bus.
func (s *Service) Submit(ctx context.Context, name string, r io.Reader) (Job, error) {
	if !s.cfg.Enabled {
		return Job{}, ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	id := uuid.NewString()
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "upload"
	}

	dir := filepath.Join(s.cfg.WorkDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Job{}, fmt.Errorf("create job dir: %w", err)
	}
	input := filepath.Join(dir, "input"+filepath.Ext(name))
	if err := writeFile(input, r); err != nil {
		os.RemoveAll(dir)
		return Job{}, fmt.Errorf("store upload: %w", err)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:             id,
		Name:           name,
		State:          StateQueued,
		SegmentSeconds: int(s.segment / time.Second),
		Node:           s.nodeID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	queued := copyJob(job)
	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()
	s.persist(job)

	select {
	case s.queue <- id:
	default:
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
		if s.kv != nil {
			_ = s.kv.Delete(id)
		}
		os.RemoveAll(dir)
		return Job{}, ErrQueueFull
	}
	s.log.Info("file job queued", slog.String("job_id", id), slog.String("name", name))
	return queued, nil
}

// Get returns a job known to this node, falling back to the replicated
// records for jobs handled elsewhere.
func (s *Service) Get(id string) (Job, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	var out Job
	if ok {
		out = copyJob(job)
	}
	s.mu.RUnlock()
	if ok {
		return out, nil
	}
	if s.kv != nil {
		entry, err := s.kv.Get(id)
		if err == nil {
			if err := json.Unmarshal(entry.Value(), &out); err == nil {
				return out, nil
			}
		}
	}
	return Job{}, ErrNotFound
}

// List returns the jobs of this node, newest first.
func (s *Service) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, copyJob(job))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// evictFinished forgets terminal jobs last updated before cutoff.
func (s *Service) evictFinished(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, job := range s.jobs {
		if job.State.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			evicted++
		}
	}
	return evicted
}

func (s *Service) evictLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.evictFinished(time.Now().Add(-finishedTTL)); n > 0 {
				s.log.Debug("evicted finished jobs", slog.Int("count", n))
			}
		}
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case id := <-s.queue:
			s.process(id)
		}
	}
}

func (s *Service) process(id string) {
	dir := filepath.Join(s.cfg.WorkDir, id)
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("failed to remove job files", slog.String("job_id", id), slog.String("error", err.Error()))
		}
	}()

	input, err := findInput(dir)
	if err != nil {
		s.fail(id, err)
		return
	}

	s.transition(id, StateConverting)
	wavPath := filepath.Join(dir, "audio.wav")
	if err := s.conv.Convert(s.ctx, input, wavPath); err != nil {
		s.fail(id, fmt.Errorf("convert: %w", err))
		return
	}
	clip, err := audio.ReadWAVFile(wavPath)
	if err != nil {
		s.fail(id, fmt.Errorf("read converted audio: %w", err))
		return
	}
	if !clip.EngineReady() {
		s.fail(id, fmt.Errorf("converter produced %d Hz %d channel audio, want %d Hz mono", clip.SampleRate, clip.Channels, audio.SampleRate))
		return
	}

	s.transition(id, StateTranscribing)
	res, err := s.tr.TranscribeSegments(s.ctx, clip.Samples, s.segment, func(seg transcribe.SegmentResult) {
		s.segmentDone(id, seg)
	})
	if err != nil {
		s.fail(id, err)
		return
	}
	s.complete(id, res)
}

func (s *Service) segmentDone(id string, seg transcribe.SegmentResult) {
	part := SegmentText{
		Index:    seg.Index,
		OffsetMS: seg.Offset.Milliseconds(),
		Text:     seg.Result.Text,
		Segments: protocol.SegmentsFrom(seg.Result.Segments),
	}
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	job.TotalSegments = seg.Total
	job.Segments = append(job.Segments, part)
	job.UpdatedAt = time.Now().UTC()
	name := job.Name
	s.mu.Unlock()

	msg := protocol.FileSegment{
		JobID:    id,
		Name:     name,
		Index:    seg.Index,
		Total:    seg.Total,
		OffsetMS: part.OffsetMS,
		Text:     part.Text,
		Segments: part.Segments,
	}
	s.publish(protocol.SubjectFileSegment, msg)
	s.record(id, eventstore.TypeFileSegment, msg)
	s.log.Info("file segment transcribed",
		slog.String("job_id", id),
		slog.Int("segment", seg.Index+1),
		slog.Int("total", seg.Total),
		slog.Duration("processing", seg.Result.Processing))
}

func (s *Service) transition(id string, state State) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		job.State = state
		job.UpdatedAt = time.Now().UTC()
	}
	s.mu.Unlock()
	if ok {
		s.persist(job)
	}
}

func (s *Service) complete(id string, res transcribe.Result) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	job.State = StateCompleted
	job.Text = res.Text
	job.RecordingMS = res.Recording.Milliseconds()
	job.ProcessingMS = res.Processing.Milliseconds()
	job.UpdatedAt = time.Now().UTC()
	msg := completedMessage(job)
	s.mu.Unlock()

	s.persist(job)
	s.publish(protocol.SubjectFileCompleted, msg)
	s.record(id, eventstore.TypeFileCompleted, msg)
	s.count(StateCompleted)
	s.log.Info("file job completed",
		slog.String("job_id", id),
		slog.Duration("recording", res.Recording),
		slog.Duration("processing", res.Processing))
}

func (s *Service) fail(id string, err error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	job.State = StateFailed
	job.Error = err.Error()
	job.UpdatedAt = time.Now().UTC()
	msg := completedMessage(job)
	s.mu.Unlock()

	s.persist(job)
	s.publish(protocol.SubjectFileCompleted, msg)
	s.record(id, eventstore.TypeFileFailed, msg)
	s.count(StateFailed)
	s.log.Warn("file job failed", slog.String("job_id", id), slog.String("error", err.Error()))
}

func (s *Service) count(state State) {
	if s.outcomes != nil {
		s.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", string(state))))
	}
}

func (s *Service) publish(subject string, v any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.log.Warn("failed to publish job update", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (s *Service) record(id, eventType string, payload any) {
	if s.store == nil {
		return
	}
	if err := s.store.Record(context.Background(), id, eventstore.KindFile, s.nodeID, eventType, payload); err != nil {
		s.log.Warn("failed to record job event", slog.String("job_id", id), slog.String("error", err.Error()))
	}
}

func (s *Service) persist(job *Job) {
	if s.kv == nil {
		return
	}
	s.mu.RLock()
	data, err := json.Marshal(job)
	s.mu.RUnlock()
	if err != nil {
		return
	}
	if _, err := s.kv.Put(job.ID, data); err != nil {
		s.log.Debug("failed to replicate job record", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

func completedMessage(job *Job) protocol.FileCompleted {
	return protocol.FileCompleted{
		JobID:        job.ID,
		Name:         job.Name,
		State:        string(job.State),
		Text:         job.Text,
		Error:        job.Error,
		RecordingMS:  job.RecordingMS,
		ProcessingMS: job.ProcessingMS,
		Timestamp:    job.UpdatedAt,
	}
}

func copyJob(job *Job) Job {
	out := *job
	out.Segments = append([]SegmentText(nil), job.Segments...)
	return out
}

func findInput(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "input*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", errors.New("uploaded file is missing")
	}
	return matches[0], nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
