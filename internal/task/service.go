package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maauso/framecatcher-api/internal/events"
	"github.com/maauso/framecatcher-api/internal/media"
	"github.com/maauso/framecatcher-api/internal/progress"
	"github.com/maauso/framecatcher-api/internal/storage"
)

const (
	framePrefix  = "frame"
	thumbnailDir = "thumbnails"

	// DefaultHEICQuality is the HEIC quality used when none is configured.
	DefaultHEICQuality = 80
	// DefaultThumbnailWidth is the thumbnail width used when none is configured.
	DefaultThumbnailWidth = 320
)

// Recorder receives processing measurements. metrics.Metrics implements it.
type Recorder interface {
	TaskStarted()
	TaskFinished(status string, d time.Duration)
	PhaseDone(phase string, d time.Duration)
	FrameConverted()
}

type nopRecorder struct{}

func (nopRecorder) TaskStarted()                        {}
func (nopRecorder) TaskFinished(string, time.Duration) {}
func (nopRecorder) PhaseDone(string, time.Duration)    {}
func (nopRecorder) FrameConverted()                     {}

// Service orchestrates album processing.
// It coordinates the repository selected per request, ffmpeg through
// media.Processor, album storage, event publishing and metrics.
type Service struct {
	registry  *Registry
	processor media.Processor
	store     storage.Storage
	publisher events.Publisher
	recorder  Recorder
	logger    *slog.Logger

	weights     progress.Weights
	concurrency int
	quality     int
	thumbWidth  int
	mirrorS3    bool
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithWeights sets the extraction and conversion weights of the progress model.
func WithWeights(w progress.Weights) Option {
	return func(s *Service) {
		if w.Validate() == nil {
			s.weights = w
		}
	}
}

// WithConvertConcurrency sets how many frames are converted in parallel.
// Values below 1 are ignored.
func WithConvertConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithHEICQuality sets the HEIC quality (0-100).
func WithHEICQuality(q int) Option {
	return func(s *Service) {
		if q >= 0 && q <= 100 {
			s.quality = q
		}
	}
}

// WithThumbnailWidth sets the thumbnail width in pixels.
func WithThumbnailWidth(w int) Option {
	return func(s *Service) {
		if w > 0 {
			s.thumbWidth = w
		}
	}
}

// WithPublisher sets the task event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithS3Mirror enables uploading converted frames and thumbnails to S3.
func WithS3Mirror(enabled bool) Option {
	return func(s *Service) {
		s.mirrorS3 = enabled
	}
}

// NewService creates a new Service.
func NewService(registry *Registry, processor media.Processor, store storage.Storage, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		registry:    registry,
		processor:   processor,
		store:       store,
		publisher:   events.NopPublisher{},
		recorder:    nopRecorder{},
		logger:      logger,
		weights:     progress.DefaultWeights,
		concurrency: 1,
		quality:     DefaultHEICQuality,
		thumbWidth:  DefaultThumbnailWidth,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the data source registry the service resolves against.
func (s *Service) Registry() *Registry {
	return s.registry
}

// CreateTask records a pending task for an uploaded file. The album name
// is the file name without its extension.
func (s *Service) CreateTask(ctx context.Context, ds DataSource, originalFilename string) (*Task, error) {
	repo, err := s.registry.Resolve(ds)
	if err != nil {
		return nil, err
	}

	base := filepath.Base(originalFilename)
	albumName := strings.TrimSuffix(base, filepath.Ext(base))
	if albumName == "" {
		albumName = base
	}

	t, err := repo.CreateTask(ctx, base, albumName)
	if err != nil {
		s.logger.Error("failed to create task",
			slog.String("data_source", string(ds)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.logger.Info("task created",
		slog.String("task_id", t.ID),
		slog.String("data_source", string(ds)),
		slog.String("filename", base),
	)
	s.publish(ctx, events.Event{Type: events.TypeCreated, TaskID: t.ID, DataSource: string(ds), Status: string(t.Status)})
	return t, nil
}

// ProcessTask runs the whole pipeline for a task: probe, extract, convert
// and record every frame. Any failure marks the task failed. The uploaded
// video at inputPath is removed afterwards whatever the outcome.
func (s *Service) ProcessTask(ctx context.Context, ds DataSource, taskID, inputPath string) error {
	repo, err := s.registry.Resolve(ds)
	if err != nil {
		return err
	}

	logger := s.logger.With(
		slog.String("task_id", taskID),
		slog.String("data_source", string(ds)),
	)

	start := s.now()
	s.recorder.TaskStarted()
	logger.Info("processing task", slog.String("input", inputPath))

	err = s.process(ctx, repo, ds, taskID, inputPath, logger)

	// Status and cleanup writes must land even if ctx was cancelled.
	bg := context.WithoutCancel(ctx)
	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		s.fail(bg, repo, ds, taskID, err, logger)
	}
	elapsed := s.now().Sub(start)
	s.recorder.TaskFinished(string(status), elapsed)

	if cerr := s.store.CleanupTemp(bg, []string{inputPath}); cerr != nil {
		logger.Warn("failed to remove upload",
			slog.String("path", inputPath),
			slog.String("error", cerr.Error()),
		)
	}

	if err != nil {
		return err
	}
	logger.Info("task completed", slog.Duration("elapsed", elapsed))
	return nil
}

func (s *Service) process(ctx context.Context, repo Repository, ds DataSource, taskID, inputPath string, logger *slog.Logger) error {
	if err := repo.UpdateTaskStatus(ctx, taskID, StatusProcessing, StatusUpdate{}); err != nil {
		return fmt.Errorf("mark task processing: %w", err)
	}
	s.publish(ctx, events.Event{Type: events.TypeProcessing, TaskID: taskID, DataSource: string(ds), Status: string(StatusProcessing)})

	phase := s.now()
	info, err := s.processor.Probe(ctx, inputPath)
	if err != nil {
		return fmt.Errorf("probe video: %w", err)
	}
	s.recorder.PhaseDone("probe", s.now().Sub(phase))

	total := info.TotalFrames
	resolution := info.Resolution()
	if err := repo.UpdateTaskStatus(ctx, taskID, StatusProcessing, StatusUpdate{TotalFrames: &total, Resolution: &resolution}); err != nil {
		return fmt.Errorf("store video info: %w", err)
	}
	logger.Info("video probed",
		slog.Int("total_frames", total),
		slog.String("resolution", resolution),
		slog.Float64("fps", info.FPS),
		slog.String("codec", info.Codec),
	)

	albumDir, err := s.store.AlbumDir(ctx, taskID)
	if err != nil {
		return fmt.Errorf("create album directory: %w", err)
	}
	thumbDir, err := s.store.AlbumDir(ctx, path.Join(taskID, thumbnailDir))
	if err != nil {
		return fmt.Errorf("create thumbnail directory: %w", err)
	}

	tracker := progress.NewTracker(s.weights, total, s.progressReporter(ctx, repo, taskID, logger))

	phase = s.now()
	frames, err := s.processor.ExtractFrames(ctx, inputPath, info, albumDir, framePrefix, func(current, _ int) {
		tracker.Extracted(current)
	})
	if err != nil {
		return fmt.Errorf("extract frames: %w", err)
	}
	s.recorder.PhaseDone("extract", s.now().Sub(phase))

	if total <= 0 {
		total = len(frames)
		tracker.SetTotal(total)
		if err := repo.UpdateTaskStatus(ctx, taskID, StatusProcessing, StatusUpdate{TotalFrames: &total}); err != nil {
			return fmt.Errorf("store frame count: %w", err)
		}
	}
	tracker.Extracted(total)
	logger.Info("frames extracted", slog.Int("count", len(frames)))

	phase = s.now()
	if err := s.convertFrames(ctx, repo, taskID, frames, albumDir, thumbDir, tracker, logger); err != nil {
		return err
	}
	s.recorder.PhaseDone("convert", s.now().Sub(phase))

	if err := repo.UpdateTaskProgress(ctx, taskID, 100, StatusProcessing); err != nil {
		return fmt.Errorf("store final progress: %w", err)
	}
	if err := repo.UpdateTaskStatus(ctx, taskID, StatusCompleted, StatusUpdate{}); err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	s.publish(ctx, events.Event{Type: events.TypeCompleted, TaskID: taskID, DataSource: string(ds), Status: string(StatusCompleted), TotalFrames: total})
	return nil
}

// progressReporter turns weighted units into stored percentages, skipping
// writes that would not change the stored value. The tracker serialises calls.
func (s *Service) progressReporter(ctx context.Context, repo Repository, taskID string, logger *slog.Logger) progress.Func {
	last := -1
	return func(units, total int) {
		pct := progress.Percent(units, total)
		if pct <= last {
			return
		}
		last = pct
		if err := repo.UpdateTaskProgress(ctx, taskID, pct, StatusProcessing); err != nil {
			logger.Warn("failed to store progress",
				slog.Int("progress", pct),
				slog.String("error", err.Error()),
			)
		}
	}
}

// convertFrames converts frames with a bounded worker pool. The first
// error cancels the remaining work.
func (s *Service) convertFrames(ctx context.Context, repo Repository, taskID string, frames []string, albumDir, thumbDir string, tracker *progress.Tracker, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := len(frames)
	jobs := make(chan int)
	var (
		wg       sync.WaitGroup
		done     atomic.Int64
		errOnce  sync.Once
		firstErr error
	)

	workers := min(s.concurrency, max(n, 1))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				frameNumber, ok := media.FrameIndex(frames[idx], framePrefix)
				if !ok {
					frameNumber = idx + 1
				}
				if err := s.convertFrame(ctx, repo, taskID, frameNumber, frames[idx], albumDir, thumbDir, logger); err != nil {
					errOnce.Do(func() {
						firstErr = err
						cancel()
					})
					continue
				}
				s.recorder.FrameConverted()
				tracker.Converted(int(done.Add(1)), n)
			}
		}()
	}

feed:
	for idx := range frames {
		select {
		case jobs <- idx:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("convert frames: %w", err)
	}
	return nil
}

// convertFrame produces the HEIC image and thumbnail of one PNG frame in
// parallel, removes the PNG, and records the image.
func (s *Service) convertFrame(ctx context.Context, repo Repository, taskID string, frameNumber int, png, albumDir, thumbDir string, logger *slog.Logger) error {
	base := strings.TrimSuffix(filepath.Base(png), filepath.Ext(png))
	heicPath := filepath.Join(albumDir, base+".heic")
	thumbPath := filepath.Join(thumbDir, base+".jpg")

	var wg sync.WaitGroup
	var heicErr, thumbErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		heicErr = s.processor.ConvertToHEIC(ctx, png, heicPath, s.quality)
	}()
	go func() {
		defer wg.Done()
		thumbErr = s.processor.GenerateThumbnail(ctx, png, thumbPath, s.thumbWidth)
	}()
	wg.Wait()
	if err := errors.Join(heicErr, thumbErr); err != nil {
		return fmt.Errorf("convert frame %d: %w", frameNumber, err)
	}

	if err := os.Remove(png); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove extracted frame",
			slog.String("path", png),
			slog.String("error", err.Error()),
		)
	}

	var size int64
	if fi, err := os.Stat(heicPath); err == nil {
		size = fi.Size()
	}

	relHEIC, err := s.store.RelPath(heicPath)
	if err != nil {
		return fmt.Errorf("frame %d path: %w", frameNumber, err)
	}
	relThumb, err := s.store.RelPath(thumbPath)
	if err != nil {
		return fmt.Errorf("frame %d thumbnail path: %w", frameNumber, err)
	}

	if _, err := repo.CreateImage(ctx, NewImage{
		TaskID:        taskID,
		FrameNumber:   frameNumber,
		Filename:      filepath.Base(heicPath),
		FilePath:      relHEIC,
		ThumbnailPath: relThumb,
		FileSize:      size,
	}); err != nil {
		return fmt.Errorf("record frame %d: %w", frameNumber, err)
	}

	if s.mirrorS3 {
		s.mirror(ctx, logger, heicPath, relHEIC)
		s.mirror(ctx, logger, thumbPath, relThumb)
	}
	return nil
}

// mirror uploads a file to S3 under key. Failures are logged, not fatal:
// the local album stays authoritative.
func (s *Service) mirror(ctx context.Context, logger *slog.Logger, file, key string) {
	f, err := os.Open(file) // #nosec G304 - file is inside the album directory
	if err != nil {
		logger.Warn("failed to open file for S3 mirror", slog.String("path", file), slog.String("error", err.Error()))
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := s.store.UploadToS3(ctx, key, f); err != nil {
		if errors.Is(err, storage.ErrS3NotConfigured) {
			return
		}
		logger.Warn("failed to mirror file to S3", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (s *Service) fail(ctx context.Context, repo Repository, ds DataSource, taskID string, cause error, logger *slog.Logger) {
	msg := cause.Error()
	logger.Error("task processing failed", slog.String("error", msg))

	if err := repo.UpdateTaskStatus(ctx, taskID, StatusFailed, StatusUpdate{Error: &msg}); err != nil {
		logger.Error("failed to mark task failed", slog.String("error", err.Error()))
		return
	}
	s.publish(ctx, events.Event{Type: events.TypeFailed, TaskID: taskID, DataSource: string(ds), Status: string(StatusFailed), Error: msg})
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if e.Time.IsZero() {
		e.Time = s.now().UTC()
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("failed to publish event",
			slog.String("task_id", e.TaskID),
			slog.String("type", string(e.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// ProgressReport is the polling view of a task.
type ProgressReport struct {
	TaskID             string
	Status             Status
	Progress           int
	CurrentFrame       int
	TotalFrames        int
	EstimatedRemaining time.Duration
	Error              string
}

// GetProgress returns the polling view of a task.
func (s *Service) GetProgress(ctx context.Context, ds DataSource, taskID string) (*ProgressReport, error) {
	repo, err := s.registry.Resolve(ds)
	if err != nil {
		return nil, err
	}
	t, err := repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &ProgressReport{
		TaskID:             t.ID,
		Status:             t.Status,
		Progress:           t.Progress,
		CurrentFrame:       t.CurrentFrame(),
		TotalFrames:        t.TotalFrames,
		EstimatedRemaining: t.EstimatedRemaining(s.now()),
		Error:              t.Error,
	}, nil
}

// Album is a task with one page of its images.
type Album struct {
	Task   *Task
	Images []Image
	Total  int
	Page   Page
}

// GetAlbum returns a task and one page of its images.
func (s *Service) GetAlbum(ctx context.Context, ds DataSource, taskID string, q ImageQuery) (*Album, error) {
	repo, err := s.registry.Resolve(ds)
	if err != nil {
		return nil, err
	}
	t, err := repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	q.TaskID = taskID
	q.Page = q.Page.Normalize()
	images, total, err := repo.ListImages(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return &Album{Task: t, Images: images, Total: total, Page: q.Page}, nil
}

// AlbumImages returns every image of a task, for downloads.
func (s *Service) AlbumImages(ctx context.Context, ds DataSource, taskID string) ([]Image, error) {
	repo, err := s.registry.Resolve(ds)
	if err != nil {
		return nil, err
	}
	if _, err := repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return repo.GetImagesByTask(ctx, taskID)
}

// ListAlbums returns one page of tasks, newest first.
func (s *Service) ListAlbums(ctx context.Context, ds DataSource, page Page) ([]Task, int, error) {
	repo, err := s.registry.Resolve(ds)
	if err != nil {
		return nil, 0, err
	}
	return repo.ListTasks(ctx, page.Normalize())
}

// SearchAlbums returns one page of albums whose name contains keyword.
func (s *Service) SearchAlbums(ctx context.Context, ds DataSource, keyword string, page Page) ([]Task, int, error) {
	repo, err := s.registry.Resolve(ds)
	if err != nil {
		return nil, 0, err
	}
	return repo.SearchTasks(ctx, strings.TrimSpace(keyword), page.Normalize())
}

// AlbumStatistics summarises the albums of a data source.
func (s *Service) AlbumStatistics(ctx context.Context, ds DataSource) (Statistics, error) {
	repo, err := s.registry.Resolve(ds)
	if err != nil {
		return Statistics{}, err
	}
	return repo.Statistics(ctx)
}

// ProcessingCount returns how many albums are being processed.
func (s *Service) ProcessingCount(ctx context.Context, ds DataSource) (int, error) {
	repo, err := s.registry.Resolve(ds)
	if err != nil {
		return 0, err
	}
	return repo.CountTasks(ctx, StatusProcessing)
}

// SetFavorite flags or unflags images and returns how many were updated.
func (s *Service) SetFavorite(ctx context.Context, ds DataSource, imageIDs []string, favorite bool) (int, error) {
	repo, err := s.registry.Resolve(ds)
	if err != nil {
		return 0, err
	}
	return repo.SetFavorite(ctx, imageIDs, favorite)
}

// DeleteAlbum removes a task, its images and its files.
func (s *Service) DeleteAlbum(ctx context.Context, ds DataSource, taskID string) error {
	repo, err := s.registry.Resolve(ds)
	if err != nil {
		return err
	}
	if err := repo.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	if err := s.store.RemoveAlbum(ctx, taskID); err != nil {
		s.logger.Warn("failed to remove album files",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("album deleted", slog.String("task_id", taskID), slog.String("data_source", string(ds)))
	s.publish(ctx, events.Event{Type: events.TypeDeleted, TaskID: taskID, DataSource: string(ds)})
	return nil
}
