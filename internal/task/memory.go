package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maauso/framecatcher-api/internal/task/id"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses maps with an RWMutex for thread-safe access.
// Suitable for development and testing; swap for a database in production.
type MemoryRepository struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	images map[string]*Image
	now    func() time.Time
}

// NewMemoryRepository creates a new in-memory task repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:  make(map[string]*Task),
		images: make(map[string]*Image),
		now:    time.Now,
	}
}

// CreateTask inserts a pending task.
func (r *MemoryRepository) CreateTask(_ context.Context, originalFilename, albumName string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	t := &Task{
		ID:               id.Generate(),
		OriginalFilename: originalFilename,
		AlbumName:        albumName,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.tasks[t.ID] = t
	return t.Clone(), nil
}

// GetTask retrieves a task by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) GetTask(_ context.Context, taskID string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// UpdateTaskProgress stores the larger of the current and the new progress.
func (r *MemoryRepository) UpdateTaskProgress(_ context.Context, taskID string, progress int, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if !CanTransition(t.Status, status) {
		return ErrInvalidTransition
	}
	t.Progress = max(t.Progress, min(progress, 100))
	t.Status = status
	t.UpdatedAt = r.now()
	return nil
}

// UpdateTaskStatus changes the status and any fields set in upd.
func (r *MemoryRepository) UpdateTaskStatus(_ context.Context, taskID string, status Status, upd StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if !CanTransition(t.Status, status) {
		return ErrInvalidTransition
	}
	t.Status = status
	if upd.TotalFrames != nil {
		t.TotalFrames = *upd.TotalFrames
	}
	if upd.Resolution != nil {
		t.Resolution = *upd.Resolution
	}
	if upd.Error != nil {
		t.Error = *upd.Error
	}
	t.UpdatedAt = r.now()
	return nil
}

// CreateImage records a converted frame.
func (r *MemoryRepository) CreateImage(_ context.Context, in NewImage) (*Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[in.TaskID]; !ok {
		return nil, ErrTaskNotFound
	}
	img := &Image{
		ID:            id.Generate(),
		TaskID:        in.TaskID,
		FrameNumber:   in.FrameNumber,
		Filename:      in.Filename,
		FilePath:      in.FilePath,
		ThumbnailPath: in.ThumbnailPath,
		FileSize:      in.FileSize,
		CreatedAt:     r.now(),
	}
	r.images[img.ID] = img
	c := *img
	return &c, nil
}

// GetImagesByTask returns all images of a task ordered by frame number.
func (r *MemoryRepository) GetImagesByTask(_ context.Context, taskID string) ([]Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.imagesOf(taskID, false), nil
}

// ListTasks returns one page of tasks, newest first.
func (r *MemoryRepository) ListTasks(_ context.Context, page Page) ([]Task, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.sortedTasks()
	return window(all, page), len(all), nil
}

// SearchTasks returns one page of tasks whose album name contains keyword.
func (r *MemoryRepository) SearchTasks(_ context.Context, keyword string, page Page) ([]Task, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(keyword)
	matched := make([]Task, 0)
	for _, t := range r.sortedTasks() {
		if strings.Contains(strings.ToLower(t.AlbumName), needle) {
			matched = append(matched, t)
		}
	}
	return window(matched, page), len(matched), nil
}

// CountTasks returns how many tasks are in status.
func (r *MemoryRepository) CountTasks(_ context.Context, status Status) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, t := range r.tasks {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

// Statistics summarises every task and image.
func (r *MemoryRepository) Statistics(_ context.Context) (Statistics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := NewStatistics()
	st.TotalAlbums = len(r.tasks)
	for _, t := range r.tasks {
		st.ByStatus[t.Status]++
	}
	st.TotalFrames = len(r.images)
	for _, img := range r.images {
		if img.Favorite {
			st.FavoriteFrames++
		}
		st.StorageUsed += img.FileSize
	}
	return st, nil
}

// ListImages returns one page of a task's images.
func (r *MemoryRepository) ListImages(_ context.Context, q ImageQuery) ([]Image, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.imagesOf(q.TaskID, q.FavoritesOnly)
	return window(all, q.Page), len(all), nil
}

// SetFavorite flags or unflags images and returns how many were found.
func (r *MemoryRepository) SetFavorite(_ context.Context, imageIDs []string, favorite bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, imageID := range imageIDs {
		if img, ok := r.images[imageID]; ok {
			img.Favorite = favorite
			n++
		}
	}
	return n, nil
}

// DeleteTask removes a task and its images.
func (r *MemoryRepository) DeleteTask(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	delete(r.tasks, taskID)
	for imageID, img := range r.images {
		if img.TaskID == taskID {
			delete(r.images, imageID)
		}
	}
	return nil
}

// sortedTasks returns copies of all tasks, newest first. It must be
// called with mu held.
func (r *MemoryRepository) sortedTasks() []Task {
	all := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		all = append(all, *t)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all
}

// imagesOf must be called with mu held.
func (r *MemoryRepository) imagesOf(taskID string, favoritesOnly bool) []Image {
	out := make([]Image, 0)
	for _, img := range r.images {
		if img.TaskID != taskID || (favoritesOnly && !img.Favorite) {
			continue
		}
		out = append(out, *img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrameNumber < out[j].FrameNumber })
	return out
}

func window[T any](all []T, page Page) []T {
	off, limit := page.Offset(), page.Limit()
	if off >= len(all) {
		return []T{}
	}
	end := min(off+limit, len(all))
	return all[off:end]
}
