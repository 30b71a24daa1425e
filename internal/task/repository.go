package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Repository errors shared by every data source.
var (
	// ErrTaskNotFound is returned when a task cannot be found by ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrUnknownDataSource is returned for a data source name no adapter answers to.
	ErrUnknownDataSource = errors.New("unknown data source")
	// ErrDataSourceUnavailable is returned for a known data source that is not configured.
	ErrDataSourceUnavailable = errors.New("data source not configured")
)

// Repository is the persistence capability every data source implements.
// It acts as a port in the hexagonal architecture pattern.
type Repository interface {
	// CreateTask inserts a pending task with zero progress.
	CreateTask(ctx context.Context, originalFilename, albumName string) (*Task, error)

	// GetTask retrieves a task by ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTaskProgress stores max(current, progress) together with status.
	// Progress must never decrease, whatever order updates arrive in.
	// Returns ErrInvalidTransition if the task is already terminal.
	UpdateTaskProgress(ctx context.Context, id string, progress int, status Status) error

	// UpdateTaskStatus changes the status and any non-nil fields of upd.
	// Returns ErrInvalidTransition if the task is already terminal.
	UpdateTaskStatus(ctx context.Context, id string, status Status, upd StatusUpdate) error

	// CreateImage records a converted frame.
	CreateImage(ctx context.Context, img NewImage) (*Image, error)

	// GetImagesByTask returns every image of a task ordered by frame number.
	GetImagesByTask(ctx context.Context, taskID string) ([]Image, error)

	// ListTasks returns one page of tasks, newest first, and the total count.
	ListTasks(ctx context.Context, page Page) ([]Task, int, error)

	// ListImages returns one page of a task's images and the total matching.
	ListImages(ctx context.Context, q ImageQuery) ([]Image, int, error)

	// SetFavorite flags or unflags the given images and returns how many changed.
	SetFavorite(ctx context.Context, imageIDs []string, favorite bool) (int, error)

	// DeleteTask removes a task and its images.
	// Returns ErrTaskNotFound if the task does not exist.
	DeleteTask(ctx context.Context, id string) error

	// SearchTasks returns one page of tasks whose album name contains
	// keyword, ignoring case, newest first, and the total matching.
	SearchTasks(ctx context.Context, keyword string, page Page) ([]Task, int, error)

	// CountTasks returns how many tasks are in status.
	CountTasks(ctx context.Context, status Status) (int, error)

	// Statistics summarises every task and image of the data source.
	Statistics(ctx context.Context) (Statistics, error)
}

// Statistics is an aggregate view over all albums of one data source.
type Statistics struct {
	// TotalAlbums counts tasks in any status.
	TotalAlbums int
	// ByStatus counts tasks per status; every known status has an entry.
	ByStatus map[Status]int
	// TotalFrames counts recorded images.
	TotalFrames int
	// FavoriteFrames counts images flagged as favorite.
	FavoriteFrames int
	// StorageUsed is the summed HEIC size in bytes.
	StorageUsed int64
}

// NewStatistics returns Statistics with a zero count for every status.
func NewStatistics() Statistics {
	return Statistics{ByStatus: map[Status]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}}
}

// LikePattern turns a search keyword into a lower-cased SQL LIKE pattern
// matching it anywhere. %, _ and the escape character are escaped with a
// backslash, so queries must say ESCAPE '\'.
func LikePattern(keyword string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(keyword)) + "%"
}

const (
	// DefaultPageSize is used when a page request does not specify a size.
	DefaultPageSize = 50
	// MaxPageSize caps page sizes requested by clients.
	MaxPageSize = 500
)

// Page selects a window of a listing. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

// Normalize fills defaults and clamps the page size.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}

// Limit returns the number of rows to return.
func (p Page) Limit() int {
	return p.Normalize().Size
}

// ImageQuery filters the images of one task.
type ImageQuery struct {
	TaskID        string
	FavoritesOnly bool
	Page          Page
}

// DataSource names a persistence adapter.
type DataSource string

const (
	// DataSourceSupabase is the hosted Supabase Postgres database.
	DataSourceSupabase DataSource = "supabase"
	// DataSourceLocal is a local Postgres server.
	DataSourceLocal DataSource = "local"
	// DataSourceSQLite is an embedded SQLite file.
	DataSourceSQLite DataSource = "sqlite"
	// DataSourceMemory keeps everything in process memory.
	DataSourceMemory DataSource = "memory"
)

// IsValid returns true if the data source is known.
func (d DataSource) IsValid() bool {
	switch d {
	case DataSourceSupabase, DataSourceLocal, DataSourceSQLite, DataSourceMemory:
		return true
	}
	return false
}

// ParseDataSource parses a data source name case-insensitively.
func ParseDataSource(s string) (DataSource, error) {
	d := DataSource(strings.ToLower(strings.TrimSpace(s)))
	if !d.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownDataSource, s)
	}
	return d, nil
}

// Registry resolves data source names to repositories.
type Registry struct {
	mu       sync.RWMutex
	repos    map[DataSource]Repository
	fallback DataSource
}

// NewRegistry creates an empty Registry whose default source is fallback.
func NewRegistry(fallback DataSource) *Registry {
	return &Registry{
		repos:    make(map[DataSource]Repository),
		fallback: fallback,
	}
}

// Register binds a repository to a data source, replacing any previous one.
func (r *Registry) Register(ds DataSource, repo Repository) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repos[ds] = repo
}

// Default returns the data source used when a request names none.
func (r *Registry) Default() DataSource {
	return r.fallback
}

// Sources returns the configured data sources.
func (r *Registry) Sources() []DataSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DataSource, 0, len(r.repos))
	for ds := range r.repos {
		out = append(out, ds)
	}
	return out
}

// Resolve returns the repository for ds; the empty name selects the default.
func (r *Registry) Resolve(ds DataSource) (Repository, error) {
	if ds == "" {
		ds = r.fallback
	}
	if !ds.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataSource, ds)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repos[ds]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDataSourceUnavailable, ds)
	}
	return repo, nil
}
