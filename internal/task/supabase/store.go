// Package supabase implements task.Repository on the Postgres database of a
// Supabase project, reached directly through pgx connection pooling.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maauso/framecatcher-api/internal/task"
	"github.com/maauso/framecatcher-api/internal/task/id"
	"github.com/maauso/framecatcher-api/internal/task/sqlstore"
)

// Compile-time check that Store implements task.Repository.
var _ task.Repository = (*Store)(nil)

const (
	taskColumns  = "id, original_filename, album_name, total_frames, resolution, status, progress, error_message, created_at, updated_at"
	imageColumns = "id, task_id, frame_number, filename, file_path, thumbnail_path, file_size, is_favorite, created_at"

	connectAttempts = 5
	retryDelay      = 2 * time.Second
)

// Store is a task.Repository backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to the database at url, retrying while it comes up, and
// creates the schema. url is the Supabase connection string.
func Open(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse supabase url: %w", err)
	}
	// The Supabase pooler runs in transaction mode and cannot keep
	// prepared statements across transactions.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	var pool *pgxpool.Pool
	for attempt := 1; ; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		if attempt == connectAttempts {
			return nil, fmt.Errorf("connect to supabase: %w", err)
		}
		logger.Warn("waiting for supabase database",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to supabase: %w", ctx.Err())
		case <-time.After(retryDelay):
		}
	}

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range sqlstore.Schema(sqlstore.Postgres) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate supabase schema: %w", err)
		}
	}
	return nil
}

// Close closes every connection in the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateTask inserts a pending task.
func (s *Store) CreateTask(ctx context.Context, originalFilename, albumName string) (*task.Task, error) {
	now := s.now().UTC()
	t := &task.Task{
		ID:               id.Generate(),
		OriginalFilename: originalFilename,
		AlbumName:        albumName,
		Status:           task.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.OriginalFilename, t.AlbumName, t.TotalFrames, t.Resolution, string(t.Status), t.Progress, t.Error, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t      task.Task
		status string
	)
	if err := row.Scan(&t.ID, &t.OriginalFilename, &t.AlbumName, &t.TotalFrames, &t.Resolution,
		&status, &t.Progress, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	return &t, nil
}

func scanImage(row pgx.CollectableRow) (task.Image, error) {
	var img task.Image
	err := row.Scan(&img.ID, &img.TaskID, &img.FrameNumber, &img.Filename, &img.FilePath,
		&img.ThumbnailPath, &img.FileSize, &img.Favorite, &img.CreatedAt)
	return img, err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTaskProgress stores GREATEST(current, progress) in one statement.
func (s *Store) UpdateTaskProgress(ctx context.Context, taskID string, progress int, status task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET progress = GREATEST(progress, $1), status = $2, updated_at = $3
		 WHERE id = $4 AND status = ANY($5)`,
		min(max(progress, 0), 100), string(status), s.now().UTC(), taskID, statusNames(task.AllowedFrom(status)),
	)
	if err != nil {
		return fmt.Errorf("update task progress: %w", err)
	}
	return s.checkUpdated(ctx, tag, taskID)
}

// UpdateTaskStatus changes the status and any fields set in upd.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status task.Status, upd task.StatusUpdate) error {
	sets := []string{"status = $1", "updated_at = $2"}
	args := []any{string(status), s.now().UTC()}
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.TotalFrames != nil {
		add("total_frames", *upd.TotalFrames)
	}
	if upd.Resolution != nil {
		add("resolution", *upd.Resolution)
	}
	if upd.Error != nil {
		add("error_message", *upd.Error)
	}
	args = append(args, taskID, statusNames(task.AllowedFrom(status)))

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d AND status = ANY($%d)`,
		strings.Join(sets, ", "), len(args)-1, len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return s.checkUpdated(ctx, tag, taskID)
}

func (s *Store) checkUpdated(ctx context.Context, tag pgconn.CommandTag, taskID string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return task.ErrInvalidTransition
}

func statusNames(statuses []task.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// CreateImage records a converted frame.
func (s *Store) CreateImage(ctx context.Context, in task.NewImage) (*task.Image, error) {
	img := &task.Image{
		ID:            id.Generate(),
		TaskID:        in.TaskID,
		FrameNumber:   in.FrameNumber,
		Filename:      in.Filename,
		FilePath:      in.FilePath,
		ThumbnailPath: in.ThumbnailPath,
		FileSize:      in.FileSize,
		CreatedAt:     s.now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO images (`+imageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		img.ID, img.TaskID, img.FrameNumber, img.Filename, img.FilePath, img.ThumbnailPath, img.FileSize, img.Favorite, img.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("insert image: %w", err)
	}
	return img, nil
}

func (s *Store) collectImages(ctx context.Context, query string, args ...any) ([]task.Image, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	images, err := pgx.CollectRows(rows, scanImage)
	if err != nil {
		return nil, fmt.Errorf("scan images: %w", err)
	}
	if images == nil {
		images = []task.Image{}
	}
	return images, nil
}

// GetImagesByTask returns all images of a task ordered by frame number.
func (s *Store) GetImagesByTask(ctx context.Context, taskID string) ([]task.Image, error) {
	return s.collectImages(ctx,
		`SELECT `+imageColumns+` FROM images WHERE task_id = $1 ORDER BY frame_number, id`, taskID)
}

// ListTasks returns one page of tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, page task.Page) ([]task.Task, int, error) {
	return s.pageTasks(ctx, `TRUE`, page)
}

// SearchTasks returns one page of tasks whose album name contains keyword.
func (s *Store) SearchTasks(ctx context.Context, keyword string, page task.Page) ([]task.Task, int, error) {
	return s.pageTasks(ctx, `LOWER(album_name) LIKE $1 ESCAPE '\'`, page, task.LikePattern(keyword))
}

// pageTasks counts the tasks matching where and returns one page of them.
// where may use $1..$n for args; LIMIT and OFFSET follow them.
func (s *Store) pageTasks(ctx context.Context, where string, page task.Page, args ...any) ([]task.Task, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		taskColumns, where, n+1, n+2)
	rows, err := s.pool.Query(ctx, query, append(args, page.Limit(), page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (task.Task, error) {
		t, err := scanTask(row)
		if err != nil {
			return task.Task{}, err
		}
		return *t, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan tasks: %w", err)
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	return tasks, total, nil
}

// CountTasks returns how many tasks are in status.
func (s *Store) CountTasks(ctx context.Context, status task.Status) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// Statistics summarises every task and image.
func (s *Store) Statistics(ctx context.Context) (task.Statistics, error) {
	st := task.NewStatistics()

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("query task statistics: %w", err)
	}
	var (
		status string
		n      int
	)
	_, err = pgx.ForEachRow(rows, []any{&status, &n}, func() error {
		st.ByStatus[task.Status(status)] = n
		st.TotalAlbums += n
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("scan task statistics: %w", err)
	}

	err = s.pool.QueryRow(ctx, `SELECT COUNT(*),
			COUNT(*) FILTER (WHERE is_favorite),
			COALESCE(SUM(file_size), 0)::bigint
		FROM images`).Scan(&st.TotalFrames, &st.FavoriteFrames, &st.StorageUsed)
	if err != nil {
		return st, fmt.Errorf("query image statistics: %w", err)
	}
	return st, nil
}

// ListImages returns one page of a task's images.
func (s *Store) ListImages(ctx context.Context, q task.ImageQuery) ([]task.Image, int, error) {
	// $2 = false matches every row; true keeps favorites only.
	const where = `task_id = $1 AND (NOT $2::boolean OR is_favorite)`

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM images WHERE `+where, q.TaskID, q.FavoritesOnly).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count images: %w", err)
	}
	images, err := s.collectImages(ctx,
		`SELECT `+imageColumns+` FROM images WHERE `+where+` ORDER BY frame_number, id LIMIT $3 OFFSET $4`,
		q.TaskID, q.FavoritesOnly, q.Page.Limit(), q.Page.Offset())
	if err != nil {
		return nil, 0, err
	}
	return images, total, nil
}

// SetFavorite flags or unflags images and returns how many were found.
func (s *Store) SetFavorite(ctx context.Context, imageIDs []string, favorite bool) (int, error) {
	if len(imageIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `UPDATE images SET is_favorite = $1 WHERE id = ANY($2)`, favorite, imageIDs)
	if err != nil {
		return 0, fmt.Errorf("update favorites: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteTask removes a task and its images in one transaction.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM images WHERE task_id = $1`, taskID); err != nil {
			return fmt.Errorf("delete images: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return task.ErrTaskNotFound
		}
		return nil
	})
}
