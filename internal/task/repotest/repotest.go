// Package repotest holds the behaviour every task.Repository adapter must
// share. Adapter packages call Run from their tests.
package repotest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/framecatcher-api/internal/task"
)

// Run exercises repo through the Repository contract. newRepo must return
// an empty repository for each call.
func Run(t *testing.T, newRepo func(t *testing.T) task.Repository) {
	t.Run("CreateAndGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		created, err := repo.CreateTask(ctx, "holiday.mp4", "holiday")
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, task.StatusPending, created.Status)
		assert.Zero(t, created.Progress)

		got, err := repo.GetTask(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, "holiday.mp4", got.OriginalFilename)
		assert.Equal(t, "holiday", got.AlbumName)
		assert.Equal(t, task.StatusPending, got.Status)
		assert.False(t, got.CreatedAt.IsZero())

		_, err = repo.GetTask(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, task.ErrTaskNotFound)
	})

	t.Run("ProgressNeverDecreases", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		created, err := repo.CreateTask(ctx, "a.mp4", "a")
		require.NoError(t, err)

		for _, p := range []int{10, 40, 25, 70, 150, 0} {
			require.NoError(t, repo.UpdateTaskProgress(ctx, created.ID, p, task.StatusProcessing))
		}
		got, err := repo.GetTask(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, task.StatusProcessing, got.Status)
	})

	t.Run("ConcurrentProgress", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		created, err := repo.CreateTask(ctx, "a.mp4", "a")
		require.NoError(t, err)
		require.NoError(t, repo.UpdateTaskStatus(ctx, created.ID, task.StatusProcessing, task.StatusUpdate{}))

		var wg sync.WaitGroup
		for p := 60; p >= 1; p-- {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				assert.NoError(t, repo.UpdateTaskProgress(ctx, created.ID, p, task.StatusProcessing))
			}(p)
		}
		wg.Wait()

		got, err := repo.GetTask(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, 60, got.Progress)
	})

	t.Run("StatusTransitions", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		created, err := repo.CreateTask(ctx, "a.mp4", "a")
		require.NoError(t, err)

		err = repo.UpdateTaskStatus(ctx, created.ID, task.StatusCompleted, task.StatusUpdate{})
		assert.ErrorIs(t, err, task.ErrInvalidTransition, "pending cannot complete directly")

		total, res := 300, "1920x1080"
		require.NoError(t, repo.UpdateTaskStatus(ctx, created.ID, task.StatusProcessing,
			task.StatusUpdate{TotalFrames: &total, Resolution: &res}))

		msg := "boom"
		require.NoError(t, repo.UpdateTaskStatus(ctx, created.ID, task.StatusFailed, task.StatusUpdate{Error: &msg}))

		got, err := repo.GetTask(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		assert.Equal(t, 300, got.TotalFrames)
		assert.Equal(t, "1920x1080", got.Resolution)
		assert.Equal(t, "boom", got.Error)

		assert.ErrorIs(t, repo.UpdateTaskProgress(ctx, created.ID, 50, task.StatusProcessing), task.ErrInvalidTransition)
		assert.ErrorIs(t, repo.UpdateTaskStatus(ctx, created.ID, task.StatusCompleted, task.StatusUpdate{}), task.ErrInvalidTransition)
		assert.ErrorIs(t, repo.UpdateTaskProgress(ctx, "00000000-0000-0000-0000-000000000000", 1, task.StatusProcessing), task.ErrTaskNotFound)
	})

	t.Run("ImagesOrderedAndPaged", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		created, err := repo.CreateTask(ctx, "a.mp4", "a")
		require.NoError(t, err)

		var ids []string
		for _, n := range []int{3, 1, 5, 2, 4} {
			img, err := repo.CreateImage(ctx, task.NewImage{
				TaskID:        created.ID,
				FrameNumber:   n,
				Filename:      fmt.Sprintf("frame_%04d.heic", n),
				FilePath:      fmt.Sprintf("%s/frame_%04d.heic", created.ID, n),
				ThumbnailPath: fmt.Sprintf("%s/thumbnails/frame_%04d.jpg", created.ID, n),
				FileSize:      int64(n) << 20,
			})
			require.NoError(t, err)
			assert.False(t, img.Favorite)
			ids = append(ids, img.ID)
		}

		all, err := repo.GetImagesByTask(ctx, created.ID)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, img := range all {
			assert.Equal(t, i+1, img.FrameNumber)
			assert.Equal(t, int64(i+1)<<20, img.FileSize)
		}

		page, total, err := repo.ListImages(ctx, task.ImageQuery{TaskID: created.ID, Page: task.Page{Number: 2, Size: 2}})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, 3, page[0].FrameNumber)

		// ids[0] is frame 3, ids[3] is frame 2.
		n, err := repo.SetFavorite(ctx, []string{ids[0], ids[3]}, true)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		favs, total, err := repo.ListImages(ctx, task.ImageQuery{TaskID: created.ID, FavoritesOnly: true})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, favs, 2)
		assert.Equal(t, 2, favs[0].FrameNumber)
		assert.True(t, favs[0].Favorite)

		n, err = repo.SetFavorite(ctx, nil, true)
		require.NoError(t, err)
		assert.Zero(t, n)

		empty, err := repo.GetImagesByTask(ctx, "00000000-0000-0000-0000-000000000000")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("ListTasksNewestFirst", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		var ids []string
		for i := 0; i < 3; i++ {
			created, err := repo.CreateTask(ctx, fmt.Sprintf("v%d.mp4", i), fmt.Sprintf("v%d", i))
			require.NoError(t, err)
			ids = append(ids, created.ID)
		}

		tasks, total, err := repo.ListTasks(ctx, task.Page{})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, tasks, 3)
		for i := 1; i < len(tasks); i++ {
			assert.False(t, tasks[i].CreatedAt.After(tasks[i-1].CreatedAt), "tasks must be newest first")
		}

		page, total, err := repo.ListTasks(ctx, task.Page{Number: 2, Size: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, page, 1)
	})

	t.Run("SearchByAlbumName", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		for _, name := range []string{"Holiday Beach", "beach_day", "Birthday", "50% off"} {
			_, err := repo.CreateTask(ctx, name+".mp4", name)
			require.NoError(t, err)
		}

		found, total, err := repo.SearchTasks(ctx, "BEACH", task.Page{})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		names := make([]string, 0, len(found))
		for _, f := range found {
			names = append(names, f.AlbumName)
		}
		assert.ElementsMatch(t, []string{"Holiday Beach", "beach_day"}, names)

		page, total, err := repo.SearchTasks(ctx, "a", task.Page{Number: 2, Size: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, page, 1)

		// Wildcards in the keyword match literally.
		found, total, err = repo.SearchTasks(ctx, "%", task.Page{})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, found, 1)
		assert.Equal(t, "50% off", found[0].AlbumName)

		found, total, err = repo.SearchTasks(ctx, "h_ay", task.Page{})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, found)
	})

	t.Run("CountAndStatistics", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		st, err := repo.Statistics(ctx)
		require.NoError(t, err)
		assert.Zero(t, st.TotalAlbums)
		assert.Equal(t, map[task.Status]int{
			task.StatusPending: 0, task.StatusProcessing: 0, task.StatusCompleted: 0, task.StatusFailed: 0,
		}, st.ByStatus)

		pending, err := repo.CreateTask(ctx, "p.mp4", "p")
		require.NoError(t, err)
		running, err := repo.CreateTask(ctx, "r.mp4", "r")
		require.NoError(t, err)
		failed, err := repo.CreateTask(ctx, "f.mp4", "f")
		require.NoError(t, err)
		require.NoError(t, repo.UpdateTaskStatus(ctx, running.ID, task.StatusProcessing, task.StatusUpdate{}))
		require.NoError(t, repo.UpdateTaskStatus(ctx, failed.ID, task.StatusFailed, task.StatusUpdate{}))

		var ids []string
		for n, size := range []int64{100, 250, 650} {
			img, err := repo.CreateImage(ctx, task.NewImage{TaskID: running.ID, FrameNumber: n + 1, FileSize: size})
			require.NoError(t, err)
			ids = append(ids, img.ID)
		}
		_, err = repo.CreateImage(ctx, task.NewImage{TaskID: pending.ID, FrameNumber: 1, FileSize: 1})
		require.NoError(t, err)
		_, err = repo.SetFavorite(ctx, ids[:2], true)
		require.NoError(t, err)

		n, err := repo.CountTasks(ctx, task.StatusProcessing)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = repo.CountTasks(ctx, task.StatusCompleted)
		require.NoError(t, err)
		assert.Zero(t, n)

		st, err = repo.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, st.TotalAlbums)
		assert.Equal(t, 1, st.ByStatus[task.StatusPending])
		assert.Equal(t, 1, st.ByStatus[task.StatusProcessing])
		assert.Equal(t, 0, st.ByStatus[task.StatusCompleted])
		assert.Equal(t, 1, st.ByStatus[task.StatusFailed])
		assert.Equal(t, 4, st.TotalFrames)
		assert.Equal(t, 2, st.FavoriteFrames)
		assert.Equal(t, int64(1001), st.StorageUsed)
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		keep, err := repo.CreateTask(ctx, "keep.mp4", "keep")
		require.NoError(t, err)
		drop, err := repo.CreateTask(ctx, "drop.mp4", "drop")
		require.NoError(t, err)
		_, err = repo.CreateImage(ctx, task.NewImage{TaskID: keep.ID, FrameNumber: 1})
		require.NoError(t, err)
		_, err = repo.CreateImage(ctx, task.NewImage{TaskID: drop.ID, FrameNumber: 1})
		require.NoError(t, err)

		require.NoError(t, repo.DeleteTask(ctx, drop.ID))

		_, err = repo.GetTask(ctx, drop.ID)
		assert.ErrorIs(t, err, task.ErrTaskNotFound)
		imgs, err := repo.GetImagesByTask(ctx, drop.ID)
		require.NoError(t, err)
		assert.Empty(t, imgs)
		imgs, err = repo.GetImagesByTask(ctx, keep.ID)
		require.NoError(t, err)
		assert.Len(t, imgs, 1)

		assert.ErrorIs(t, repo.DeleteTask(ctx, drop.ID), task.ErrTaskNotFound)
	})
}
