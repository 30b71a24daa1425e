package sqlstore

import "fmt"

// Schema returns the DDL statements for d, in execution order.
func Schema(d Dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			original_filename TEXT NOT NULL,
			album_name TEXT NOT NULL,
			total_frames INTEGER NOT NULL DEFAULT 0,
			resolution TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, d.TimeType),
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at DESC)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
			frame_number INTEGER NOT NULL,
			filename TEXT NOT NULL,
			file_path TEXT NOT NULL,
			thumbnail_path TEXT NOT NULL DEFAULT '',
			file_size BIGINT NOT NULL DEFAULT 0,
			is_favorite BOOLEAN NOT NULL DEFAULT FALSE,
			created_at %s NOT NULL
		)`, d.TimeType),
		`CREATE INDEX IF NOT EXISTS idx_images_task_frame ON images (task_id, frame_number)`,
	}
}
