package server

import (
	"io/fs"
	"net/http"
)

// fileOnlyFS serves regular files only. Directories look missing, so
// http.FileServer answers 404 instead of listing album IDs or frames.
type fileOnlyFS struct {
	root http.FileSystem
}

func (f fileOnlyFS) Open(name string) (http.File, error) {
	file, err := f.root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fs.ErrNotExist
	}
	return file, nil
}

// albumFiles serves the files under dir without directory listings.
func albumFiles(dir string) http.Handler {
	return http.FileServer(fileOnlyFS{root: http.Dir(dir)})
}
