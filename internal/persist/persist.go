package persist

import (
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

const (
	// DefaultDiskPermissionsTest is used when creating files or directories
	// in tests.
	DefaultDiskPermissionsTest = 0750

	// defaultDirPermissions is the default permissions when creating dirs.
	defaultDirPermissions = 0700

	// defaultFilePermissions is the default permissions when creating files.
	defaultFilePermissions = 0600

	// randomBytes is the number of bytes used to build a temp-file suffix.
	randomBytes = 20

	// tempSuffix is appended to the filename of the temporary copy of a
	// document while it is being written.
	tempSuffix = "_temp"
)

var (
	// ErrBadFilenameSuffix indicates that SaveJSON or LoadJSON was called
	// using a filename that has a reserved suffix. This package manages
	// temp files itself; callers must not.
	ErrBadFilenameSuffix = errors.New("filename suffix not allowed")

	// ErrFileInUse is returned if SaveJSON or LoadJSON is called on a file
	// that's already being manipulated by another goroutine in this
	// process. Catalog and backup documents are always accessed through a
	// single owning component, so a collision here means a caller bug.
	ErrFileInUse = errors.New("another goroutine is saving or loading this file")
)

var (
	// activeFiles tracks which filenames are currently being saved or
	// loaded, so two goroutines never race on the same temp file.
	activeFiles   = make(map[string]struct{})
	activeFilesMu sync.Mutex
)

func lockFile(filename string) error {
	activeFilesMu.Lock()
	defer activeFilesMu.Unlock()
	if _, ok := activeFiles[filename]; ok {
		return ErrFileInUse
	}
	activeFiles[filename] = struct{}{}
	return nil
}

func unlockFile(filename string) {
	activeFilesMu.Lock()
	defer activeFilesMu.Unlock()
	delete(activeFiles, filename)
}

// RandomSuffix returns a 20 character base32 suffix for a filename. There
// are 100 bits of entropy, far more than enough to avoid colliding with a
// concurrently-written temp file.
func RandomSuffix() string {
	str := base32.StdEncoding.EncodeToString(fastrand.Bytes(randomBytes))
	return str[:20]
}

// UID returns a hexadecimal encoded string that can be used as a unique ID,
// e.g. for a lock owner token or a part's temp-file name.
func UID() string {
	return hex.EncodeToString(fastrand.Bytes(randomBytes))
}

// RemoveFile removes a document from disk, along with any abandoned
// temp-file left behind by an interrupted SaveJSON.
func RemoveFile(filename string) error {
	if err := os.RemoveAll(filename); err != nil {
		return err
	}
	temps, err := filepath.Glob(filename + tempSuffix + "_*")
	if err != nil {
		return err
	}
	for _, tmp := range temps {
		if err := os.RemoveAll(tmp); err != nil {
			return err
		}
	}
	return nil
}

// SaveJSON writes v to filename as JSON, atomically: it marshals to a
// randomly-suffixed temp file in the same directory, syncs it, then renames
// it over filename. A crash or power loss can therefore never leave
// filename holding a torn write - readers either see the old complete
// document or the new one (spec.md §8 "no torn writes").
func SaveJSON(filename string, v interface{}) error {
	if filepathHasReservedSuffix(filename) {
		return ErrBadFilenameSuffix
	}
	if err := lockFile(filename); err != nil {
		return err
	}
	defer unlockFile(filename)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.AddContext(err, "could not marshal document")
	}

	if err := os.MkdirAll(filepath.Dir(filename), defaultDirPermissions); err != nil {
		return errors.AddContext(err, "could not create parent directory")
	}

	tmpName := filename + tempSuffix + "_" + RandomSuffix()
	f, err := os.OpenFile(tmpName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, defaultFilePermissions)
	if err != nil {
		return errors.AddContext(err, "could not create temp file")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return errors.AddContext(err, "could not write temp file")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return errors.AddContext(err, "could not sync temp file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.AddContext(err, "could not close temp file")
	}
	if err := os.Rename(tmpName, filename); err != nil {
		_ = os.Remove(tmpName)
		return errors.AddContext(err, "could not rename temp file into place")
	}
	return nil
}

// LoadJSON reads filename and unmarshals it into v.
func LoadJSON(filename string, v interface{}) error {
	if filepathHasReservedSuffix(filename) {
		return ErrBadFilenameSuffix
	}
	if err := lockFile(filename); err != nil {
		return err
	}
	defer unlockFile(filename)

	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.AddContext(err, "could not unmarshal document")
	}
	return nil
}

func filepathHasReservedSuffix(filename string) bool {
	return len(filename) >= len(tempSuffix) && filename[len(filename)-len(tempSuffix):] == tempSuffix
}
