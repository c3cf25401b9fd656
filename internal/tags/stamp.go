package tags

import (
	"bytes"
	"errors"
	"io/fs"
	"os"

	"github.com/acheong08/deptags/internal/identity"
)

const stampSuffix = ".stamp"

// StampPath returns the path of the build stamp kept next to a tags file.
func StampPath(tagsPath string) string {
	return tagsPath + stampSuffix
}

// ReadStamp returns the build key recorded for a tags file. A missing or
// unreadable stamp reports ok == false, which callers treat as "unknown".
func ReadStamp(tagsPath string) (key identity.Hash, ok bool, err error) {
	data, err := os.ReadFile(StampPath(tagsPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, ioErr("read", StampPath(tagsPath), err)
	}
	key, err = identity.ParseHash(string(bytes.TrimSpace(data)))
	if err != nil {
		return 0, false, nil
	}
	return key, true, nil
}

// WriteStamp atomically records the build key for a tags file.
func WriteStamp(tagsPath string, key identity.Hash) error {
	return writeAtomic(StampPath(tagsPath), []byte(key.String()+"\n"))
}

// RemoveStamp deletes the build stamp of a tags file, if any.
func RemoveStamp(tagsPath string) error {
	if err := os.Remove(StampPath(tagsPath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioErr("remove", StampPath(tagsPath), err)
	}
	return nil
}
