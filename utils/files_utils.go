package utils

import (
	"os"
	"time"
)

// FileExists reports whether a file exists at name. A stat error other than
// "not exist" is returned alongside a false result so a caller can
// distinguish "absent" from "couldn't check".
func FileExists(name string) (bool, error) {
	_, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// GetFileInfo returns a file's size and UTC modification time, used by the
// domain-list loader to decide whether a cached download is stale.
func GetFileInfo(filePath string) (int64, time.Time, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return 0, time.Time{}, err
	}
	return info.Size(), info.ModTime().UTC(), nil
}
