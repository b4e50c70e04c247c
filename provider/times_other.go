//go:build !linux

package provider

import "os"

// statTimes falls back to the modification time for both fields where the
// access time is not portably exposed.
func statTimes(path string) (FileTimes, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileTimes{}, err
	}

	mod := info.ModTime()
	return FileTimes{Access: mod, Modify: mod}, nil
}
