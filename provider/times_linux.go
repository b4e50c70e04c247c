//go:build linux

package provider

import (
	"time"

	"golang.org/x/sys/unix"
)

func statTimes(path string) (FileTimes, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return FileTimes{}, err
	}

	return FileTimes{
		Access: time.Unix(st.Atim.Unix()),
		Modify: time.Unix(st.Mtim.Unix()),
	}, nil
}
