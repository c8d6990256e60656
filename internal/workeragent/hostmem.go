package workeragent

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// readHostMemoryMB reads total physical memory from /proc/meminfo, the
// same source a Linux compute instance's kernel exposes; returns an
// error on any other platform or if the file is unreadable, letting
// the caller fall back to a conservative default.
func readHostMemoryMB() (int64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb / 1024, nil
	}
	return 0, os.ErrNotExist
}
