package observer

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/inocore/inocore/pkg/logging"
)

const (
	maxUserInstancesPath = "/proc/sys/fs/inotify/max_user_instances"
	maxUserWatchesPath   = "/proc/sys/fs/inotify/max_user_watches"
)

// readProcUint reads a single unsigned integer from a /proc file, the shape
// max_user_instances and max_user_watches are both published in.
func readProcUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// countInotifyUsage enumerates /proc/*/fd and /proc/*/fdinfo to count how
// many open file descriptors across all processes are inotify instances
// (usage), and sums the "inotify wd:" lines in their fdinfo to count watches
// in use. Processes that exit mid-walk or whose fdinfo we can't read are
// skipped rather than failing the whole count, since /proc is inherently
// racy.
func countInotifyUsage() (instances uint64, watches uint64) {
	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, 0
	}
	for _, procEntry := range procEntries {
		pid := procEntry.Name()
		if _, err := strconv.Atoi(pid); err != nil {
			continue
		}
		fdinfoDir := filepath.Join("/proc", pid, "fdinfo")
		fdEntries, err := os.ReadDir(fdinfoDir)
		if err != nil {
			continue
		}
		for _, fdEntry := range fdEntries {
			count := countInotifyFdinfo(filepath.Join(fdinfoDir, fdEntry.Name()))
			if count < 0 {
				continue
			}
			instances++
			watches += uint64(count)
		}
	}
	return instances, watches
}

// countInotifyFdinfo returns the number of "inotify wd:" lines in the given
// fdinfo file, or -1 if the file isn't an inotify descriptor's fdinfo at
// all.
func countInotifyFdinfo(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return -1
	}
	defer f.Close()

	count := 0
	saw := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "inotify wd:") {
			saw = true
			count++
		}
	}
	if !saw {
		return -1
	}
	return count
}

// LimitChecker implements the limit-checker half of the self-observer: it
// compares live inotify usage against the kernel's configured ceilings and
// warns when either ratio exceeds threshold.
type LimitChecker struct {
	threshold float64
	logger    *logging.Logger
	warned    int32
}

// NewLimitChecker constructs a LimitChecker warning once usage/ceiling
// exceeds threshold (e.g. 0.9 for 90%).
func NewLimitChecker(threshold float64, logger *logging.Logger) *LimitChecker {
	return &LimitChecker{threshold: threshold, logger: logger}
}

// Check reads the kernel ceilings and current usage, warns if over
// threshold, and returns the priority the adaptive scheduler should apply:
// -1 (slow down) after a warning, +5 (speed up) otherwise.
func (c *LimitChecker) Check(_ context.Context) int {
	maxInstances, err := readProcUint(maxUserInstancesPath)
	if err != nil {
		c.logger.Warnf("limit checker: unable to read %s: %v", maxUserInstancesPath, err)
		return 0
	}
	maxWatches, err := readProcUint(maxUserWatchesPath)
	if err != nil {
		c.logger.Warnf("limit checker: unable to read %s: %v", maxUserWatchesPath, err)
		return 0
	}

	instances, watches := countInotifyUsage()

	instanceRatio := ratio(instances, maxInstances)
	watchRatio := ratio(watches, maxWatches)

	if instanceRatio > c.threshold || watchRatio > c.threshold {
		atomic.StoreInt32(&c.warned, 1)
		c.logger.Warnf(
			"inotify usage approaching kernel limits: %s/%s instances, %s/%s watches",
			humanize.Comma(int64(instances)), humanize.Comma(int64(maxInstances)),
			humanize.Comma(int64(watches)), humanize.Comma(int64(maxWatches)),
		)
		return -1
	}
	atomic.StoreInt32(&c.warned, 0)
	return 5
}

// Warned reports whether the most recent check exceeded threshold.
func (c *LimitChecker) Warned() bool {
	return atomic.LoadInt32(&c.warned) == 1
}

func ratio(used, max uint64) float64 {
	if max == 0 {
		return 0
	}
	return float64(used) / float64(max)
}
