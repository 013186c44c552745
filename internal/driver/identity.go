package driver

// ProcessStartTime returns the OS-reported start time for a process. The value
// is platform-specific (Unix epoch seconds on Darwin, clock ticks since boot on
// Linux) but is stable for the lifetime of the process.
func ProcessStartTime(pid int) (int64, error) {
	return processStartTime(pid)
}

// SameProcess reports whether pid is alive and still the process that was
// recorded with startTime. A zero startTime only checks liveness, for records
// written where the start time could not be read.
func SameProcess(pid int, startTime int64) bool {
	if !Alive(pid) {
		return false
	}
	if startTime == 0 {
		return true
	}
	actual, err := processStartTime(pid)
	if err != nil {
		return false
	}
	return actual == startTime
}
