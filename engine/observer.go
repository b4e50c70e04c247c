package engine

// Observer receives progress notifications from transfer units. Calls arrive
// concurrently from every worker; implementations must be safe for that.
type Observer interface {
	PassStarted(destination string, files int, bytes int64)
	FileStarted(source, destination string, offset, total int64)
	FileProgress(destination string, current, total int64)
	FileFinished(destination string, outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) PassStarted(string, int, int64)           {}
func (nopObserver) FileStarted(string, string, int64, int64) {}
func (nopObserver) FileProgress(string, int64, int64)        {}
func (nopObserver) FileFinished(string, Outcome)             {}
