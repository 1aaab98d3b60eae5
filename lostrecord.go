package congestion

import "go.uber.org/zap"

// LostRecordHandler is an interface which describes objects which
// handle lost-record counts (records which the kernel could not write
// to a per-CPU perf ring because it was full). Losing send or
// socket-state samples only thins the statistics; losing drop records
// costs drop precision, which is why the count is surfaced rather
// than discarded.
type lostRecordHandler interface {
	handle(lostCount uint64)
}

// LoggingLostRecordHandler logs the lost-record count. There is
// nothing else to be done about records already lost, short of a
// bigger ring or faster polling.
type loggingLostRecordHandler struct {
	logger *zap.Logger
}

func newLoggingLostRecordHandler(logger *zap.Logger) *loggingLostRecordHandler {
	return &loggingLostRecordHandler{logger}
}

func (h *loggingLostRecordHandler) handle(lostCount uint64) {
	h.logger.Warn("kernel dropped records on a full perf ring",
		zap.Uint64("lost", lostCount))
}
