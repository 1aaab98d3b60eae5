package congestion

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// The transmit-path producer reads sk_wmem_queued and sk_sndbuf out of an
// opaque struct sock by raw offset. Those offsets move between kernel
// versions, so they live in one versioned table here rather than as
// literals in the C: the Go side picks the entry for the running kernel
// and hands it to the producer as read-only globals at load time.

// SockFieldOffsets carries the byte offsets of the struct sock fields the
// transmit-path producer reads.
type sockFieldOffsets struct {
	wmemQueued uint32
	sndbuf     uint32
}

// Names of the read-only globals in the BPF C which receive the offsets.
const (
	wmemQueuedOffGlobal = "wmem_queued_off"
	sndbufOffGlobal     = "sndbuf_off"
)

type sockOffsetEntry struct {
	major, minor int
	offsets      sockFieldOffsets
}

// Offsets per kernel series, oldest first. A running kernel resolves to
// the newest entry not newer than itself; kernels older than the first
// entry use the first, kernels newer than the last use the last.
var sockOffsetTable = []sockOffsetEntry{
	{major: 4, minor: 19, offsets: sockFieldOffsets{wmemQueued: 0x80, sndbuf: 0x84}},
	{major: 5, minor: 4, offsets: sockFieldOffsets{wmemQueued: 0x84, sndbuf: 0x88}},
	{major: 5, minor: 10, offsets: sockFieldOffsets{wmemQueued: 0x88, sndbuf: 0x8C}},
	{major: 6, minor: 1, offsets: sockFieldOffsets{wmemQueued: 0x88, sndbuf: 0x8C}},
}

// LookupSockOffsets resolves the offsets for a kernel release string as
// reported by uname, e.g. "5.15.0-91-generic". The second return value
// reports whether the release was within the table's known range; a
// caller may want to log when it was not.
func lookupSockOffsets(release string) (sockFieldOffsets, bool, error) {
	major, minor, err := parseKernelRelease(release)
	if err != nil {
		return sockFieldOffsets{}, false, err
	}

	chosen := sockOffsetTable[0]
	known := false
	for _, entry := range sockOffsetTable {
		if major > entry.major || (major == entry.major && minor >= entry.minor) {
			chosen = entry
			known = true
			continue
		}
		break
	}

	return chosen.offsets, known, nil
}

// DetectSockOffsets resolves the offsets for the running kernel. An
// unparseable or out-of-range release falls back to the newest table
// entry with a warning: a wrong offset degrades the wmem-pressure signal
// but cannot affect host stability, as the producer's kernel reads are
// checked and a failed read drops the single sample.
func detectSockOffsets(logger *zap.Logger) sockFieldOffsets {
	release, err := kernelRelease()
	if err != nil {
		logger.Warn("could not read kernel release, using newest known socket offsets",
			zap.Error(err))
		return sockOffsetTable[len(sockOffsetTable)-1].offsets
	}

	offsets, known, err := lookupSockOffsets(release)
	if err != nil {
		logger.Warn("could not parse kernel release, using newest known socket offsets",
			zap.String("release", release),
			zap.Error(err))
		return sockOffsetTable[len(sockOffsetTable)-1].offsets
	}

	if !known {
		logger.Warn("kernel release predates the socket offset table",
			zap.String("release", release))
	}

	logger.Debug("resolved socket field offsets",
		zap.String("release", release),
		zap.Uint32("wmem_queued_off", offsets.wmemQueued),
		zap.Uint32("sndbuf_off", offsets.sndbuf))

	return offsets
}

func kernelRelease() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", fmt.Errorf("reading uname: %w", err)
	}

	return unix.ByteSliceToString(uname.Release[:]), nil
}

func parseKernelRelease(release string) (major, minor int, err error) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("malformed kernel release %q", release)
	}

	if major, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, fmt.Errorf("malformed kernel major version in %q", release)
	}

	// The minor component may carry a non-numeric tail (e.g. "15-rc3")
	minorDigits := parts[1]
	if i := strings.IndexFunc(minorDigits, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		minorDigits = minorDigits[:i]
	}
	if minor, err = strconv.Atoi(minorDigits); err != nil {
		return 0, 0, fmt.Errorf("malformed kernel minor version in %q", release)
	}

	return major, minor, nil
}
