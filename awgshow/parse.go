package awgshow

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/xerrors"

	"github.com/coder/awg-exporter/peerstats"
)

var durationPart = regexp.MustCompile(`(\d+) (year|day|hour|minute|second)s?`)

var unitDurations = map[string]time.Duration{
	"year":   365 * 24 * time.Hour,
	"day":    24 * time.Hour,
	"hour":   time.Hour,
	"minute": time.Minute,
	"second": time.Second,
}

// ParseResult is the outcome of parsing one status output.
type ParseResult struct {
	Peers []peerstats.PeerRecord
	// Skipped holds one error per malformed line that was ignored.
	Skipped []error
}

// Parse reads `awg show` output. Blocks are separated by blank lines and
// a block becomes a peer when it has a "peer:" line. Relative handshake
// times are resolved against now. Malformed lines are skipped and reported
// in the result; Parse never fails as a whole.
func Parse(output string, now time.Time) ParseResult {
	var (
		res     ParseResult
		current *peerstats.PeerRecord
	)
	flush := func() {
		if current != nil && current.PeerID != "" {
			res.Peers = append(res.Peers, *current)
		}
		current = nil
	}

	for n, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			res.Skipped = append(res.Skipped, xerrors.Errorf("line %d: no key separator in %q", n+1, line))
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "interface":
			flush()
		case "peer":
			flush()
			current = &peerstats.PeerRecord{PeerID: value}
		}
		if current == nil {
			continue
		}

		switch key {
		case "endpoint":
			current.Endpoint = value
		case "allowed ips":
			current.AllowedIPs = value
		case "latest handshake":
			ts, err := ParseHandshake(value, now)
			if err != nil {
				res.Skipped = append(res.Skipped, xerrors.Errorf("line %d: %w", n+1, err))
				continue
			}
			current.LatestHandshake = ts
		case "transfer":
			received, sent, err := ParseTransfer(value)
			if err != nil {
				res.Skipped = append(res.Skipped, xerrors.Errorf("line %d: %w", n+1, err))
				continue
			}
			current.ReceivedBytes = received
			current.SentBytes = sent
		}
	}
	flush()
	return res
}

// ParseHandshake converts "1 day, 2 hours, 5 seconds ago" into the absolute
// time relative to now. "Now" is now.
func ParseHandshake(value string, now time.Time) (time.Time, error) {
	if strings.EqualFold(value, "now") {
		return now, nil
	}
	matches := durationPart.FindAllStringSubmatch(value, -1)
	if len(matches) == 0 {
		return time.Time{}, xerrors.Errorf("unrecognized handshake %q", value)
	}
	var ago time.Duration
	for _, m := range matches {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, xerrors.Errorf("handshake %q: %w", value, err)
		}
		ago += time.Duration(n) * unitDurations[m[2]]
	}
	return now.Add(-ago), nil
}

// ParseTransfer parses "1.50 MiB received, 3.20 GiB sent".
func ParseTransfer(value string) (received, sent uint64, err error) {
	recvPart, sentPart, ok := strings.Cut(value, ", ")
	if !ok {
		return 0, 0, xerrors.Errorf("transfer %q: expected two parts", value)
	}
	received, err = humanize.ParseBytes(strings.TrimSuffix(recvPart, " received"))
	if err != nil {
		return 0, 0, xerrors.Errorf("transfer received %q: %w", recvPart, err)
	}
	sent, err = humanize.ParseBytes(strings.TrimSuffix(sentPart, " sent"))
	if err != nil {
		return 0, 0, xerrors.Errorf("transfer sent %q: %w", sentPart, err)
	}
	return received, sent, nil
}
