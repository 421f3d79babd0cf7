package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/go-faster/errors"
)

// ByType scans path and returns every event whose Type equals eventType, in
// file order. No index is maintained; queries are linear scans.
func ByType(path, eventType string) ([]Event, error) {
	return scan(path, func(e Event) bool { return e.Type == eventType })
}

// ByActor scans path and returns every event whose Actor equals actor. Note
// that PII-shaped actors are hashed at write time, so callers must pass the
// hashed form to match.
func ByActor(path, actor string) ([]Event, error) {
	return scan(path, func(e Event) bool { return e.Actor == actor })
}

// ByTimeRange scans path and returns every event with Timestamp in
// [from, to].
func ByTimeRange(path string, from, to time.Time) ([]Event, error) {
	return scan(path, func(e Event) bool {
		return !e.Timestamp.Before(from) && !e.Timestamp.After(to)
	})
}

func scan(path string, match func(Event) bool) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "audit: open %q", path)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if match(ev) {
			out = append(out, ev)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "audit: scan %q", path)
	}
	return out, nil
}
