package idempotency

import "encoding/json"

func encodeEntry(e entry) []byte {
	b, _ := json.Marshal(e) // entry is a plain struct; Marshal cannot fail here
	return b
}

func decodeEntry(b []byte) (entry, error) {
	var e entry
	err := json.Unmarshal(b, &e)
	return e, err
}
