package driver

import (
	"context"
	"encoding/json"
	"time"
)

// decodeHandle unmarshals an opaque Handle into a generic map for field
// access. A nil or empty handle decodes to an empty map.
func decodeHandle(h Handle) (map[string]any, error) {
	if len(h) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(h, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// sleepCtx sleeps for the given number of seconds, returning early with
// ctx.Err() if the context is cancelled first.
func sleepCtx(ctx context.Context, seconds int) error {
	timer := time.NewTimer(time.Duration(seconds) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
