package store

import "time"

// nowMillis is replaced in tests that need deterministic timestamps.
var nowMillis = func() int64 { return time.Now().UnixMilli() }
