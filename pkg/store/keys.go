package store

// Keys builds Redis key names. Every per-session key embeds the session id so
// that listing and purging never need a KEYS scan.
type Keys struct {
	prefix string
}

// Session is the hash holding budget, spent, reserved and state fields.
func (k Keys) Session(id string) string { return k.prefix + "session:" + id }

// Holds maps reservation handle ids to their held estimate.
func (k Keys) Holds(id string) string { return k.Session(id) + ":holds" }

// Deadlines orders reservation handle ids by the time they must be settled.
func (k Keys) Deadlines(id string) string { return k.Session(id) + ":deadlines" }

// Settled marks a handle id as committed or refunded.
func (k Keys) Settled(id, handle string) string { return k.Session(id) + ":settled:" + handle }

// Sessions is the set of all known session ids.
func (k Keys) Sessions() string { return k.prefix + "sessions" }

// Requests is the sorted set of recent request timestamps.
func (k Keys) Requests(id string) string { return k.prefix + "anomaly:" + id + ":requests" }

// Fingerprints is the list of the most recent request fingerprints.
func (k Keys) Fingerprints(id string) string { return k.prefix + "anomaly:" + id + ":fingerprints" }

// Spend is the sorted set of recent committed-cost events.
func (k Keys) Spend(id string) string { return k.prefix + "anomaly:" + id + ":spend" }
