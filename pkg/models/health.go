package models

// HealthSnapshotVersion tags the key vocabulary produced by the health parser
const HealthSnapshotVersion = 1

// Snapshot keys that callers commonly read
const (
	SnapshotKeyVersion   = "snapshot_version"
	SnapshotKeyXIDErrors = "xid_errors"
)

// GPUHealthSnapshot is a flat decode of one nvidia-smi -q query.
// Values are string, float64, int (snapshot_version) or []string (xid_errors).
// Keys the parser never saw are absent, never zero.
type GPUHealthSnapshot map[string]any

// Float returns a numeric field and whether it was present
func (s GPUHealthSnapshot) Float(key string) (float64, bool) {
	v, ok := s[key].(float64)
	return v, ok
}

// String returns a string field and whether it was present
func (s GPUHealthSnapshot) String(key string) (string, bool) {
	v, ok := s[key].(string)
	return v, ok
}

// XIDErrors returns the raw XID lines captured, possibly nil
func (s GPUHealthSnapshot) XIDErrors() []string {
	v, _ := s[SnapshotKeyXIDErrors].([]string)
	return v
}

// Version returns the snapshot schema version
func (s GPUHealthSnapshot) Version() int {
	v, _ := s[SnapshotKeyVersion].(int)
	return v
}
