package models

// Reachability is the coarse network connectivity class. It drives the
// engine's concurrency cap.
type Reachability int

const (
	// NotReachable means no network path to the host. Nothing is admitted.
	NotReachable Reachability = iota

	// ReachableViaWWAN is a cellular-class connection.
	ReachableViaWWAN

	// ReachableViaWiFi is a WiFi-class connection.
	ReachableViaWiFi
)

func (r Reachability) String() string {
	switch r {
	case NotReachable:
		return "none"
	case ReachableViaWWAN:
		return "wwan"
	case ReachableViaWiFi:
		return "wifi"
	default:
		return "unknown"
	}
}
