package core

import "time"

// Platform identifies one of the supported streaming services.
type Platform string

const (
	PlatformChzzk Platform = "chzzk"
	PlatformSoop  Platform = "soop"
)

// Platforms lists every supported platform in a stable order.
func Platforms() []Platform {
	return []Platform{PlatformChzzk, PlatformSoop}
}

// BroadcastListing is one live channel as seen on a discovery tick. It is
// ephemeral: used for ranking and reconciliation, never persisted verbatim.
type BroadcastListing struct {
	Platform     Platform
	ChannelID    string
	BroadcastID  string
	StreamerID   string
	Nickname     string
	Title        string
	CategoryID   string
	CategoryName string
	ViewerCount  int
	ThumbnailURL string
	StartedAt    time.Time
}

// EventType classifies a normalized live event.
type EventType string

const (
	EventChat      EventType = "chat"
	EventDonation  EventType = "donation"
	EventSubscribe EventType = "subscribe"
	EventFollow    EventType = "follow"
)

// Event is the unified structure written to the analytical store. ID is the
// platform-native event id (or composed) and is the idempotent dedupe key.
type Event struct {
	ID              string
	Type            EventType
	Platform        Platform
	ActorPersonID   int64
	TargetChannelID string
	TargetPersonID  int64
	Amount          int64
	Currency        string
	DonationType    string
	Message         string
	Ts              time.Time
}

// Person is a unified identity across streamers and viewers, keyed by
// (platform, normalized user id). Never deleted; updated opportunistically.
type Person struct {
	ID              int64
	Platform        Platform
	UserID          string
	Nickname        string
	ProfileImage    string
	ChannelID       string // set for streamers
	FollowerCount   int
	SubscriberCount int
	TotalAirMinutes int
	FirstSeen       time.Time
	LastSeen        time.Time
}

// BroadcastSession is one continuous on-air period under a single category.
// RootSessionID is zero for the first segment of a continuous watch and points
// to that first segment's id for every later segment created by a category
// change.
type BroadcastSession struct {
	ID                  int64
	Platform            Platform
	ChannelID           string
	BroadcastID         string
	CategoryID          string
	CategoryName        string
	BroadcasterPersonID int64
	Title               string
	CurrentViewers      int
	PeakViewers         int
	AvgViewers          float64
	ChatCount           int64
	DonationAmount      int64
	IsLive              bool
	RootSessionID       int64
	StartedAt           time.Time
	EndedAt             time.Time
	DurationMinutes     int
}

// Category is low-churn platform metadata, refreshed at most once per
// platform per day.
type Category struct {
	Platform     Platform
	CategoryID   string
	Name         string
	Type         string
	ThumbnailURL string
	RefreshedAt  time.Time
}
