package model

import "time"

// ScheduleEntry is one unit of work or absence on a monitor's calendar,
// as stored in the local cache. RemoteID is the portal's stable id ("ih").
type ScheduleEntry struct {
	RemoteID int64

	// Raw vendor tokens as received, e.g. "/Date(1741158000000+0100)/".
	StartRaw string
	EndRaw   string

	// StartAt / EndAt are the decoded instants in the reference zone.
	// Nil when the raw token could not be decoded.
	StartAt *time.Time
	EndAt   *time.Time

	PostCode  string
	PostLabel string

	// IsAbsence is computed once during normalization and stored.
	IsAbsence bool

	Location       *string
	Activity       *string
	Level          *string
	Language       *string
	StudentCount   *int
	Comment        *string
	MonitorComment *string
	ModifiedRaw    *string

	SyncedAt time.Time
}

// Title is the label shown for the entry in calendar views.
func (e ScheduleEntry) Title() string {
	if e.PostLabel != "" {
		return e.PostLabel
	}
	return e.PostCode
}

// SyncIntervals lists the accepted values for SyncPolicy.SyncIntervalMinutes.
// Zero means manual: the periodic trigger is never armed.
var SyncIntervals = []int{0, 15, 30, 60}

// BatteryFloorPercent is the fixed battery floor honored when
// SyncPolicy.RespectBatteryFloor is set.
const BatteryFloorPercent = 15

// SyncPolicy is the persisted user configuration for background sync.
type SyncPolicy struct {
	SyncIntervalMinutes int `yaml:"sync_interval_minutes" json:"sync_interval_minutes"`

	// Allowed hour range, inclusive on both ends, 0-23.
	StartHour int `yaml:"start_hour" json:"start_hour"`
	EndHour   int `yaml:"end_hour" json:"end_hour"`

	WifiOnly             bool `yaml:"wifi_only" json:"wifi_only"`
	RespectBatteryFloor  bool `yaml:"respect_battery_floor" json:"respect_battery_floor"`
	NotificationsEnabled bool `yaml:"notifications_enabled" json:"notifications_enabled"`

	// LastSyncAt is only written by a successful cycle.
	LastSyncAt time.Time `yaml:"last_sync_at,omitempty" json:"last_sync_at"`
}

// DefaultSyncPolicy mirrors the first-run defaults of the mobile client.
func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		SyncIntervalMinutes:  15,
		StartHour:            7,
		EndHour:              20,
		WifiOnly:             false,
		RespectBatteryFloor:  true,
		NotificationsEnabled: true,
	}
}

// SessionCredentials is the artifact produced by the external login flow.
type SessionCredentials struct {
	// Identity is the monitor id sent in idTecMoniteurList.
	Identity string `yaml:"identity" json:"identity"`
	// SessionToken is the captured portal cookie header value.
	SessionToken string `yaml:"session_token" json:"-"`
}
