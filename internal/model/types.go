package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Vendor string

const (
	VendorIntelbras Vendor = "intelbras"
	VendorHikvision Vendor = "hikvision"
)

type EventType string

const (
	EventIntrusion        EventType = "intrusion"
	EventLineCross        EventType = "line_cross"
	EventRegionEntry      EventType = "region_entry"
	EventLoitering        EventType = "loitering"
	EventFaceMatch        EventType = "face_match"
	EventCameraDisconnect EventType = "camera_disconnect"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

type Weekday string

const (
	Mon Weekday = "mon"
	Tue Weekday = "tue"
	Wed Weekday = "wed"
	Thu Weekday = "thu"
	Fri Weekday = "fri"
	Sat Weekday = "sat"
	Sun Weekday = "sun"
)

var weekdays = [...]Weekday{Sun, Mon, Tue, Wed, Thu, Fri, Sat}

// WeekdayOf maps a time.Weekday onto the configuration vocabulary.
func WeekdayOf(d time.Weekday) Weekday {
	return weekdays[d]
}

func (d Weekday) Valid() bool {
	for _, w := range weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// ClockTime is a minute of the day written as HH:MM.
type ClockTime int

func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid clock time %q: want HH:MM", s)
	}
	h, errH := strconv.Atoi(s[:2])
	m, errM := strconv.Atoi(s[3:])
	if errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q: want HH:MM", s)
	}
	return ClockTime(h*60 + m), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Offset is the duration from local midnight.
func (c ClockTime) Offset() time.Duration {
	return time.Duration(c) * time.Minute
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClockTime(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

type ScheduleWindow struct {
	Days  []Weekday `json:"days" yaml:"days"`
	Start ClockTime `json:"start" yaml:"start"`
	End   ClockTime `json:"end" yaml:"end"`
}

// Overnight reports whether the window wraps past midnight.
func (w ScheduleWindow) Overnight() bool {
	return w.Start > w.End
}

type ActiveSchedule struct {
	Timezone string           `json:"timezone,omitempty" yaml:"timezone"`
	Windows  []ScheduleWindow `json:"windows" yaml:"windows"`
}

type ZonePolicy struct {
	ZoneID               string         `json:"zone_id"`
	SiteID               string         `json:"site_id"`
	CameraIDs            []string       `json:"camera_ids"`
	Severity             Severity       `json:"severity"`
	ActiveSchedule       ActiveSchedule `json:"active_schedule"`
	AlertDestinations    []string       `json:"alert_destinations"`
	SuppressionWindowSec int            `json:"suppression_window_sec"`
	DedupeWindowSec      int            `json:"dedupe_window_sec"`
}

func (z ZonePolicy) SuppressionWindow() time.Duration {
	return time.Duration(z.SuppressionWindowSec) * time.Second
}

func (z ZonePolicy) DedupeWindow() time.Duration {
	return time.Duration(z.DedupeWindowSec) * time.Second
}

type CVEvent struct {
	Vendor       Vendor         `json:"vendor" validate:"required,oneof=intelbras hikvision"`
	EventType    EventType      `json:"event_type" validate:"required,oneof=intrusion line_cross region_entry loitering face_match camera_disconnect"`
	CameraID     string         `json:"camera_id" validate:"required"`
	CameraName   string         `json:"camera_name" validate:"required"`
	ZoneID       string         `json:"zone_id" validate:"required"`
	TimestampUTC time.Time      `json:"timestamp_utc"`
	Confidence   *float64       `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	MediaURL     string         `json:"media_url,omitempty"`
	RawPayload   map[string]any `json:"raw_payload,omitempty"`
}

type Status string

const (
	StatusSent       Status = "sent"
	StatusSuppressed Status = "suppressed"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// Reason strings are a public vocabulary; add new ones, never rename.
const (
	ReasonInvalidPayload        = "invalid_payload"
	ReasonUnknownZone           = "unknown_zone"
	ReasonCameraNotMapped       = "camera_not_mapped_to_zone"
	ReasonOutsideSchedule       = "outside_active_schedule"
	ReasonDedupeWindow          = "dedupe_window"
	ReasonSuppressionWindow     = "suppression_window"
	ReasonNoDeliveryChannel     = "no_delivery_channel_configured"
	ReasonStateStoreUnavailable = "state_store_unavailable"
	// ReasonQueueFull marks a streamed event dropped before any worker saw it.
	ReasonQueueFull = "queue_full"
)

func SendFailedReason(channel string) string {
	return channel + "_send_failed"
}

func TimeoutReason(channel string) string {
	return channel + "_timeout"
}

type Outcome struct {
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
	EventID string `json:"event_id"`
}

// Decision is the persisted record of one processed event.
type Decision struct {
	EventID    string    `json:"event_id"`
	ReceivedAt time.Time `json:"received_at"`
	Event      CVEvent   `json:"event"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Channel    string    `json:"channel,omitempty"`
}

type AlertMessage struct {
	Title          string   `json:"title"`
	Site           string   `json:"site"`
	Zone           string   `json:"zone"`
	Camera         string   `json:"camera"`
	LocalTime      string   `json:"local_time"`
	EventType      string   `json:"event_type"`
	Severity       Severity `json:"severity"`
	ConfidenceText string   `json:"confidence_text"`
	ActionLink     string   `json:"action_link,omitempty"`
	Shift          string   `json:"shift"`
}

type DeliveryAttempt struct {
	EventID     string       `json:"event_id,omitempty"`
	Channel     string       `json:"channel"`
	Destination string       `json:"destination,omitempty"`
	At          time.Time    `json:"at"`
	Success     bool         `json:"success"`
	Error       string       `json:"error,omitempty"`
	Message     AlertMessage `json:"message"`
}

type CameraHeartbeat struct {
	CameraID string    `json:"camera_id"`
	LastSeen time.Time `json:"last_seen"`
}
