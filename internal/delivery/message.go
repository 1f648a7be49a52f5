package delivery

import (
	"fmt"
	"strings"
	"time"

	"ezwatch/internal/model"
)

const localTimeLayout = "2006-01-02 15:04:05 MST"

func NewMessage(eventID string, alert model.AlertMessage) Message {
	return Message{EventID: eventID, Alert: alert, Text: RenderText(alert)}
}

// BuildAlert localizes an accepted event for humans.
func BuildAlert(ev model.CVEvent, policy model.ZonePolicy, loc *time.Location) model.AlertMessage {
	local := ev.TimestampUTC.In(loc)
	confidence := "n/a"
	if ev.Confidence != nil {
		confidence = fmt.Sprintf("%.0f%%", *ev.Confidence*100)
	}
	return model.AlertMessage{
		Title:          Title(ev.EventType) + " detected",
		Site:           policy.SiteID,
		Zone:           policy.ZoneID,
		Camera:         ev.CameraName,
		LocalTime:      local.Format(localTimeLayout),
		EventType:      string(ev.EventType),
		Severity:       policy.Severity,
		ConfidenceText: confidence,
		ActionLink:     ev.MediaURL,
		Shift:          Shift(local),
	}
}

// OfflineAlert describes a camera that stopped sending heartbeats. policy is
// nil when the camera belongs to no zone.
func OfflineAlert(cameraID string, policy *model.ZonePolicy, lastSeen time.Time, loc *time.Location) model.AlertMessage {
	local := lastSeen.In(loc)
	a := model.AlertMessage{
		Title:          "Camera offline",
		Site:           "unknown",
		Zone:           "unknown",
		Camera:         cameraID,
		LocalTime:      local.Format(localTimeLayout),
		EventType:      string(model.EventCameraDisconnect),
		Severity:       model.SeverityHigh,
		ConfidenceText: "n/a",
		Shift:          Shift(local),
	}
	if policy != nil {
		a.Site = policy.SiteID
		a.Zone = policy.ZoneID
		a.Severity = policy.Severity
	}
	return a
}

func RenderText(a model.AlertMessage) string {
	lines := []string{
		"[EZ-WATCH] " + a.Title,
		"Site: " + a.Site,
		"Zone: " + a.Zone,
		"Camera: " + a.Camera,
		"Time: " + a.LocalTime,
		"Event: " + a.EventType,
		"Severity: " + string(a.Severity),
		"Confidence: " + a.ConfidenceText,
		"Shift: " + a.Shift,
	}
	if a.ActionLink != "" {
		lines = append(lines, "Media: "+a.ActionLink)
	}
	return strings.Join(lines, "\n")
}

func Shift(local time.Time) string {
	switch h := local.Hour(); {
	case h >= 6 && h < 14:
		return "morning"
	case h >= 14 && h < 22:
		return "afternoon"
	default:
		return "night"
	}
}

// Title turns "line_cross" into "Line Cross".
func Title(t model.EventType) string {
	words := strings.Split(string(t), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
