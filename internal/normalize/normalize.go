// Package normalize turns raw CV event payloads into validated model events.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"ezwatch/internal/model"
)

var ErrInvalidEvent = errors.New("invalid event")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// wireEvent mirrors model.CVEvent but keeps the timestamp raw so both ISO
// strings and unix numbers are accepted.
type wireEvent struct {
	Vendor       model.Vendor    `json:"vendor"`
	EventType    model.EventType `json:"event_type"`
	CameraID     string          `json:"camera_id"`
	CameraName   string          `json:"camera_name"`
	ZoneID       string          `json:"zone_id"`
	TimestampUTC json.RawMessage `json:"timestamp_utc"`
	Confidence   *float64        `json:"confidence"`
	MediaURL     *string         `json:"media_url"`
	RawPayload   map[string]any  `json:"raw_payload"`
}

// Decode parses and validates a CV event. Unknown fields are rejected.
func Decode(data []byte) (model.CVEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w wireEvent
	if err := dec.Decode(&w); err != nil {
		return model.CVEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ts, err := parseRawTimestamp(w.TimestampUTC)
	if err != nil {
		return model.CVEvent{}, fmt.Errorf("%w: timestamp_utc: %v", ErrInvalidEvent, err)
	}
	ev := model.CVEvent{
		Vendor:       w.Vendor,
		EventType:    w.EventType,
		CameraID:     w.CameraID,
		CameraName:   w.CameraName,
		ZoneID:       w.ZoneID,
		TimestampUTC: ts,
		Confidence:   w.Confidence,
		RawPayload:   w.RawPayload,
	}
	if w.MediaURL != nil {
		ev.MediaURL = *w.MediaURL
	}
	if ev.RawPayload == nil {
		ev.RawPayload = map[string]any{}
	}
	if err := Validate(ev); err != nil {
		return model.CVEvent{}, err
	}
	return ev, nil
}

// Validate checks an event built elsewhere (for instance by a caller that
// decoded it itself).
func Validate(ev model.CVEvent) error {
	if err := validatorInstance().Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s", ErrInvalidEvent, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.TimestampUTC.IsZero() {
		return fmt.Errorf("%w: timestamp_utc is required", ErrInvalidEvent)
	}
	return nil
}

func parseRawTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, errors.New("missing")
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, err
		}
		ts, err := ParseTimestamp(str, time.UTC)
		if err != nil {
			return time.Time{}, err
		}
		return ts.UTC(), nil
	}
	if isNumeric(s) {
		return parseUnix(s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported timestamp %s", s)
	}
	if f >= 1e12 {
		f /= 1000
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// ParseTimestamp accepts ISO-8601 variants and unix seconds or milliseconds.
// Values without an offset are read in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
