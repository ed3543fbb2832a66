package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const ReportTimeLayout = "2006-01-02 15:04:05"

type EventCategory string

const (
	CategoryEyeRubFirstHand  EventCategory = "frotamiento_ojos_primera_mano"
	CategoryEyeRubSecondHand EventCategory = "frotamiento_ojos_segunda_mano"
	CategoryBlink            EventCategory = "parpadeo"
	CategoryMicrosleep       EventCategory = "microsueno"
	CategoryHeadTilt         EventCategory = "inclinacion"
	CategoryYawn             EventCategory = "bostezo"
)

// Categories lists every reported event in wire order.
var Categories = []EventCategory{
	CategoryEyeRubFirstHand,
	CategoryEyeRubSecondHand,
	CategoryBlink,
	CategoryMicrosleep,
	CategoryHeadTilt,
	CategoryYawn,
}

type EventSummary struct {
	Detected  bool     `json:"reporte"`
	Count     int      `json:"conteo"`
	Durations []string `json:"duraciones,omitempty"`
}

type DrowsinessReport struct {
	Timestamp        string       `json:"marca_tiempo"`
	EyeRubFirstHand  EventSummary `json:"frotamiento_ojos_primera_mano"`
	EyeRubSecondHand EventSummary `json:"frotamiento_ojos_segunda_mano"`
	Blink            EventSummary `json:"parpadeo"`
	Microsleep       EventSummary `json:"microsueno"`
	HeadTilt         EventSummary `json:"inclinacion"`
	Yawn             EventSummary `json:"bostezo"`
}

func (r *DrowsinessReport) Event(category EventCategory) (EventSummary, bool) {
	switch category {
	case CategoryEyeRubFirstHand:
		return r.EyeRubFirstHand, true
	case CategoryEyeRubSecondHand:
		return r.EyeRubSecondHand, true
	case CategoryBlink:
		return r.Blink, true
	case CategoryMicrosleep:
		return r.Microsleep, true
	case CategoryHeadTilt:
		return r.HeadTilt, true
	case CategoryYawn:
		return r.Yawn, true
	}
	return EventSummary{}, false
}

// Alerts returns the categories whose event fired in this window.
func (r *DrowsinessReport) Alerts() []EventCategory {
	var alerts []EventCategory
	for _, category := range Categories {
		if event, _ := r.Event(category); event.Detected {
			alerts = append(alerts, category)
		}
	}
	return alerts
}

// Consistent checks that every category reports detected exactly when its
// count is positive. The stream does not enforce this; it is a property of
// what the backend sends.
func (r *DrowsinessReport) Consistent() []error {
	var problems []error
	for _, category := range Categories {
		event, _ := r.Event(category)
		if event.Count < 0 {
			problems = append(problems, fmt.Errorf("%s: negative count %d", category, event.Count))
			continue
		}
		if event.Detected != (event.Count > 0) {
			problems = append(problems, fmt.Errorf("%s: reporte=%t with conteo=%d", category, event.Detected, event.Count))
		}
	}
	return problems
}

func (r *DrowsinessReport) Time() (time.Time, error) {
	return time.ParseInLocation(ReportTimeLayout, r.Timestamp, time.Local)
}

// StreamMessage is one inbound message of the monitoring stream.
type StreamMessage struct {
	Report   DrowsinessReport `json:"reporte_json"`
	Sketch   string           `json:"imagen_bosquejo"`
	Original string           `json:"imagen_original"`
	Error    string           `json:"error,omitempty"`
}

// wireMessage also carries the English keys the inference service emits.
type wireMessage struct {
	Report   *DrowsinessReport `json:"reporte_json"`
	Sketch   *string           `json:"imagen_bosquejo"`
	Original *string           `json:"imagen_original"`
	Error    string            `json:"error"`

	JSONReport    *DrowsinessReport `json:"json_report"`
	SketchImage   *string           `json:"sketch_image"`
	OriginalImage *string           `json:"original_image"`
}

func (m *StreamMessage) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*m = StreamMessage{Error: wire.Error}
	switch {
	case wire.Report != nil:
		m.Report = *wire.Report
	case wire.JSONReport != nil:
		m.Report = *wire.JSONReport
	}
	m.Sketch = firstString(wire.Sketch, wire.SketchImage)
	m.Original = firstString(wire.Original, wire.OriginalImage)
	return nil
}

func firstString(values ...*string) string {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return ""
}

func (m *StreamMessage) SketchImage() ([]byte, error) {
	return DecodeImage(m.Sketch)
}

func (m *StreamMessage) OriginalImage() ([]byte, error) {
	return DecodeImage(m.Original)
}

// WithoutImages returns a copy with both image payloads stripped.
func (m StreamMessage) WithoutImages() StreamMessage {
	m.Sketch = ""
	m.Original = ""
	return m
}

// DecodeImage decodes a base64 image payload, with or without a data URL
// prefix.
func DecodeImage(payload string) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("empty image payload")
	}
	if strings.HasPrefix(payload, "data:") {
		idx := strings.Index(payload, ",")
		if idx < 0 {
			return nil, fmt.Errorf("invalid data URL format")
		}
		payload = payload[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return data, nil
}
