package relay

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Provenance tags for the two built-in sources.
const (
	SourceMLPipeline = "ml_pipeline"
	SourceLoRaSerial = "lora_serial"

	StageLabeled = "ml_labeled"
	StageRaw     = "raw"
)

// fieldAliases lists accepted raw keys per canonical field, most preferred first.
var fieldAliases = map[string][]string{
	FieldUserID:      {FieldUserID, FieldDeviceID, "user", "device"},
	FieldTimestamp:   {FieldDeviceTimestamp, FieldTimestamp, "ts", "time"},
	FieldTemperature: {FieldTemperature, "temp", "T"},
	FieldHumidity:    {FieldHumidity, "hum", "H"},
	FieldHeartRate:   {FieldHeartRate, "hr", "HR"},
	FieldSpO2:        {FieldSpO2, "SpO2", "spO2"},
	FieldAccX:        {FieldAccX, "ax", "accel_x"},
	FieldAccY:        {FieldAccY, "ay", "accel_y"},
	FieldAccZ:        {FieldAccZ, "az", "accel_z"},
	FieldGyroX:       {FieldGyroX, "gx"},
	FieldGyroY:       {FieldGyroY, "gy"},
	FieldGyroZ:       {FieldGyroZ, "gz"},
	FieldActivity:    {FieldPredictedActivity, FieldActivity, "label"},
	FieldConfidence:  {FieldConfidence, "score"},
}

// Normalizer maps raw records into NormalizedRow. Source and Stage are fixed
// when the normalizer is built.
type Normalizer struct {
	Source string
	Stage  string
	Now    func() time.Time
}

func NewNormalizer(source, stage string) *Normalizer {
	return &Normalizer{Source: source, Stage: stage, Now: time.Now}
}

// Normalize never fails: every missing or unparsable field takes its default.
func (n *Normalizer) Normalize(rec RawRecord) NormalizedRow {
	row := NormalizedRow{
		Identity:        Identity(rec),
		UserID:          n.text(rec, FieldUserID, UnknownValue),
		Temperature:     n.real(rec, FieldTemperature),
		SpO2:            n.integer(rec, FieldSpO2),
		HeartRate:       n.integer(rec, FieldHeartRate),
		AccX:            n.real(rec, FieldAccX),
		AccY:            n.real(rec, FieldAccY),
		AccZ:            n.real(rec, FieldAccZ),
		GyroX:           n.real(rec, FieldGyroX),
		GyroY:           n.real(rec, FieldGyroY),
		GyroZ:           n.real(rec, FieldGyroZ),
		Humidity:        n.real(rec, FieldHumidity),
		Activity:        n.text(rec, FieldActivity, UnknownValue),
		Confidence:      n.real(rec, FieldConfidence),
		Source:          n.Source,
		ProcessingStage: n.Stage,
	}
	row.Timestamp = n.text(rec, FieldTimestamp, "")
	if row.Timestamp == "" {
		now := time.Now
		if n.Now != nil {
			now = n.Now
		}
		row.Timestamp = now().UTC().Format(time.RFC3339Nano)
	}
	return row
}

// NormalizeAll keeps input order.
func (n *Normalizer) NormalizeAll(recs []RawRecord) []NormalizedRow {
	out := make([]NormalizedRow, 0, len(recs))
	for _, rec := range recs {
		out = append(out, n.Normalize(rec))
	}
	return out
}

func (n *Normalizer) lookup(rec RawRecord, field string) (any, bool) {
	for _, k := range fieldAliases[field] {
		if v, ok := rec[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v, true
		}
	}
	return nil, false
}

func (n *Normalizer) text(rec RawRecord, field string, fallback string) string {
	v, ok := n.lookup(rec, field)
	if !ok {
		return fallback
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return fallback
	}
	return s
}

func (n *Normalizer) real(rec RawRecord, field string) float64 {
	v, ok := n.lookup(rec, field)
	if !ok {
		return 0
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func (n *Normalizer) integer(rec RawRecord, field string) int64 {
	v, ok := n.lookup(rec, field)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int64(math.Round(f))
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
