package relay

import "time"

// RawRecord is one unvalidated reading. Values are strings when read from CSV
// and float64 when parsed from the serial link.
type RawRecord map[string]any

// Canonical raw field names. Producers may use aliases, see fieldAliases.
const (
	FieldUserID            = "user_id"
	FieldDeviceID          = "device_id"
	FieldTimestamp         = "timestamp"
	FieldDeviceTimestamp   = "device_timestamp"
	FieldTemperature       = "temperature"
	FieldHumidity          = "humidity"
	FieldHeartRate         = "heart_rate"
	FieldSpO2              = "spo2"
	FieldAccX              = "acc_x"
	FieldAccY              = "acc_y"
	FieldAccZ              = "acc_z"
	FieldGyroX             = "gyro_x"
	FieldGyroY             = "gyro_y"
	FieldGyroZ             = "gyro_z"
	FieldActivity          = "activity"
	FieldPredictedActivity = "predicted_activity"
	FieldConfidence        = "confidence"
)

// NormalizedRow is a reading in the fixed remote-store schema.
type NormalizedRow struct {
	// Identity is the dedup key of the raw record; it is not a column.
	Identity string `json:"-"`

	UserID          string  `json:"user_id"`
	Timestamp       string  `json:"timestamp"`
	Temperature     float64 `json:"temperature"`
	SpO2            int64   `json:"spo2"`
	HeartRate       int64   `json:"heart_rate"`
	AccX            float64 `json:"acc_x"`
	AccY            float64 `json:"acc_y"`
	AccZ            float64 `json:"acc_z"`
	GyroX           float64 `json:"gyro_x"`
	GyroY           float64 `json:"gyro_y"`
	GyroZ           float64 `json:"gyro_z"`
	Humidity        float64 `json:"humidity"`
	Activity        string  `json:"activity"`
	Confidence      float64 `json:"confidence"`
	Source          string  `json:"source"`
	ProcessingStage string  `json:"processing_stage"`
}

// Columns is the remote-store column order, shared by the CSV mirror.
var Columns = []string{
	"user_id", "timestamp", "temperature", "spo2", "heart_rate",
	"acc_x", "acc_y", "acc_z", "gyro_x", "gyro_y", "gyro_z",
	"humidity", "activity", "confidence", "source", "processing_stage",
}

// MirrorRow is the local SQLite copy of a relayed (or attempted) row.
type MirrorRow struct {
	ID              uint   `gorm:"primaryKey"`
	Identity        string `gorm:"index;size:256"`
	UserID          string `gorm:"index;size:128"`
	Timestamp       string `gorm:"size:64"`
	Temperature     float64
	SpO2            int64 `gorm:"column:spo2"`
	HeartRate       int64
	AccX            float64
	AccY            float64
	AccZ            float64
	GyroX           float64
	GyroY           float64
	GyroZ           float64
	Humidity        float64
	Activity        string `gorm:"size:64"`
	Confidence      float64
	Source          string    `gorm:"size:64"`
	ProcessingStage string    `gorm:"size:64"`
	Relayed         bool      `gorm:"index"`
	RelayError      string    `gorm:"type:text"`
	MirroredAt      time.Time `gorm:"index"`
}

func mirrorRowFrom(row NormalizedRow, relayed bool, relayErr string, now time.Time) MirrorRow {
	return MirrorRow{
		Identity:        row.Identity,
		UserID:          row.UserID,
		Timestamp:       row.Timestamp,
		Temperature:     row.Temperature,
		SpO2:            row.SpO2,
		HeartRate:       row.HeartRate,
		AccX:            row.AccX,
		AccY:            row.AccY,
		AccZ:            row.AccZ,
		GyroX:           row.GyroX,
		GyroY:           row.GyroY,
		GyroZ:           row.GyroZ,
		Humidity:        row.Humidity,
		Activity:        row.Activity,
		Confidence:      row.Confidence,
		Source:          row.Source,
		ProcessingStage: row.ProcessingStage,
		Relayed:         relayed,
		RelayError:      relayErr,
		MirroredAt:      now,
	}
}

func (m MirrorRow) normalized() NormalizedRow {
	return NormalizedRow{
		Identity:        m.Identity,
		UserID:          m.UserID,
		Timestamp:       m.Timestamp,
		Temperature:     m.Temperature,
		SpO2:            m.SpO2,
		HeartRate:       m.HeartRate,
		AccX:            m.AccX,
		AccY:            m.AccY,
		AccZ:            m.AccZ,
		GyroX:           m.GyroX,
		GyroY:           m.GyroY,
		GyroZ:           m.GyroZ,
		Humidity:        m.Humidity,
		Activity:        m.Activity,
		Confidence:      m.Confidence,
		Source:          m.Source,
		ProcessingStage: m.ProcessingStage,
	}
}
