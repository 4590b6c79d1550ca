package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/option"
)

// rowInserter is the part of *bigquery.Inserter the sink uses.
type rowInserter interface {
	Put(ctx context.Context, src interface{}) error
}

// BigQuerySink streams each batch into one table with a single insertAll call.
type BigQuerySink struct {
	table    string
	client   *bigquery.Client
	inserter rowInserter
	logger   *slog.Logger
}

func NewBigQuerySink(ctx context.Context, cfg BigQueryConfig, logger *slog.Logger) (*BigQuerySink, error) {
	if strings.TrimSpace(cfg.Project) == "" {
		return nil, fmt.Errorf("bigquery project is required")
	}
	if strings.TrimSpace(cfg.Dataset) == "" || strings.TrimSpace(cfg.Table) == "" {
		return nil, fmt.Errorf("bigquery dataset and table are required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if !fileExists(cfg.CredentialsFile) {
			return nil, fmt.Errorf("bigquery credentials file not found: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery client: %w", err)
	}
	ins := client.Dataset(cfg.Dataset).Table(cfg.Table).Inserter()
	return &BigQuerySink{
		table:    fmt.Sprintf("%s.%s.%s", cfg.Project, cfg.Dataset, cfg.Table),
		client:   client,
		inserter: ins,
		logger:   logger,
	}, nil
}

func (s *BigQuerySink) Name() string { return "bigquery:" + s.table }

func (s *BigQuerySink) Submit(ctx context.Context, rows []NormalizedRow) error {
	if len(rows) == 0 {
		return nil
	}
	savers := make([]bigquery.ValueSaver, 0, len(rows))
	for _, r := range rows {
		savers = append(savers, bqRow(r))
	}
	err := s.inserter.Put(ctx, savers)
	if err == nil {
		return nil
	}

	var multi bigquery.PutMultiError
	if errors.As(err, &multi) {
		for i, rowErr := range multi {
			if i >= 5 {
				break
			}
			s.logger.Error("bigquery row rejected",
				"table", s.table,
				"row_index", rowErr.RowIndex,
				"insert_id", rowErr.InsertID,
				"error", rowErr.Errors.Error(),
			)
		}
		return fmt.Errorf("bigquery insert %s: %d of %d rows rejected", s.table, len(multi), len(rows))
	}
	return fmt.Errorf("bigquery insert %s: %w", s.table, err)
}

func (s *BigQuerySink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// bqRow maps a NormalizedRow onto the table columns. The identity doubles as
// the best-effort insert id.
type bqRow NormalizedRow

func (r bqRow) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"user_id":          r.UserID,
		"timestamp":        r.Timestamp,
		"temperature":      r.Temperature,
		"spo2":             r.SpO2,
		"heart_rate":       r.HeartRate,
		"acc_x":            r.AccX,
		"acc_y":            r.AccY,
		"acc_z":            r.AccZ,
		"gyro_x":           r.GyroX,
		"gyro_y":           r.GyroY,
		"gyro_z":           r.GyroZ,
		"humidity":         r.Humidity,
		"activity":         r.Activity,
		"confidence":       r.Confidence,
		"source":           r.Source,
		"processing_stage": r.ProcessingStage,
	}, r.Identity, nil
}
