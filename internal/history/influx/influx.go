package influx

import (
	"context"
	"fmt"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/loykin/procd/internal/history"
)

const measurement = "procd_event"

// Sink writes one point per event into an InfluxDB v2 bucket.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// New creates a sink writing to org/bucket at serverURL.
func New(serverURL, token, org, bucket string) *Sink {
	client := influxdb2.NewClient(serverURL, token)
	return &Sink{client: client, writeAPI: client.WriteAPIBlocking(org, bucket)}
}

// Point converts an event to its line-protocol point.
func Point(e history.Event) *write.Point {
	tags := map[string]string{
		"role": e.Role,
		"type": string(e.Type),
	}
	fields := map[string]interface{}{
		"pid": e.PID,
	}
	if e.RunID != "" {
		fields["run_id"] = e.RunID
	}
	if e.Detail != "" {
		fields["detail"] = e.Detail
		if code, err := strconv.Atoi(e.Detail); err == nil && e.Type == history.EventExit {
			fields["exit_code"] = code
		}
	}
	return write.NewPoint(measurement, tags, fields, e.OccurredAt)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := s.writeAPI.WritePoint(ctx, Point(e)); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
