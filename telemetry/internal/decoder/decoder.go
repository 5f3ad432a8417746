package decoder

import (
	"context"
	"encoding/json"
	"fmt"

	decoderclient "wind-telemetry-platform/shared/clients/decoder"
	"wind-telemetry-platform/telemetry/internal/records"
)

// Decoder turns one vendor file into typed records of the given kind.
type Decoder interface {
	Decode(ctx context.Context, path string, kind records.Kind) (records.Set, error)
}

type remote interface {
	Decode(ctx context.Context, req decoderclient.DecodeRequest) (decoderclient.DecodeResponse, error)
}

// Remote adapts the decoder service client to Decoder.
type Remote struct {
	client remote
}

func NewRemote(client *decoderclient.Client) *Remote {
	return &Remote{client: client}
}

func (d *Remote) Decode(ctx context.Context, path string, kind records.Kind) (records.Set, error) {
	resp, err := d.client.Decode(ctx, decoderclient.DecodeRequest{Path: path, Kind: string(kind)})
	if err != nil {
		return records.Set{}, err
	}
	if resp.Kind != "" && resp.Kind != string(kind) {
		return records.Set{}, fmt.Errorf("decoder answered kind %s for %s", resp.Kind, kind)
	}
	return Unmarshal(kind, resp.Records)
}

// Unmarshal decodes a JSON array of rows into the family slice of kind.
func Unmarshal(kind records.Kind, raw json.RawMessage) (records.Set, error) {
	spec, err := records.Lookup(kind)
	if err != nil {
		return records.Set{}, err
	}
	set := records.Set{Kind: kind}
	if len(raw) == 0 || string(raw) == "null" {
		return set, nil
	}
	var target any
	switch spec.Family {
	case records.FamilyPower:
		target = &set.Power
	case records.FamilyAvailability:
		target = &set.Availability
	case records.FamilySummary:
		target = &set.Summaries
	case records.FamilyEvent:
		target = &set.Events
	case records.FamilyWind:
		target = &set.Wind
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return records.Set{}, fmt.Errorf("decode %s records: %w", kind, err)
	}
	return set, nil
}
