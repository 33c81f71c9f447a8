package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Enriched is a validated record with its derived fields. It marshals as
// one flat JSON object: the record fields plus total_amount and
// processed_at.
type Enriched struct {
	Record      Record
	TotalAmount *float64
	ProcessedAt time.Time
}

func (e *Enriched) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	out := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to flatten record: %w", err)
	}
	total, err := json.Marshal(e.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal total_amount: %w", err)
	}
	out["total_amount"] = total
	processed, err := json.Marshal(e.ProcessedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal processed_at: %w", err)
	}
	out["processed_at"] = processed

	return json.Marshal(out)
}
