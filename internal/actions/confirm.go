package actions

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/optimistic"
	"github.com/hyperengineering/tally/internal/types"
)

// Confirm turns the report totals in a command response into cache updates.
// Only reports the mutation touched are updated. It is meant for
// optimistic.WithConfirmation.
func Confirm(m optimistic.Mutation, response json.RawMessage) ([]cache.Update, error) {
	var body types.ReportTotals
	if err := json.Unmarshal(response, &body); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", m.Command, err)
	}
	if len(body.Totals) == 0 {
		return nil, nil
	}

	touched := make(map[string]struct{}, len(m.Keys))
	for _, k := range m.Keys {
		touched[k] = struct{}{}
	}
	ids := make([]string, 0, len(body.Totals))
	for id := range body.Totals {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var updates []cache.Update
	for _, id := range ids {
		key := types.Key(types.CollectionReport, id)
		if _, ok := touched[key]; !ok {
			continue
		}
		updates = append(updates, cache.MergeUpdate(key, map[string]any{"total": body.Totals[id]}))
	}
	return updates, nil
}
