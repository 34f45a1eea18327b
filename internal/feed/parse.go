package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"iplug/internal/model"
)

var ErrMalformedFeed = errors.New("feed: malformed document")

// Parse decodes a feed document. The top level is an array whose elements
// are either events or venue groups ({venueName, location, events}). Events
// inside a group take the group's venueName and location.
func Parse(body []byte) ([]model.Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedFeed)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
	}

	events := make([]model.Event, 0, len(items))
	for i, raw := range items {
		var probe struct {
			Events json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedFeed, i, err)
		}
		if len(probe.Events) == 0 {
			var ev model.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedFeed, i, err)
			}
			events = append(events, ev)
			continue
		}

		var g model.VenueGroup
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("%w: group %d: %v", ErrMalformedFeed, i, err)
		}
		for _, ev := range g.Events {
			ev.VenueName = g.VenueName
			ev.Location = g.Location
			events = append(events, ev)
		}
	}
	return events, nil
}
