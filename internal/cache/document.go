package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved document fields. Everything else belongs to the payload.
const (
	fieldStation   = "stn"
	fieldUpdatedAt = "updatedAt"
	fieldTimestamp = "timestamp"
	fieldMongoID   = "_id"
)

// toDocument flattens rec into {stn, ...payload, updatedAt[, timestamp]}.
func toDocument(rec Record) (map[string]interface{}, error) {
	doc := make(map[string]interface{})
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &doc); err != nil {
			return nil, fmt.Errorf("payload is not a JSON object: %w", err)
		}
	}
	doc[fieldStation] = rec.Station
	delete(doc, fieldUpdatedAt)
	delete(doc, fieldTimestamp)
	if !rec.UpdatedAt.IsZero() {
		doc[fieldUpdatedAt] = rec.UpdatedAt
	}
	if !rec.Timestamp.IsZero() {
		doc[fieldTimestamp] = rec.Timestamp
	}
	return doc, nil
}

// fromDocument is the inverse of toDocument. stn stays in the payload as well, since
// payload types such as the daily summary carry it. Timestamp fields may be time.Time
// or RFC 3339 strings; anything else is treated as absent.
func fromDocument(doc map[string]interface{}) (Record, error) {
	var rec Record
	payload := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		switch k {
		case fieldStation:
			n, ok := toInt(v)
			if !ok {
				return Record{}, fmt.Errorf("field %s: unexpected type %T", fieldStation, v)
			}
			rec.Station = n
			payload[k] = n
		case fieldUpdatedAt:
			rec.UpdatedAt = toTime(v)
		case fieldTimestamp:
			rec.Timestamp = toTime(v)
		case fieldMongoID:
		default:
			payload[k] = v
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode payload: %w", err)
	}
	rec.Payload = raw
	return rec, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	}
	return time.Time{}
}

// marshalRecord encodes rec as a flat JSON document for key-value backends.
func marshalRecord(rec Record) ([]byte, error) {
	doc, err := toDocument(rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// unmarshalRecord decodes a flat JSON document written by marshalRecord.
func unmarshalRecord(data []byte) (Record, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return fromDocument(doc)
}
