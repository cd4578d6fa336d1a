package tracker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whhaicheng/QTBench/internal/domain/execution"
)

// decodeQueryInfo extracts the fields QTBench needs from a get_query answer.
func decodeQueryInfo(id execution.QueryID, raw map[string]any) (*execution.QueryInfo, error) {
	info := &execution.QueryInfo{ID: id, Raw: raw}

	if v, ok := raw["id"].(string); ok && v != "" {
		info.ID = execution.QueryID(v)
	}

	state, ok := raw["state"].(string)
	if !ok || state == "" {
		return nil, fmt.Errorf("get_query: response for %s has no state", id)
	}
	info.State = execution.QueryState(state)

	if v, ok := raw["engine"].(string); ok {
		info.Engine = v
	}

	var err error
	if info.StartTime, err = parseTime(raw["start_time"]); err != nil {
		return nil, fmt.Errorf("get_query: start_time: %w", err)
	}
	if info.FinishTime, err = parseTime(raw["finish_time"]); err != nil {
		return nil, fmt.Errorf("get_query: finish_time: %w", err)
	}

	info.Error = errorMessage(raw["error"])

	if ann, ok := raw["annotations"].(map[string]any); ok {
		info.Annotations = make(map[string]string, len(ann))
		for k, v := range ann {
			if s, ok := v.(string); ok {
				info.Annotations[k] = s
			} else {
				data, _ := json.Marshal(v)
				info.Annotations[k] = string(data)
			}
		}
	}

	return info, nil
}

func parseTime(v any) (*time.Time, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// errorMessage flattens the error attribute, which is either a string or a
// structured tracker error.
func errorMessage(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case map[string]any:
		msg, _ := e["message"].(string)
		if inner, ok := e["inner_errors"].([]any); ok && len(inner) > 0 {
			if nested := errorMessage(inner[0]); nested != "" {
				msg += ": " + nested
			}
		}
		return msg
	default:
		data, _ := json.Marshal(e)
		return string(data)
	}
}
