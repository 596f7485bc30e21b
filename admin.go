package rabbitevh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/glimte/rabbitevh/contracts"
)

// Admin request error codes
const (
	ErrorInvalidRequest = 411
	ErrorMissingElement = 412
	ErrorInvalidElement = 413
	ErrorUnknown        = 499
)

// Response answers an admin request: either Result is 200 or ErrorCode and
// Error are set.
type Response struct {
	Result    int    `json:"result,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

func errorResponse(code int, format string, args ...interface{}) Response {
	return Response{ErrorCode: code, Error: fmt.Sprintf(format, args...)}
}

// HandleRequest applies an admin request. The only request understood is
// {"request":"tweak","events":"<mask>","grouping":<bool>}, both settings
// optional. Nothing is changed unless the whole request is valid.
func (r *Relay) HandleRequest(request []byte) (Response, error) {
	if r.closing.Load() {
		return Response{}, ErrClosed
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(request, &fields); err != nil || fields == nil {
		return errorResponse(ErrorInvalidElement, "Invalid JSON object"), nil
	}

	raw, ok := fields["request"]
	if !ok {
		return errorResponse(ErrorMissingElement, "Missing mandatory element (request)"), nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return errorResponse(ErrorInvalidElement, "Invalid element type (request should be a string)"), nil
	}

	if !strings.EqualFold(name, "tweak") {
		r.logger.Debug("unknown admin request", "request", name)
		return errorResponse(ErrorInvalidRequest, "Unknown request '%s'", name), nil
	}
	return r.tweak(fields), nil
}

func (r *Relay) tweak(fields map[string]json.RawMessage) Response {
	var (
		mask     contracts.EventType
		setMask  bool
		grouping bool
		setGroup bool
	)

	if raw, ok := fields["events"]; ok {
		var spec string
		if err := json.Unmarshal(raw, &spec); err != nil {
			return errorResponse(ErrorInvalidElement, "Invalid element type (events should be a string)")
		}
		parsed, err := contracts.ParseMask(spec)
		if err != nil {
			return errorResponse(ErrorInvalidElement, "Invalid element (events): %v", err)
		}
		mask, setMask = parsed, true
	}

	if raw, ok := fields["grouping"]; ok {
		switch string(bytes.TrimSpace(raw)) {
		case "true":
			grouping = true
		case "false":
			grouping = false
		default:
			return errorResponse(ErrorInvalidElement, "Invalid element type (grouping should be a boolean)")
		}
		setGroup = true
	}

	if setMask {
		r.mask.Store(mask)
	}
	if setGroup {
		r.grouping.Store(grouping)
	}
	r.logger.Info("settings tweaked",
		"events", r.mask.Load(),
		"grouping", r.grouping.Load())
	return Response{Result: 200}
}
