package httpclient

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Frame is one stack frame found in an error body.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
}

// Summary is the error information extracted from a failed response body.
type Summary struct {
	Message string   `json:"message,omitempty"`
	Type    string   `json:"type,omitempty"`
	Fields  []string `json:"fields,omitempty"` // fields named by validation errors
	Details []string `json:"details,omitempty"`
	Frames  []Frame  `json:"frames,omitempty"`
}

// Empty reports whether nothing was extracted.
func (s *Summary) Empty() bool {
	return s.Message == "" && s.Type == "" && len(s.Fields) == 0 && len(s.Details) == 0 && len(s.Frames) == 0
}

var (
	pythonFrame  = regexp.MustCompile(`File "([^"]+)", line (\d+), in (\w+)`)
	goFrame      = regexp.MustCompile(`([^\s]+\.go):(\d+)`)
	nodeFrame    = regexp.MustCompile(`at\s+(\w+)?\s*\(?([^:()\s]+):(\d+):\d+\)?`)
	genericFrame = regexp.MustCompile(`([a-zA-Z0-9_/\\.-]+\.(?:py|go|js|ts|java|rb)):(\d+)`)
)

var (
	messageKeys = []string{"message", "error", "msg", "detail", "error_description"}
	typeKeys    = []string{"type", "error_type", "code", "error_code"}
)

// Summarize extracts a message, error type, validation fields and stack frames from body.
func Summarize(body []byte) *Summary {
	s := &Summary{}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		s.fromJSON(obj)
	} else {
		s.fromText(string(body))
	}
	s.Frames = parseFrames(string(body))
	return s
}

func (s *Summary) fromJSON(obj map[string]any) {
	for _, key := range messageKeys {
		switch v := obj[key].(type) {
		case string:
			if s.Message == "" {
				s.Message = v
			}
		case map[string]any:
			s.fromJSON(v)
		}
		if s.Message != "" {
			break
		}
	}

	// list-style validation errors: {"detail": [{"loc": [...], "msg": "..."}]}
	if list, ok := obj["detail"].([]any); ok {
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if loc, ok := entry["loc"].([]any); ok {
				for _, part := range loc {
					if name, ok := part.(string); ok && name != "body" {
						s.Fields = append(s.Fields, name)
						break
					}
				}
			}
			if msg, ok := entry["msg"].(string); ok {
				s.Details = append(s.Details, msg)
			}
		}
	}

	for _, key := range typeKeys {
		switch v := obj[key].(type) {
		case string:
			s.Type = v
		case float64:
			s.Type = strconv.FormatFloat(v, 'f', -1, 64)
		}
		if s.Type != "" {
			break
		}
	}
}

func (s *Summary) fromText(text string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "Error:") || strings.Contains(line, "Exception:") {
			s.Message = line
			if idx := strings.Index(line, ":"); idx > 0 {
				s.Type = strings.TrimSpace(line[:idx])
			}
		}
		if strings.HasPrefix(strings.ToLower(line), "error") {
			s.Message = line
		}
	}
}

func parseFrames(text string) []Frame {
	var frames []Frame
	for _, m := range pythonFrame.FindAllStringSubmatch(text, -1) {
		frames = append(frames, Frame{File: m[1], Line: atoi(m[2]), Function: m[3]})
	}
	for _, m := range goFrame.FindAllStringSubmatch(text, -1) {
		frames = append(frames, Frame{File: m[1], Line: atoi(m[2])})
	}
	for _, m := range nodeFrame.FindAllStringSubmatch(text, -1) {
		frames = append(frames, Frame{File: m[2], Line: atoi(m[3]), Function: m[1]})
	}
	if len(frames) == 0 {
		for _, m := range genericFrame.FindAllStringSubmatch(text, -1) {
			frames = append(frames, Frame{File: m[1], Line: atoi(m[2])})
		}
	}
	return frames
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// String renders the summary as indented text.
func (s *Summary) String() string {
	var sb strings.Builder
	if s.Type != "" {
		sb.WriteString("Error Type: " + s.Type + "\n")
	}
	if s.Message != "" {
		sb.WriteString("Message: " + s.Message + "\n")
	}
	if len(s.Fields) > 0 {
		sb.WriteString("Invalid Fields: " + strings.Join(s.Fields, ", ") + "\n")
	}
	for _, d := range s.Details {
		sb.WriteString("  - " + d + "\n")
	}
	for _, f := range s.Frames {
		sb.WriteString("  " + f.File + ":" + strconv.Itoa(f.Line))
		if f.Function != "" {
			sb.WriteString(" in " + f.Function)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
