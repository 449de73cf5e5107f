package message

import (
	"strconv"
	"strings"
)

// Correlation ties a reply back to the pipeline and stage that caused it.
type Correlation struct {
	PipelineID string
	Stage      string
}

// String encodes c as "<len(PipelineID)>:<PipelineID>:<Stage>". The length
// prefix lets either field contain ':' or '_' without ambiguity.
func (c Correlation) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(c.PipelineID)))
	b.WriteByte(':')
	b.WriteString(c.PipelineID)
	b.WriteByte(':')
	b.WriteString(c.Stage)
	return b.String()
}

// ParseCorrelation decodes a correlation id. Length-prefixed ids are decoded
// exactly. Anything else is treated as the flat "<pipelineId>_<stage>" form:
// the pipeline id is the text before the first '_', or the whole string when
// there is none. Returns false for an empty id.
func ParseCorrelation(s string) (Correlation, bool) {
	if s == "" {
		return Correlation{}, false
	}
	if c, ok := parseStructured(s); ok {
		return c, true
	}
	if i := strings.IndexByte(s, '_'); i >= 0 {
		return Correlation{PipelineID: s[:i], Stage: s[i+1:]}, true
	}
	return Correlation{PipelineID: s}, true
}

func parseStructured(s string) (Correlation, bool) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return Correlation{}, false
	}
	n, err := strconv.Atoi(s[:colon])
	if err != nil || n < 0 || s[0] == '+' || s[0] == '-' {
		return Correlation{}, false
	}
	rest := s[colon+1:]
	if len(rest) < n+1 || rest[n] != ':' {
		return Correlation{}, false
	}
	return Correlation{PipelineID: rest[:n], Stage: rest[n+1:]}, true
}

// PipelineID extracts the pipeline id from m's correlation id.
func (m Message) PipelineID() (string, bool) {
	raw, ok := m.Correlation()
	if !ok {
		return "", false
	}
	c, ok := ParseCorrelation(raw)
	if !ok || c.PipelineID == "" {
		return "", false
	}
	return c.PipelineID, true
}
