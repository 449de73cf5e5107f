package message

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// === Unit Tests: Kind ===

func TestKind_IsValid(t *testing.T) {
	for _, k := range Kinds() {
		require.True(t, k.IsValid(), k)
	}
	require.False(t, Kind("SHUTDOWN").IsValid())
	require.False(t, Kind("").IsValid())
}

func TestKind_Classes(t *testing.T) {
	require.True(t, KindFetchData.IsControl())
	require.True(t, KindCreateDashboard.IsControl())
	require.False(t, KindRawData.IsControl())
	require.True(t, KindHeartbeat.IsStatus())
	require.True(t, KindTaskFailed.IsStatus())
	require.False(t, KindInsights.IsStatus())
}

// === Unit Tests: New / Clone ===

func TestNew_FillsMetadata(t *testing.T) {
	before := time.Now().UTC()
	m := New(KindFetchData, Coordinator, DataFetchWorker, Payload{"tables": []string{"returns"}},
		WithCorrelation("abc_data_fetch"), WithRetryCount(2))

	require.Equal(t, KindFetchData, m.Kind)
	require.NotEmpty(t, m.Metadata.ID)
	require.Equal(t, Coordinator, m.Metadata.Sender)
	require.Equal(t, DataFetchWorker, m.Metadata.Recipient)
	require.False(t, m.Metadata.Timestamp.Before(before))
	require.Equal(t, 2, m.Metadata.RetryCount)

	corr, ok := m.Correlation()
	require.True(t, ok)
	require.Equal(t, "abc_data_fetch", corr)
}

func TestNew_UniqueIDs(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		m := New(KindHeartbeat, "w", Coordinator, Payload{"x": 1})
		_, dup := seen[m.Metadata.ID]
		require.False(t, dup)
		seen[m.Metadata.ID] = struct{}{}
	}
}

func TestClone_DoesNotShareMetadata(t *testing.T) {
	orig := New(KindRawData, DataFetchWorker, Coordinator, Payload{"returns": []any{}}, WithCorrelation("p_data_fetch"))

	a := orig.WithRecipient("one")
	b := orig.WithRecipient("two")
	*a.Metadata.CorrelationID = "mutated"
	a.Payload["extra"] = true

	require.Equal(t, "one", a.Metadata.Recipient)
	require.Equal(t, "two", b.Metadata.Recipient)
	require.Equal(t, Coordinator, orig.Metadata.Recipient)
	require.Equal(t, "p_data_fetch", *orig.Metadata.CorrelationID)
	require.Equal(t, "p_data_fetch", *b.Metadata.CorrelationID)
	require.NotContains(t, orig.Payload, "extra")
	require.Equal(t, orig.Metadata.ID, b.Metadata.ID)
}

// === Unit Tests: Validate ===

func TestValidate(t *testing.T) {
	valid := New(KindInsights, RAGWorker, Coordinator, Payload{"insights": []any{}})

	tests := []struct {
		name   string
		mutate func(*Message)
		errMsg string
	}{
		{"valid", func(*Message) {}, ""},
		{"missing kind", func(m *Message) { m.Kind = "" }, "missing kind"},
		{"unknown kind", func(m *Message) { m.Kind = "NOPE" }, "unknown kind"},
		{"missing id", func(m *Message) { m.Metadata.ID = "" }, "missing metadata id"},
		{"missing recipient", func(m *Message) { m.Metadata.Recipient = "" }, "missing recipient"},
		{"nil payload", func(m *Message) { m.Payload = nil }, "missing payload"},
		{"empty payload", func(m *Message) { m.Payload = Payload{} }, "missing payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid.Clone()
			tt.mutate(&m)
			err := m.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidMessage))
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// === Unit Tests: Wire shape ===

func TestEncode_WireShape(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(KindTaskFailed, NormalizeWorker, Coordinator, Payload{"error": "boom"}, WithTimestamp(ts))
	m.Metadata.ID = "11111111-2222-3333-4444-555555555555"

	data, err := Encode(m)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"kind": "TASK_FAILED",
		"metadata": {
			"id": "11111111-2222-3333-4444-555555555555",
			"sender": "normalization",
			"recipient": "coordinator",
			"timestamp": "2025-03-01T12:00:00Z",
			"correlationId": null,
			"retryCount": 0
		},
		"payload": {"error": "boom"}
	}`, string(data))
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`{"kind":`))
	require.Error(t, err)
}

func TestRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		kind := rapid.SampledFrom(Kinds()).Draw(r, "kind")
		payload := Payload{}
		n := rapid.IntRange(1, 5).Draw(r, "fields")
		for i := 0; i < n; i++ {
			key := rapid.StringMatching(`[a-z]{1,8}`).Draw(r, "key")
			switch rapid.IntRange(0, 3).Draw(r, "type") {
			case 0:
				payload[key] = rapid.String().Draw(r, "str")
			case 1:
				payload[key] = float64(rapid.IntRange(-1000, 1000).Draw(r, "num"))
			case 2:
				payload[key] = rapid.Bool().Draw(r, "bool")
			default:
				payload[key] = []any{rapid.String().Draw(r, "elem")}
			}
		}
		ts := time.Unix(rapid.Int64Range(0, 4_000_000_000).Draw(r, "ts"), 0).UTC()
		opts := []Option{WithTimestamp(ts), WithRetryCount(rapid.IntRange(0, 10).Draw(r, "retry"))}
		if rapid.Bool().Draw(r, "hasCorr") {
			opts = append(opts, WithCorrelation(rapid.String().Draw(r, "corr")))
		}
		orig := New(kind, rapid.String().Draw(r, "sender"), rapid.String().Draw(r, "recipient"), payload, opts...)

		data, err := Encode(orig)
		require.NoError(r, err)
		decoded, err := Decode(data)
		require.NoError(r, err)
		require.Equal(r, orig, decoded)

		again, err := Encode(decoded)
		require.NoError(r, err)
		require.JSONEq(r, string(data), string(again))
	})
}

// === Unit Tests: Payloads ===

func TestPayload_TypedRoundTrip(t *testing.T) {
	req := FetchRequest{
		DateRange: DateRange{Start: "2025-01-01", End: "2025-03-31"},
		Tables:    []string{"returns", "products"},
		Filters:   map[string][]string{"store_locations": {"all"}},
	}
	m := New(KindFetchData, Coordinator, DataFetchWorker, MustPayload(req))

	var got FetchRequest
	require.NoError(t, m.DecodePayload(&got))
	require.Equal(t, req, got)
}

func TestPayload_ErrorText(t *testing.T) {
	require.Equal(t, "db down", Payload{"error": "db down"}.ErrorText())
	require.Equal(t, "42", Payload{"error": 42}.ErrorText())
	require.Equal(t, "", Payload{"other": 1}.ErrorText())
	require.Equal(t, "", Payload(nil).ErrorText())
}

func TestToPayload_RejectsNonObject(t *testing.T) {
	_, err := ToPayload([]int{1, 2})
	require.Error(t, err)
}

func TestDateRange_Validate(t *testing.T) {
	require.NoError(t, DateRange{Start: "2025-01-01", End: "2025-01-01"}.Validate())
	require.Error(t, DateRange{Start: "2025-02-01", End: "2025-01-01"}.Validate())
	require.Error(t, DateRange{Start: "yesterday", End: "2025-01-01"}.Validate())

	start := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	r := NewDateRange(start, start.AddDate(0, 0, 90))
	require.Equal(t, "2025-01-02", r.Start)
	require.Equal(t, "2025-04-02", r.End)
}

func TestHeartbeat_JSONFieldNames(t *testing.T) {
	p := MustPayload(Heartbeat{WorkerID: "rag", Status: WorkerIdle, ActiveTaskCount: 0, Timestamp: time.Unix(0, 0).UTC()})
	data, err := json.Marshal(p)
	require.NoError(t, err)
	require.JSONEq(t, `{"workerId":"rag","status":"idle","activeTaskCount":0,"timestamp":"1970-01-01T00:00:00Z"}`, string(data))
}
