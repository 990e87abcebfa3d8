package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var refNow = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func validRaw() RawEvent {
	venv := true
	cpus := 8
	return RawEvent{
		SessionID:      "550e8400-e29b-41d4-a716-446655440000",
		PackageName:    "demo-pkg",
		PackageVersion: "1.0.0",
		PythonVersion:  "3.11.5",
		OSType:         "Linux",
		VirtualEnv:     &venv,
		CPUCount:       &cpus,
		EventTimestamp: "2024-01-15T10:30:00Z",
		ExtraData:      Object{"custom": String("value")},
	}
}

func fieldPaths(errs []FieldError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.FieldPath
	}
	return out
}

func TestValidateEvent_Valid(t *testing.T) {
	raw := validRaw()
	ev, errs, err := ValidateEvent(&raw, "demo-pkg", refNow, DefaultClockSkew)
	require.NoError(t, err)
	require.Empty(t, errs)

	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", ev.SessionID.String())
	assert.Equal(t, "demo-pkg", ev.PackageName)
	assert.True(t, ev.VirtualEnv)
	require.NotNil(t, ev.CPUCount)
	assert.Equal(t, 8, *ev.CPUCount)
	assert.True(t, ev.EventTimestamp.Equal(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)))
	assert.True(t, ev.ExtraData.Equal(Object{"custom": String("value")}))
}

func TestValidateEvent_TrimsStrings(t *testing.T) {
	raw := validRaw()
	raw.PackageName = "  demo-pkg "
	raw.OSType = " Linux\n"
	ev, errs, err := ValidateEvent(&raw, "demo-pkg", refNow, DefaultClockSkew)
	require.NoError(t, err)
	require.Empty(t, errs)
	assert.Equal(t, "Linux", ev.OSType)
}

func TestValidateEvent_CollectsAllErrors(t *testing.T) {
	raw := RawEvent{
		SessionID:      "not-a-uuid",
		PythonVersion:  "three",
		EventTimestamp: "2024-01-15 10:30",
	}
	_, errs, err := ValidateEvent(&raw, "demo-pkg", refNow, DefaultClockSkew)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"session_id", "package_name", "package_version", "python_version", "os_type", "event_timestamp",
	}, fieldPaths(errs))

	for _, e := range errs {
		switch e.FieldPath {
		case "session_id":
			assert.Equal(t, "must be a valid UUID", e.Reason)
		case "package_name":
			assert.Equal(t, "field required", e.Reason)
		case "python_version":
			assert.Equal(t, "invalid Python version format", e.Reason)
		}
	}
}

func TestValidateEvent_PackageMismatchShortCircuits(t *testing.T) {
	raw := validRaw()
	raw.PackageName = "other-pkg"
	raw.SessionID = "garbage"

	_, errs, err := ValidateEvent(&raw, "demo-pkg", refNow, DefaultClockSkew)
	require.Error(t, err)
	assert.Empty(t, errs)
	assert.True(t, errors.Is(err, ErrForbidden))

	var mismatch *PackageMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "demo-pkg", mismatch.KeyPackage)
	assert.Equal(t, "other-pkg", mismatch.EventPackage)
}

func TestValidateEvent_Timestamps(t *testing.T) {
	cases := []struct {
		name string
		ts   string
		ok   bool
	}{
		{"utc", "2024-01-15T10:30:00Z", true},
		{"offset", "2024-01-15T10:30:00+02:00", true},
		{"fraction", "2024-01-15T10:30:00.123456Z", true},
		{"naive", "2024-01-15T10:30:00", false},
		{"date only", "2024-01-15", false},
		{"within skew", "2024-01-15T12:04:00Z", true},
		{"future", "2024-01-15T13:00:00Z", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := validRaw()
			raw.EventTimestamp = tc.ts
			_, errs, err := ValidateEvent(&raw, "demo-pkg", refNow, DefaultClockSkew)
			require.NoError(t, err)
			if tc.ok {
				assert.Empty(t, errs)
			} else {
				assert.Equal(t, []string{"event_timestamp"}, fieldPaths(errs))
			}
		})
	}
}

func TestValidateEvent_Limits(t *testing.T) {
	raw := validRaw()
	zero := 0
	huge := 1001
	raw.CPUCount = &zero
	raw.TotalMemoryGB = &huge
	raw.Architecture = strings.Repeat("x", 21)

	_, errs, err := ValidateEvent(&raw, "demo-pkg", refNow, DefaultClockSkew)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cpu_count", "total_memory_gb", "architecture"}, fieldPaths(errs))
}

func TestDecodeRawEvent(t *testing.T) {
	t.Run("unknown fields ignored", func(t *testing.T) {
		raw, errs := DecodeRawEvent([]byte(`{"api_key":"klyne_x","package_name":"demo-pkg","extra_data":{"n":1.50}}`))
		require.Empty(t, errs)
		assert.Equal(t, "demo-pkg", raw.PackageName)
		n, ok := raw.ExtraData["n"].AsNumber()
		require.True(t, ok)
		assert.Equal(t, "1.50", n.String())
	})
	t.Run("type mismatch", func(t *testing.T) {
		_, errs := DecodeRawEvent([]byte(`{"cpu_count":"eight"}`))
		require.Len(t, errs, 1)
		assert.Equal(t, "cpu_count", errs[0].FieldPath)
	})
	t.Run("not an object", func(t *testing.T) {
		_, errs := DecodeRawEvent([]byte(`[1,2]`))
		require.Len(t, errs, 1)
		assert.Equal(t, "body", errs[0].FieldPath)
	})
	t.Run("syntax", func(t *testing.T) {
		_, errs := DecodeRawEvent([]byte(`{"session_id":`))
		require.Len(t, errs, 1)
		assert.Equal(t, "body", errs[0].FieldPath)
	})
}

func TestParseEvent_TypeErrorsJoinConstraintErrors(t *testing.T) {
	body := []byte(`{
		"session_id": "not-a-uuid",
		"package_name": "demo-pkg",
		"package_version": "1.0.0",
		"python_version": "three",
		"os_type": "Linux",
		"cpu_count": "eight",
		"virtual_env": "yes",
		"event_timestamp": "2024-01-15T10:30:00Z"
	}`)
	_, errs, err := ParseEvent(body, "demo-pkg", refNow, DefaultClockSkew)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session_id", "python_version", "cpu_count", "virtual_env"}, fieldPaths(errs))
	for _, e := range errs {
		if e.FieldPath == "cpu_count" {
			assert.Equal(t, "expected number, got string", e.Reason)
		}
	}
}

func TestParseEvent_MismatchBeatsTypeErrors(t *testing.T) {
	body := []byte(`{"package_name":"other-pkg","virtual_env":"yes","cpu_count":"eight"}`)
	_, errs, err := ParseEvent(body, "demo-pkg", refNow, DefaultClockSkew)
	require.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, errs)
}

func TestParseEvent_TypeErrorNotDuplicated(t *testing.T) {
	body := []byte(`{"session_id":12,"package_name":"demo-pkg","package_version":"1","python_version":"3.11",` +
		`"os_type":"Linux","event_timestamp":"2024-01-15T10:30:00Z","total_memory_gb":2.5}`)
	_, errs, err := ParseEvent(body, "demo-pkg", refNow, DefaultClockSkew)
	require.NoError(t, err)
	assert.Equal(t, []string{"session_id", "total_memory_gb"}, fieldPaths(errs))
	assert.Equal(t, "must be an integer", errs[1].Reason)
}

func TestParseEvent_Body(t *testing.T) {
	for _, body := range []string{`null`, `[1]`, `"x"`, `{"a":`} {
		_, errs, err := ParseEvent([]byte(body), "demo-pkg", refNow, DefaultClockSkew)
		require.NoError(t, err)
		assert.Equal(t, []string{"body"}, fieldPaths(errs), body)
	}
}

func TestValidateEvent_RejectsNUL(t *testing.T) {
	raw := validRaw()
	raw.PackageVersion = "1\x00"
	raw.ExtraData = Object{"ok": Array(String("a"), String("b\x00"))}
	raw.Properties = Object{"k\x00": Bool(true)}

	_, errs, err := ValidateEvent(&raw, "demo-pkg", refNow, DefaultClockSkew)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"package_version", "extra_data", "properties"}, fieldPaths(errs))
	for _, e := range errs {
		assert.Equal(t, "must not contain NUL characters", e.Reason)
	}

	body := []byte(`{"session_id":"550e8400-e29b-41d4-a716-446655440000","package_name":"demo-pkg",` +
		`"package_version":"1.0","python_version":"3.11","os_type":"Linux\u0000",` +
		`"event_timestamp":"2024-01-15T10:30:00Z"}`)
	_, errs, err = ParseEvent(body, "demo-pkg", refNow, DefaultClockSkew)
	require.NoError(t, err)
	assert.Equal(t, []string{"os_type"}, fieldPaths(errs))
}

func TestValidateEvent_ZeroSkewAcceptsFuture(t *testing.T) {
	raw := validRaw()
	raw.EventTimestamp = "2030-01-01T00:00:00Z"
	_, errs, err := ValidateEvent(&raw, "demo-pkg", refNow, 0)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestValidateBatchSize(t *testing.T) {
	assert.NotEmpty(t, ValidateBatchSize(0, MaxBatchSize))
	assert.Empty(t, ValidateBatchSize(1, MaxBatchSize))
	assert.Empty(t, ValidateBatchSize(100, MaxBatchSize))
	errs := ValidateBatchSize(101, MaxBatchSize)
	require.Len(t, errs, 1)
	assert.Equal(t, "events", errs[0].FieldPath)
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey(DefaultKeyPrefix)
	require.NoError(t, err)
	b, err := GenerateKey(DefaultKeyPrefix)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, "klyne_"))
	assert.Len(t, a, len("klyne_")+43)
	assert.NotEqual(t, a, b)
}
