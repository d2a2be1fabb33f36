package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Registers(t *testing.T) {
	resp, err := Decode("99001 OK 100 200 300 400 500")
	require.NoError(t, err)

	assert.Equal(t, Cookie("99001"), resp.Cookie)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, KindRegisters, resp.Kind)
	assert.Equal(t, []int{100, 200, 300, 400, 500}, resp.Values)
	assert.True(t, resp.OK())
	assert.NoError(t, resp.Err())
}

func TestDecode_Fields(t *testing.T) {
	resp, err := Decode("10002 OK vpv1=382.80 ipv1=2.00 ppv1=766")
	require.NoError(t, err)

	assert.Equal(t, KindFields, resp.Kind)
	assert.Equal(t, map[string]string{"vpv1": "382.80", "ipv1": "2.00", "ppv1": "766"}, resp.Map())
	assert.Equal(t, "vpv1", resp.Fields[0].Key)
}

func TestDecode_Error(t *testing.T) {
	resp, err := Decode("77 ERR inverter not   configured")
	require.NoError(t, err)

	assert.Equal(t, StatusErr, resp.Status)
	assert.Equal(t, "inverter not configured", resp.Message)

	var remote *RemoteError
	require.True(t, errors.As(resp.Err(), &remote))
	assert.Equal(t, Cookie("77"), remote.Cookie)
	assert.Equal(t, "inverter not configured", remote.Message)
}

func TestDecode_EmptyOK(t *testing.T) {
	resp, err := DecodeAs("8 OK", KindRegisters)
	require.NoError(t, err)
	assert.Empty(t, resp.Values)
	assert.Equal(t, "8 OK", resp.String())
}

func TestDecodeAs_ExplicitKind(t *testing.T) {
	// A register read never carries '=' so explicit kinds must reject the other shape.
	_, err := DecodeAs("1 OK a=1", KindRegisters)
	var decErr *DecodeError
	assert.True(t, errors.As(err, &decErr))

	_, err = DecodeAs("1 OK 100", KindFields)
	assert.True(t, errors.As(err, &decErr))

	resp, err := DecodeAs("1 OK model=GW5048D-ES serial=95048ESU223W0259 family=ES", KindFields)
	require.NoError(t, err)
	assert.Equal(t, "GW5048D-ES", resp.Map()["model"])
}

func TestDecode_Malformed(t *testing.T) {
	lines := []string{
		"",
		"99001",
		"abc OK 1",
		"99001 MAYBE 1",
		"99001 OK 1 two 3",
		"99001 OK a=1 =2",
	}

	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			_, err := Decode(line)
			var decErr *DecodeError
			assert.True(t, errors.As(err, &decErr))
		})
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
	}{
		{"registers", &Response{Cookie: "1", Status: StatusOK, Kind: KindRegisters, Values: []int{0, 65535, 12}}},
		{"fields", &Response{Cookie: "poll_2_0_35100", Status: StatusOK, Kind: KindFields, Fields: []Field{{"a", "1"}, {"b", "x"}}}},
		{"error", &Response{Cookie: "3", Status: StatusErr, Message: "unsupported function 9"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := DecodeAs(tt.resp.String(), tt.resp.Kind)
			require.NoError(t, err)
			assert.Equal(t, tt.resp.Cookie, decoded.Cookie)
			assert.Equal(t, tt.resp.Status, decoded.Status)
			assert.Equal(t, tt.resp.Message, decoded.Message)
			if tt.resp.Status == StatusOK {
				assert.Equal(t, tt.resp.Values, nilIfEmpty(decoded.Values))
				assert.Equal(t, tt.resp.Fields, nilIfEmptyFields(decoded.Fields))
			}
		})
	}
}

func TestFormatFields_ReplacesSpaces(t *testing.T) {
	line := FormatFields("5", []Field{{Key: "model", Value: "GW 5048D ES"}, {Key: "status", Value: " on grid "}})
	assert.Equal(t, "5 OK model=GW_5048D_ES status=on_grid", line)
}

func TestFormatError(t *testing.T) {
	assert.Equal(t, "1 ERR dial tcp: timeout", FormatError("1", "dial tcp:\n  timeout"))
	assert.Equal(t, "1 ERR unknown error", FormatError("1", "   "))
}

func TestTimeoutError_Is(t *testing.T) {
	err := error(&TimeoutError{Cookie: "9", Timeout: time.Second})
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Contains(t, err.Error(), "cookie 9")
}

func nilIfEmpty(v []int) []int {
	if len(v) == 0 {
		return nil
	}
	return v
}

func nilIfEmptyFields(v []Field) []Field {
	if len(v) == 0 {
		return nil
	}
	return v
}
