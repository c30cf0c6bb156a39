package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryResult(t *testing.T) {
	for _, tt := range []struct {
		name   string
		result DeliveryResult
		want   string
		valid  bool
	}{
		{"ack", Ack, "ACK", true},
		{"reject", Reject, "REJECT", true},
		{"reject and requeue", RejectRequeue, "REJECT_REQUEUE", true},
		{"defer", Defer, "DEFER", true},
		{"negative values are undeclared", DeliveryResult(-1), "DeliveryResult(-1)", false},
		{"values past defer are undeclared", Defer + 1, "DeliveryResult(4)", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.String())
			assert.Equal(t, tt.valid, tt.result.Valid())

			err := CheckDeliveryResult(tt.result)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidDeliveryResult)
			}
		})
	}
}

func TestFlushResult(t *testing.T) {
	for _, tt := range []struct {
		name   string
		result FlushResult
		want   string
		valid  bool
	}{
		{"ack", FlushAck, "ACK", true},
		{"reject", FlushReject, "REJECT", true},
		{"reject and requeue", FlushRejectRequeue, "REJECT_REQUEUE", true},
		{"negative values are undeclared", FlushResult(-1), "FlushResult(-1)", false},
		{"values past requeue are undeclared", FlushRejectRequeue + 1, "FlushResult(3)", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.String())
			assert.Equal(t, tt.valid, tt.result.Valid())

			err := CheckFlushResult(tt.result)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidFlushResult)
			}
		})
	}
}

func TestRejectResults(t *testing.T) {
	assert.Equal(t, RejectRequeue, RejectResult(true))
	assert.Equal(t, Reject, RejectResult(false))
	assert.Equal(t, FlushRejectRequeue, FlushRejectResult(true))
	assert.Equal(t, FlushReject, FlushRejectResult(false))
}

func TestEnvelope(t *testing.T) {
	t.Run("IsControl matches the control app id only", func(t *testing.T) {
		for _, tt := range []struct {
			name string
			env  *Envelope
			want bool
		}{
			{"control message", &Envelope{AppID: ControlAppID}, true},
			{"application message", &Envelope{AppID: "orders"}, false},
			{"missing app id", &Envelope{}, false},
			{"nil envelope", nil, false},
		} {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, tt.env.IsControl())
			})
		}
	})

	t.Run("Header returns string and byte values", func(t *testing.T) {
		env := &Envelope{Headers: map[string]interface{}{
			"tenant": "acme",
			"region": []byte("eu"),
			"count":  int32(3),
		}}
		assert.Equal(t, "acme", env.Header("tenant"))
		assert.Equal(t, "eu", env.Header("region"))
		assert.Equal(t, "", env.Header("count"))
		assert.Equal(t, "", env.Header("missing"))

		var nilEnv *Envelope
		assert.Equal(t, "", nilEnv.Header("tenant"))
	})

	t.Run("IsJSON needs the JSON content type and UTF-8 in any case", func(t *testing.T) {
		assert.True(t, (&Envelope{ContentType: ContentTypeJSON, ContentEncoding: "utf-8"}).IsJSON())
		assert.False(t, (&Envelope{ContentType: "text/plain", ContentEncoding: ContentEncodingUTF8}).IsJSON())
		assert.False(t, (&Envelope{ContentType: ContentTypeJSON}).IsJSON())
	})
}
