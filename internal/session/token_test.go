package session

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/apperr"
	"qrattend/internal/geo"
)

func sampleToken() Token {
	return Token{
		ClassID:        "C1",
		SessionID:      "3f1c2a52-8d7e-4c1b-9a55-0e2b7b4f8a10",
		IssuedAt:       time.UnixMilli(1767225600123).UTC(),
		IssuerLocation: geo.Coordinates{Latitude: 40.0, Longitude: -74.0},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		tok := Token{
			ClassID:   randomString(rng, 1+rng.Intn(24)),
			SessionID: randomString(rng, 1+rng.Intn(36)),
			IssuedAt:  time.UnixMilli(1_600_000_000_000 + rng.Int63n(400_000_000_000)).UTC(),
			IssuerLocation: geo.Coordinates{
				Latitude:  rng.Float64()*180 - 90,
				Longitude: rng.Float64()*360 - 180,
			},
		}
		text, err := Encode(tok)
		require.NoError(t, err)

		got, err := Decode(text)
		require.NoError(t, err, text)
		assert.Equal(t, tok, got)
	}
}

func TestEncodeNormalizesIssueTime(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	tok := sampleToken()
	tok.IssuedAt = time.Date(2026, 1, 1, 5, 30, 0, 123_456_789, ist)

	text, err := Encode(tok)
	require.NoError(t, err)
	got, err := Decode(text)
	require.NoError(t, err)

	assert.Equal(t, time.UnixMilli(1767225600123).UTC(), got.IssuedAt)
	assert.True(t, tok.IssuedAt.Truncate(time.Millisecond).Equal(got.IssuedAt))
	assert.Equal(t, time.UTC, got.IssuedAt.Location())
}

func TestDecodeAcceptsExponentIntegerTimestamp(t *testing.T) {
	tok, err := Decode(`{"classId":"C1","sessionId":"X","timestamp":1.7e12,"location":{"latitude":1,"longitude":2}}`)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000).UTC(), tok.IssuedAt)
}

func TestEncodeWireFormat(t *testing.T) {
	text, err := Encode(sampleToken())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"classId": "C1",
		"sessionId": "3f1c2a52-8d7e-4c1b-9a55-0e2b7b4f8a10",
		"timestamp": 1767225600123,
		"location": {"latitude": 40, "longitude": -74}
	}`, text)
}

func TestEncodeRejectsIncompleteToken(t *testing.T) {
	tok := sampleToken()
	tok.SessionID = ""
	_, err := Encode(tok)
	f, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.IncompleteToken, f.Reason)
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		reason apperr.Reason
	}{
		{"empty", "", apperr.MalformedToken},
		{"plain text", "hello there", apperr.MalformedToken},
		{"json array", `[1,2,3]`, apperr.MalformedToken},
		{"json string", `"classId"`, apperr.MalformedToken},
		{"json null", `null`, apperr.MalformedToken},
		{"truncated", `{"classId":"C1"`, apperr.MalformedToken},
		{"missing class", `{"sessionId":"X","timestamp":1,"location":{"latitude":1,"longitude":2}}`, apperr.IncompleteToken},
		{"empty class", `{"classId":" ","sessionId":"X","timestamp":1,"location":{"latitude":1,"longitude":2}}`, apperr.IncompleteToken},
		{"numeric session", `{"classId":"C1","sessionId":42,"timestamp":1,"location":{"latitude":1,"longitude":2}}`, apperr.IncompleteToken},
		{"missing timestamp", `{"classId":"C1","sessionId":"X","location":{"latitude":1,"longitude":2}}`, apperr.IncompleteToken},
		{"string timestamp", `{"classId":"C1","sessionId":"X","timestamp":"1700000000000","location":{"latitude":1,"longitude":2}}`, apperr.IncompleteToken},
		{"fractional timestamp", `{"classId":"C1","sessionId":"X","timestamp":1700000000000.9,"location":{"latitude":1,"longitude":2}}`, apperr.IncompleteToken},
		{"negative timestamp", `{"classId":"C1","sessionId":"X","timestamp":-5,"location":{"latitude":1,"longitude":2}}`, apperr.IncompleteToken},
		{"missing location", `{"classId":"C1","sessionId":"X","timestamp":1}`, apperr.IncompleteToken},
		{"location not object", `{"classId":"C1","sessionId":"X","timestamp":1,"location":"here"}`, apperr.IncompleteToken},
		{"missing longitude", `{"classId":"C1","sessionId":"X","timestamp":1,"location":{"latitude":1}}`, apperr.IncompleteToken},
		{"null latitude", `{"classId":"C1","sessionId":"X","timestamp":1,"location":{"latitude":null,"longitude":2}}`, apperr.IncompleteToken},
		{"boolean longitude", `{"classId":"C1","sessionId":"X","timestamp":1,"location":{"latitude":1,"longitude":true}}`, apperr.IncompleteToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			assert.NotPanics(t, func() { _, err = Decode(tt.text) })
			f, ok := apperr.As(err)
			require.True(t, ok, "expected a failure, got %v", err)
			assert.Equal(t, tt.reason, f.Reason)
		})
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	tok, err := Decode(`{"classId":"C1","sessionId":"X","timestamp":1700000000000,"location":{"latitude":1.5,"longitude":2.5},"v":2}`)
	require.NoError(t, err)
	assert.Equal(t, "C1", tok.ClassID)
	assert.Equal(t, int64(1700000000000), tok.IssuedAt.UnixMilli())
	assert.Equal(t, geo.Coordinates{Latitude: 1.5, Longitude: 2.5}, tok.IssuerLocation)
}

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_é\"\\/"

func randomString(rng *rand.Rand, n int) string {
	runes := []rune(alphabet)
	out := make([]rune, n)
	for i := range out {
		out[i] = runes[rng.Intn(len(runes))]
	}
	// an all-whitespace id is rejected on decode; alphabet has none
	return string(out)
}
