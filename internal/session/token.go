// Package session issues attendance session tokens and converts them to and
// from the text embedded in QR codes.
package session

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"qrattend/internal/apperr"
	"qrattend/internal/geo"
)

// Token is the payload carried by an attendance QR code.
type Token struct {
	ClassID        string
	SessionID      string
	IssuedAt       time.Time
	IssuerLocation geo.Coordinates
}

// ExpiresAt returns the end of the token's nominal validity window.
func (t Token) ExpiresAt(window time.Duration) time.Time {
	return t.IssuedAt.Add(window)
}

type wireLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type wireToken struct {
	ClassID   string       `json:"classId"`
	SessionID string       `json:"sessionId"`
	Timestamp int64        `json:"timestamp"`
	Location  wireLocation `json:"location"`
}

// Encode serializes a token to its compact JSON form. IssuedAt is written as
// whole UTC milliseconds, so Decode(Encode(t)) returns t with IssuedAt
// converted to UTC and truncated to the millisecond.
func Encode(t Token) (string, error) {
	if t.ClassID == "" || t.SessionID == "" || t.IssuedAt.IsZero() {
		return "", apperr.New(apperr.IncompleteToken, "token requires class id, session id and issue time")
	}
	if !t.IssuerLocation.Finite() {
		return "", apperr.New(apperr.InvalidLocation, "issuer location must be finite")
	}
	b, err := json.Marshal(wireToken{
		ClassID:   t.ClassID,
		SessionID: t.SessionID,
		Timestamp: t.IssuedAt.UnixMilli(),
		Location: wireLocation{
			Latitude:  t.IssuerLocation.Latitude,
			Longitude: t.IssuerLocation.Longitude,
		},
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses text produced by Encode. It never panics; every rejection is
// an *apperr.Failure tagged MalformedToken or IncompleteToken.
func Decode(text string) (Token, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &fields); err != nil || fields == nil {
		return Token{}, apperr.New(apperr.MalformedToken, "payload is not a JSON object")
	}

	classID, ok := stringField(fields, "classId")
	if !ok {
		return Token{}, incomplete("classId")
	}
	sessionID, ok := stringField(fields, "sessionId")
	if !ok {
		return Token{}, incomplete("sessionId")
	}
	ts, ok := numberField(fields, "timestamp")
	if !ok || ts <= 0 || ts > math.MaxInt64/2 || ts != math.Trunc(ts) {
		return Token{}, incomplete("timestamp")
	}

	raw, ok := fields["location"]
	if !ok {
		return Token{}, incomplete("location")
	}
	var loc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loc); err != nil || loc == nil {
		return Token{}, incomplete("location")
	}
	lat, ok := numberField(loc, "latitude")
	if !ok {
		return Token{}, incomplete("location.latitude")
	}
	lon, ok := numberField(loc, "longitude")
	if !ok {
		return Token{}, incomplete("location.longitude")
	}

	return Token{
		ClassID:        classID,
		SessionID:      sessionID,
		IssuedAt:       time.UnixMilli(int64(ts)).UTC(),
		IssuerLocation: geo.Coordinates{Latitude: lat, Longitude: lon},
	}, nil
}

func incomplete(field string) *apperr.Failure {
	return apperr.New(apperr.IncompleteToken, "token field %s is missing or has the wrong type", field)
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok || !bytes.HasPrefix(bytes.TrimSpace(raw), []byte(`"`)) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func numberField(fields map[string]json.RawMessage, key string) (float64, bool) {
	raw, ok := fields[key]
	if !ok {
		return 0, false
	}
	// json.Number also accepts quoted numbers; only bare literals count
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return 0, false
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return 0, false
	}
	v, err := n.Float64()
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
