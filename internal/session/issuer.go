package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/apperr"
	"qrattend/internal/classroom"
	"qrattend/internal/geo"
	"qrattend/internal/metrics"
)

// IssueRequest asks for a new attendance session for a class.
type IssueRequest struct {
	ClassID  string
	Location geo.Coordinates
	Class    classroom.Class
}

// Issued is a freshly minted session ready to be shown to students.
type Issued struct {
	Token     Token
	Payload   string
	Image     []byte
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer mints session tokens. It never writes to the attendance store;
// validity is derived from the token's issue time alone.
type Issuer struct {
	window time.Duration
	images ImageEncoder
	log    *slog.Logger

	Now   func() time.Time
	NewID func() string
}

// NewIssuer creates an issuer with the given validity window.
func NewIssuer(window time.Duration, images ImageEncoder, log *slog.Logger) *Issuer {
	if window <= 0 {
		window = DefaultValidityWindow
	}
	if images == nil {
		images = NewQRCodeEncoder(0)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Issuer{
		window: window,
		images: images,
		log:    log,
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

// Issue validates the class and issuer location, then builds, encodes and
// renders a new token.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (Issued, error) {
	if req.Class.ID != "" && req.Class.ID != req.ClassID {
		return Issued{}, apperr.New(apperr.IncompleteClassData, "class record %q does not match %q", req.Class.ID, req.ClassID)
	}
	if req.ClassID == "" {
		return Issued{}, apperr.New(apperr.IncompleteClassData, "class id is required")
	}
	if err := req.Class.Validate(); err != nil {
		return Issued{}, err
	}
	if !req.Location.Valid() {
		return Issued{}, apperr.New(apperr.InvalidLocation, "issuer location must be finite coordinates")
	}

	issuedAt := time.UnixMilli(i.Now().UnixMilli()).UTC()
	tok := Token{
		ClassID:        req.ClassID,
		SessionID:      i.NewID(),
		IssuedAt:       issuedAt,
		IssuerLocation: req.Location,
	}

	payload, err := Encode(tok)
	if err != nil {
		return Issued{}, err
	}
	img, err := i.images.Encode(payload)
	if err != nil {
		return Issued{}, fmt.Errorf("render qr image: %w", err)
	}

	metrics.SessionsIssued.Inc()
	i.log.InfoContext(ctx, "session issued",
		"class_id", tok.ClassID,
		"session_id", tok.SessionID,
		"expires_at", tok.ExpiresAt(i.window),
	)

	return Issued{
		Token:     tok,
		Payload:   payload,
		Image:     img,
		SessionID: tok.SessionID,
		IssuedAt:  issuedAt,
		ExpiresAt: tok.ExpiresAt(i.window),
	}, nil
}
