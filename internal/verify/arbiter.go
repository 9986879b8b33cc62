package verify

import (
	"context"
	"errors"
	"time"

	"classtrack/internal/session"
	"classtrack/internal/token"
)

// Marking methods.
const (
	MethodFace   = "face"
	MethodQR     = "qr"
	MethodManual = "manual"
)

// Rejection reasons carried on a Decision.
const (
	ReasonLowConfidence       = "low_confidence"
	ReasonInvalidToken        = "invalid_token"
	ReasonSessionNotActive    = "session_not_active"
	ReasonNotFaculty          = "not_faculty"
	ReasonVerifierUnavailable = "verifier_unavailable"
	ReasonUnknownMethod       = "unknown_method"
)

// ErrVerifierUnavailable signals the external face verifier could not be
// reached after the single bounded retry.
var ErrVerifierUnavailable = errors.New("face verifier unavailable")

// FaceVerifier is the external capability the arbiter consumes. The
// engine assumes nothing about the implementation beyond the confidence
// contract.
type FaceVerifier interface {
	Verify(ctx context.Context, studentID, imageURL string) (confidence float64, err error)
}

// Attempt is one marking attempt with its method-specific evidence.
type Attempt struct {
	SessionID string
	StudentID string
	Method    string

	// face evidence
	ImageURL string
	// qr evidence
	TokenValue string
	// manual evidence: the status faculty asserts (defaults to present)
	Status string

	ActorID   string
	ActorRole string
	StartedAt time.Time
}

// Decision is the arbiter's verdict for one attempt.
type Decision struct {
	Accept     bool    `json:"accept"`
	Method     string  `json:"method"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	// Status, when set, is the status the decision wants recorded.
	Status string `json:"status,omitempty"`
}

// Arbiter normalizes heterogeneous marking attempts into a single accept
// or reject decision. It reads session and token state but never mutates
// either.
type Arbiter struct {
	registry  *session.Registry
	tokens    *token.Issuer
	verifier  FaceVerifier
	threshold float64
}

// NewArbiter creates an arbiter with the given face confidence threshold.
func NewArbiter(registry *session.Registry, tokens *token.Issuer, verifier FaceVerifier, threshold float64) *Arbiter {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.80
	}
	return &Arbiter{registry: registry, tokens: tokens, verifier: verifier, threshold: threshold}
}

// Evaluate decides one attempt. All rejections are structured decisions;
// only verifier transport failure after its retry surfaces as an error.
func (a *Arbiter) Evaluate(ctx context.Context, att Attempt) (Decision, error) {
	if att.StartedAt.IsZero() {
		att.StartedAt = time.Now().UTC()
	}

	snap, err := a.registry.Snapshot(att.SessionID)
	if err != nil {
		return Decision{Method: att.Method}, err
	}
	if snap.State != session.StateActive {
		return Decision{Method: att.Method, Reason: ReasonSessionNotActive}, nil
	}

	switch att.Method {
	case MethodFace:
		confidence, err := a.verifyFace(ctx, att)
		if err != nil {
			return Decision{Method: MethodFace, Reason: ReasonVerifierUnavailable}, ErrVerifierUnavailable
		}
		if confidence < a.threshold {
			// Never silently downgraded to manual; the client may retry.
			return Decision{Method: MethodFace, Confidence: confidence, Reason: ReasonLowConfidence}, nil
		}
		return Decision{Accept: true, Method: MethodFace, Confidence: confidence}, nil

	case MethodQR:
		// Validate against the generation active at attempt start so a
		// rotation mid-flight does not fail the scan, while anything
		// older than one generation is rejected.
		if !a.tokens.ValidateAt(att.SessionID, att.TokenValue, att.StartedAt) {
			return Decision{Method: MethodQR, Reason: ReasonInvalidToken}, nil
		}
		// Confidence is not applicable to scans; 1.0 for aggregates.
		return Decision{Accept: true, Method: MethodQR, Confidence: 1.0}, nil

	case MethodManual:
		if att.ActorRole != "faculty" {
			return Decision{Method: MethodManual, Reason: ReasonNotFaculty}, nil
		}
		status := att.Status
		if status == "" {
			status = "present"
		}
		return Decision{Accept: true, Method: MethodManual, Status: status}, nil

	default:
		return Decision{Method: att.Method, Reason: ReasonUnknownMethod}, nil
	}
}

// verifyFace consults the external verifier with one bounded retry on
// transport failure.
func (a *Arbiter) verifyFace(ctx context.Context, att Attempt) (float64, error) {
	confidence, err := a.verifier.Verify(ctx, att.StudentID, att.ImageURL)
	if err == nil {
		return confidence, nil
	}
	if ctx.Err() != nil {
		return 0, err
	}
	return a.verifier.Verify(ctx, att.StudentID, att.ImageURL)
}
