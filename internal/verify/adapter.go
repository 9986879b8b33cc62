package verify

import (
	"context"

	"classtrack/internal/faceclient"
)

// ClientVerifier adapts the face service client to the FaceVerifier
// capability.
type ClientVerifier struct {
	Client *faceclient.Client
}

// Verify returns the service's confidence for the student/image pair.
// A non-verified answer simply carries whatever confidence the service
// reported; the arbiter's threshold makes the call.
func (v ClientVerifier) Verify(ctx context.Context, studentID, imageURL string) (float64, error) {
	res, err := v.Client.Verify(ctx, studentID, imageURL)
	if err != nil {
		return 0, err
	}
	return res.Confidence, nil
}
