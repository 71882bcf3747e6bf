// README: Firebase Admin SDK token verifier, selected with CAB_AUTH_MODE=firebase.
package infra

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

type firebaseVerifier struct {
	client *auth.Client
}

// NewFirebaseVerifier creates a TokenVerifier using the Firebase Admin SDK.
// If credentialsFile is non-empty it is used as the service-account JSON path;
// otherwise application-default credentials are used. The caller's role is
// read from the "role" custom claim.
func NewFirebaseVerifier(ctx context.Context, projectID, credentialsFile string) (TokenVerifier, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return &firebaseVerifier{client: client}, nil
}

func (v *firebaseVerifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	token, err := v.client.VerifyIDToken(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return identityFromClaims(token.UID, token.Claims)
}

func identityFromClaims(uid string, claims map[string]interface{}) (*Identity, error) {
	role, _ := claims["role"].(string)
	if uid == "" || !validRole(role) {
		return nil, fmt.Errorf("%w: missing uid or role claim", ErrInvalidToken)
	}
	return &Identity{UID: uid, Role: role}, nil
}
