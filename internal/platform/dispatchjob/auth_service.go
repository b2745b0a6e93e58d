package dispatchjob

import (
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAppKeyNotConfigured indicates the app key is not set
	ErrAppKeyNotConfigured = errors.New("app key is not configured")

	// ErrInvalidToken indicates the token validation failed
	ErrInvalidToken = errors.New("invalid auth token")
)

// processingTokenTTL bounds how long a MessagePointer's auth token remains
// valid between scheduler enqueue and processing-endpoint callback.
const processingTokenTTL = 5 * time.Minute

// dispatchClaims is the JWT claim set minted for a single dispatch job's
// processing-endpoint callback.
type dispatchClaims struct {
	jwt.RegisteredClaims
	JobID string `json:"jid"`
}

// DispatchAuthService mints and validates short-lived JWTs that authenticate
// the message router's callback to the internal processing endpoint.
//
// Flow:
//  1. Scheduler builds a MessagePointer and mints a token scoped to the job id.
//  2. Scheduler publishes the job to the queue with the token attached.
//  3. Router's mediator calls back to the processing endpoint with that token.
//  4. Processing endpoint validates the token's signature, expiry, and job id claim.
type DispatchAuthService struct {
	appKey string
	logger *slog.Logger
}

// NewDispatchAuthService creates a new dispatch auth service
func NewDispatchAuthService(appKey string, logger *slog.Logger) *DispatchAuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchAuthService{
		appKey: appKey,
		logger: logger,
	}
}

// GenerateAuthToken mints a signed, short-lived JWT scoped to dispatchJobID.
func (s *DispatchAuthService) GenerateAuthToken(dispatchJobID string) (string, error) {
	if s.appKey == "" {
		return "", ErrAppKeyNotConfigured
	}

	now := time.Now()
	claims := dispatchClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(processingTokenTTL)),
		},
		JobID: dispatchJobID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.appKey))
}

// ValidateAuthToken validates a token from the message router against the
// dispatch job id it claims to authenticate.
func (s *DispatchAuthService) ValidateAuthToken(dispatchJobID, tokenString string) error {
	if tokenString == "" || dispatchJobID == "" {
		return ErrInvalidToken
	}

	if s.appKey == "" {
		s.logger.Error("app key is not configured, cannot validate auth token")
		return ErrAppKeyNotConfigured
	}

	claims := &dispatchClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(s.appKey), nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}

	if claims.JobID != dispatchJobID {
		return ErrInvalidToken
	}

	return nil
}

// IsConfigured returns true if the app key is configured
func (s *DispatchAuthService) IsConfigured() bool {
	return s.appKey != ""
}
