package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/capitalize-ai/support-router/internal/model"
	"github.com/capitalize-ai/support-router/internal/store"
	"github.com/capitalize-ai/support-router/pkg/logger"
	"github.com/capitalize-ai/support-router/pkg/metrics"
)

// Account errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already registered")
	ErrInvalidAccount     = errors.New("invalid username or password")
)

const (
	maxUsernameLength = 64
	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes.
	maxPasswordLength = 72
)

// dummyHash is compared against when the username is unknown so that login
// latency does not reveal which usernames exist.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("support-router-dummy-password"), bcrypt.DefaultCost)

// AccountService handles agent registration and login.
type AccountService struct {
	agents store.AgentStore
	tokens *JWTGateway
	logger *logger.Logger
}

// NewAccountService creates an account service.
func NewAccountService(agents store.AgentStore, tokens *JWTGateway, log *logger.Logger) *AccountService {
	return &AccountService{
		agents: agents,
		tokens: tokens,
		logger: logger.OrGlobal(log).Named("accounts"),
	}
}

// Register creates an agent account and returns a token for it.
func (s *AccountService) Register(ctx context.Context, username, password string) (*model.AuthResponse, error) {
	username = strings.TrimSpace(username)
	if err := validateAccount(username, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	agent := &model.Agent{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.agents.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrAgentExists) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	token, err := s.tokens.IssueToken(agent.ID, agent.Username)
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("username", agent.Username),
	)

	return &model.AuthResponse{ID: agent.ID, Username: agent.Username, Token: token}, nil
}

// Login verifies credentials and returns a fresh token.
func (s *AccountService) Login(ctx context.Context, username, password string) (*model.AuthResponse, error) {
	username = strings.TrimSpace(username)

	agent, err := s.agents.GetAgentByUsername(ctx, username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}

	if agent == nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		metrics.AuthFailuresTotal.WithLabelValues("unknown_user").Inc()
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(agent.PasswordHash), []byte(password)); err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("bad_password").Inc()
		return nil, ErrInvalidCredentials
	}

	token, err := s.tokens.IssueToken(agent.ID, agent.Username)
	if err != nil {
		return nil, err
	}

	return &model.AuthResponse{ID: agent.ID, Username: agent.Username, Token: token}, nil
}

func validateAccount(username, password string) error {
	switch {
	case username == "":
		return fmt.Errorf("%w: username is required", ErrInvalidAccount)
	case utf8.RuneCountInString(username) > maxUsernameLength:
		return fmt.Errorf("%w: username too long", ErrInvalidAccount)
	case len(password) < minPasswordLength:
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidAccount, minPasswordLength)
	case len(password) > maxPasswordLength:
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidAccount, maxPasswordLength)
	}
	return nil
}
