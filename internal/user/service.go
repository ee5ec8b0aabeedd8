package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	myMiddleware "consultancy-chat/internal/middleware"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const tokenIssuer = "consultancy-chat"

type Service struct {
	repo      Store
	jwtSecret []byte
	tokenTTL  time.Duration
}

type MyJWTClaims struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	CompanyID string `json:"company_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(secret),
		tokenTTL:  tokenTTL,
	}
}

// Register is the self-service sign-up used in development and load tests.
// Tenant membership is taken from the request.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.CompanyID = strings.TrimSpace(req.CompanyID)
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidInput
	}
	// Operators without a tenant are provisioned out of band.
	if req.CompanyID == "" {
		return nil, ErrCompanyRequired
	}
	if req.Role == RoleSystemAdmin {
		return nil, ErrRoleNotAllowed
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username:  req.Username,
		Password:  string(hashedPwd),
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
		CompanyID: req.CompanyID,
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	ss, err := s.IssueToken(u)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
		CompanyID:   u.CompanyID,
	}, nil
}

func (s *Service) IssueToken(u *User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:        u.ID,
		Username:  u.Username,
		CompanyID: u.CompanyID,
		Role:      u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
		},
	})
	return token.SignedString(s.jwtSecret)
}

func (s *Service) ValidateToken(tokenString string) (myMiddleware.Identity, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return myMiddleware.Identity{}, err
	}
	if !token.Valid {
		return myMiddleware.Identity{}, fmt.Errorf("invalid token")
	}

	return myMiddleware.Identity{
		UserID:    claims.ID,
		Username:  claims.Username,
		CompanyID: claims.CompanyID,
		Role:      claims.Role,
	}, nil
}

func (s *Service) SearchUsers(ctx context.Context, companyID, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, companyID, query)
}
