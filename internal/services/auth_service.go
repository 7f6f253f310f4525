package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"dynamic-api/configs"
	"dynamic-api/internal/database"
	"dynamic-api/internal/engine"
	"dynamic-api/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateClient    = errors.New("email already registered")
)

type AuthService struct {
	db     *database.DBManager
	cfg    *configs.Config
	allow  []*net.IPNet
	logger *slog.Logger
}

func NewAuthService(cfg *configs.Config, db *database.DBManager, logger *slog.Logger) *AuthService {
	return &AuthService{
		db:     db,
		cfg:    cfg,
		allow:  parseNetworks(cfg.IPAllowList),
		logger: logger,
	}
}

type Claims struct {
	ClientID    string       `json:"client_id"`
	Role        string       `json:"role"`
	Scope       models.Scope `json:"scope"`
	IPWhitelist []string     `json:"ip_whitelist,omitempty"`
	jwt.RegisteredClaims
}

func (s *AuthService) GenerateToken(client *models.APIClient) (string, error) {
	now := time.Now()
	claims := &Claims{
		ClientID:    client.ClientID,
		Role:        client.Role,
		Scope:       ParseScope(client.Scope),
		IPWhitelist: splitList(client.IPWhitelist),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "dynamic-api",
			Subject:   client.ClientID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Authenticate resolves the caller from a Bearer token or an X-API-Key header
// of the form <client_id>.<secret>. A request with neither yields no principal
// and no error. A caller outside its own IP whitelist is denied.
func (s *AuthService) Authenticate(ctx context.Context, req *engine.Request) (*models.Principal, error) {
	var principal *models.Principal

	switch {
	case strings.HasPrefix(req.Header.Get("Authorization"), "Bearer "):
		claims, err := s.ValidateToken(strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer "))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		principal = &models.Principal{
			ID:          claims.ClientID,
			Role:        claims.Role,
			Scope:       claims.Scope,
			IPWhitelist: claims.IPWhitelist,
		}
	case req.Header.Get("X-API-Key") != "":
		client, err := s.ValidateAPIKey(ctx, req.Header.Get("X-API-Key"))
		if err != nil {
			return nil, err
		}
		principal = principalFor(client)
	default:
		return nil, nil
	}

	if !CheckIPWhitelist(principal.IPWhitelist, req.IP) {
		return nil, fmt.Errorf("%w: ip %s not whitelisted for client %s", engine.ErrPermissionDenied, req.IP, principal.ID)
	}
	return principal, nil
}

// ValidateAPIKey checks a <client_id>.<secret> key against the stored hash.
func (s *AuthService) ValidateAPIKey(ctx context.Context, apiKey string) (*models.APIClient, error) {
	clientID, secret, ok := strings.Cut(apiKey, ".")
	if !ok || clientID == "" || secret == "" {
		return nil, ErrInvalidCredentials
	}

	client, err := s.db.ClientByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !s.CheckAPIKeyHash(secret, client.APIKeyHash) {
		return nil, ErrInvalidCredentials
	}
	return client, nil
}

// IssueToken exchanges a valid API key for a signed token.
func (s *AuthService) IssueToken(ctx context.Context, apiKey string) (string, *models.APIClient, error) {
	client, err := s.ValidateAPIKey(ctx, apiKey)
	if err != nil {
		return "", nil, err
	}
	token, err := s.GenerateToken(client)
	if err != nil {
		return "", nil, err
	}
	return token, client, nil
}

type Registration struct {
	Name        string
	Email       string
	Role        string
	Scope       models.Scope
	IPWhitelist string
}

// RegisterClient stores a new API client and returns it with its plain API
// key, which is never persisted.
func (s *AuthService) RegisterClient(ctx context.Context, reg Registration) (*models.APIClient, string, error) {
	var existing int64
	if err := s.db.WriteDB.WithContext(ctx).Model(&models.APIClient{}).Where("email = ?", reg.Email).Count(&existing).Error; err != nil {
		return nil, "", err
	}
	if existing > 0 {
		return nil, "", ErrDuplicateClient
	}

	clientID := uuid.New().String()
	secret := strings.ReplaceAll(uuid.New().String(), "-", "")

	hashed, err := s.HashAPIKey(secret)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}
	scope, err := json.Marshal(reg.Scope)
	if err != nil {
		return nil, "", err
	}
	role := reg.Role
	if role == "" {
		role = models.RoleClient
	}

	client := &models.APIClient{
		ClientID:    clientID,
		Name:        reg.Name,
		Email:       reg.Email,
		APIKeyHash:  hashed,
		IPWhitelist: reg.IPWhitelist,
		Role:        role,
		Scope:       string(scope),
	}
	if err := s.db.WriteDB.WithContext(ctx).Create(client).Error; err != nil {
		return nil, "", err
	}

	s.logger.Info("api client registered", "client_id", clientID, "role", role)
	return client, clientID + "." + secret, nil
}

func (s *AuthService) HashAPIKey(apiKey string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	return string(bytes), err
}

func (s *AuthService) CheckAPIKeyHash(apiKey, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey))
	return err == nil
}

// HasScope reports whether p may execute ep. Admins and scope.all reach
// everything; otherwise the endpoint must be listed by id, category or
// datasource.
func (s *AuthService) HasScope(p *models.Principal, ep *models.Endpoint) bool {
	if p == nil || ep == nil {
		return false
	}
	if p.Role == models.RoleAdmin || p.Scope.All {
		return true
	}
	return slices.Contains(p.Scope.EndpointIDs, ep.ID) ||
		(ep.Category != "" && slices.Contains(p.Scope.Categories, ep.Category)) ||
		slices.Contains(p.Scope.DatasourceIDs, ep.DatasourceID)
}

// IsIPAllowed applies the global allow-list when IP whitelisting is enabled.
func (s *AuthService) IsIPAllowed(req *engine.Request) bool {
	if !s.cfg.EnableIPWhitelist || len(s.allow) == 0 {
		return true
	}
	ip := net.ParseIP(req.IP)
	if ip == nil {
		return false
	}
	for _, n := range s.allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Data encryption functions
func (s *AuthService) EncryptData(data string) (string, error) {
	block, err := aes.NewCipher([]byte(s.cfg.EncryptionKey))
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], []byte(data))

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

func (s *AuthService) DecryptData(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	ciphertext, err := base64.URLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher([]byte(s.cfg.EncryptionKey))
	if err != nil {
		return "", err
	}

	if len(ciphertext) < aes.BlockSize {
		return "", errors.New("ciphertext too short")
	}

	iv := ciphertext[:aes.BlockSize]
	ciphertext = ciphertext[aes.BlockSize:]

	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(ciphertext, ciphertext)

	return string(ciphertext), nil
}

// CheckIPWhitelist accepts ip when the whitelist is empty or lists it as an
// address or CIDR range.
func CheckIPWhitelist(whitelist []string, ip string) bool {
	if len(whitelist) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	for _, allowed := range whitelist {
		if allowed == ip {
			return true
		}
		if _, n, err := net.ParseCIDR(allowed); err == nil && parsed != nil && n.Contains(parsed) {
			return true
		}
	}
	return false
}

func GetClientIPv4(c *gin.Context) string {
	ip := c.ClientIP()

	switch ip {
	case "::1":
		return "127.0.0.1"
	default:
		if strings.HasPrefix(ip, "::ffff:") {
			return ip[7:]
		}
	}

	return ip
}

// ParseScope reads a stored scope; unreadable text grants nothing.
func ParseScope(text string) models.Scope {
	var scope models.Scope
	if strings.TrimSpace(text) == "" {
		return scope
	}
	if err := json.Unmarshal([]byte(text), &scope); err != nil {
		return models.Scope{}
	}
	return scope
}

func principalFor(client *models.APIClient) *models.Principal {
	return &models.Principal{
		ID:          client.ClientID,
		Role:        client.Role,
		Scope:       ParseScope(client.Scope),
		IPWhitelist: splitList(client.IPWhitelist),
	}
}

func parseNetworks(list []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, item := range list {
		if !strings.Contains(item, "/") {
			if ip := net.ParseIP(item); ip != nil && ip.To4() != nil {
				item += "/32"
			} else {
				item += "/128"
			}
		}
		if _, n, err := net.ParseCIDR(item); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
