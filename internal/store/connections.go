package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/finbridge/exactlink/internal/clock"
	"github.com/finbridge/exactlink/internal/db/models"
	"github.com/finbridge/exactlink/internal/secrets"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrIncompleteTokenPair rejects an activation that would leave the
// connection with only one half of the credential pair.
var ErrIncompleteTokenPair = errors.New("activation requires both access and refresh tokens")

// ErrConnectionNotFound is returned when no row matches the id.
var ErrConnectionNotFound = errors.New("connection not found")

// Connections persists Connection rows and owns their state transitions.
// Token and client-secret fields are encrypted before they hit the
// database; every read hands back decrypted values.
type Connections struct {
	db     *gorm.DB
	cipher *secrets.Cipher
	clock  clock.Clock
}

func NewConnections(db *gorm.DB, cipher *secrets.Cipher, clk clock.Clock) *Connections {
	return &Connections{db: db, cipher: cipher, clock: clk}
}

// Create inserts an inactive connection awaiting its OAuth flow.
func (s *Connections) Create(userID, clientID, clientSecret string) (*models.Connection, error) {
	encSecret, err := s.cipher.Encrypt(clientSecret)
	if err != nil {
		return nil, fmt.Errorf("encrypt client secret: %w", err)
	}
	conn := &models.Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		ClientID:     clientID,
		ClientSecret: encSecret,
		IsActive:     false,
		Metadata:     "{}",
	}
	if err := s.db.Create(conn).Error; err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	return s.decrypt(conn)
}

// Get returns the connection with decrypted credentials.
func (s *Connections) Get(id string) (*models.Connection, error) {
	var conn models.Connection
	if err := s.db.First(&conn, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("load connection %s: %w", id, err)
	}
	return s.decrypt(&conn)
}

// ListActive returns all active connections, decrypted.
func (s *Connections) ListActive() ([]*models.Connection, error) {
	var rows []models.Connection
	if err := s.db.Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list active connections: %w", err)
	}
	out := make([]*models.Connection, 0, len(rows))
	for i := range rows {
		conn, err := s.decrypt(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

// Activate performs the Unauthenticated -> Active transition after the
// OAuth code exchange. Both tokens must be present; otherwise the
// connection stays unauthenticated.
func (s *Connections) Activate(id, accessToken, refreshToken string, tokenExpiresAt, refreshTokenExpiresAt int64) error {
	if accessToken == "" || refreshToken == "" {
		return ErrIncompleteTokenPair
	}
	updates, err := s.encryptTokenPair(accessToken, refreshToken)
	if err != nil {
		return err
	}
	updates["token_expires_at"] = tokenExpiresAt
	updates["refresh_token_expires_at"] = refreshTokenExpiresAt
	updates["last_token_refresh_at"] = s.clock.Now().Unix()
	updates["is_active"] = true
	return s.update(id, updates)
}

// SaveRefreshedTokens performs the Active -> Active refresh transition.
// Both tokens and both expiries are always rewritten together; a
// mismatched pair is worse than no update.
func (s *Connections) SaveRefreshedTokens(id, accessToken, refreshToken string, tokenExpiresAt, refreshTokenExpiresAt int64) error {
	if accessToken == "" || refreshToken == "" {
		return ErrIncompleteTokenPair
	}
	updates, err := s.encryptTokenPair(accessToken, refreshToken)
	if err != nil {
		return err
	}
	updates["token_expires_at"] = tokenExpiresAt
	updates["refresh_token_expires_at"] = refreshTokenExpiresAt
	updates["last_token_refresh_at"] = s.clock.Now().Unix()
	return s.update(id, updates)
}

// Revoke clears every token field and deactivates the connection.
// Irreversible without a fresh OAuth flow.
func (s *Connections) Revoke(id string) error {
	return s.update(id, map[string]any{
		"access_token":             "",
		"refresh_token":            "",
		"token_expires_at":         0,
		"refresh_token_expires_at": 0,
		"is_active":                false,
	})
}

// Touch records API activity on the connection.
func (s *Connections) Touch(id string) error {
	return s.update(id, map[string]any{"last_used_at": s.clock.Now()})
}

// SetDivision stores the provider tenant partition after connect.
func (s *Connections) SetDivision(id string, division int64) error {
	return s.update(id, map[string]any{"division": division})
}

// SetMetadata merges one key into the connection's metadata blob.
func (s *Connections) SetMetadata(id, key string, value any) error {
	conn, err := s.Get(id)
	if err != nil {
		return err
	}
	meta := map[string]any{}
	if conn.Metadata != "" {
		if err := json.Unmarshal([]byte(conn.Metadata), &meta); err != nil {
			meta = map[string]any{}
		}
	}
	meta[key] = value
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return s.update(id, map[string]any{"metadata": string(raw)})
}

func (s *Connections) update(id string, updates map[string]any) error {
	res := s.db.Model(&models.Connection{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update connection %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

func (s *Connections) encryptTokenPair(accessToken, refreshToken string) (map[string]any, error) {
	encAccess, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := s.cipher.Encrypt(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return map[string]any{
		"access_token":  encAccess,
		"refresh_token": encRefresh,
	}, nil
}

func (s *Connections) decrypt(conn *models.Connection) (*models.Connection, error) {
	var err error
	if conn.AccessToken, err = s.cipher.Decrypt(conn.AccessToken); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if conn.RefreshToken, err = s.cipher.Decrypt(conn.RefreshToken); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if conn.ClientSecret, err = s.cipher.Decrypt(conn.ClientSecret); err != nil {
		return nil, fmt.Errorf("decrypt client secret: %w", err)
	}
	return conn, nil
}
