package identity

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidRoom indicates a visit was recorded without a room id.
	ErrInvalidRoom = errors.New("identity: room id is required")

	errMissingDatabase = errors.New("identity: database connection required")
)

var usernamePrefixes = []string{"Anonymous", "Guest", "Coder", "Developer"}

// RandomUsername returns a display name such as "Coder_417".
func RandomUsername() string {
	return fmt.Sprintf("%s_%d", usernamePrefixes[rand.Intn(len(usernamePrefixes))], rand.Intn(1000))
}

func newUserID() (string, error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return identifier.String(), nil
}

// Profile is the identity a session connects with.
type Profile struct {
	UserID   string
	Username string
}

// Overrides replace the stored identity fields when non-empty.
type Overrides struct {
	UserID   string
	Username string
}

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDGenerator   func() (string, error)
	NameGenerator func() string
	Logger        *zap.Logger
}

// Service manages the durable local identity and the rooms it has visited.
type Service struct {
	db            *gorm.DB
	now           func() time.Time
	idGenerator   func() (string, error)
	nameGenerator func() string
	logger        *zap.Logger

	mu     sync.Mutex
	cached *Profile
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idGenerator := cfg.IDGenerator
	if idGenerator == nil {
		idGenerator = newUserID
	}
	nameGenerator := cfg.NameGenerator
	if nameGenerator == nil {
		nameGenerator = RandomUsername
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:            cfg.Database,
		now:           clock,
		idGenerator:   idGenerator,
		nameGenerator: nameGenerator,
		logger:        logger,
	}, nil
}

// Resolve returns the stored identity, generating and persisting one on first use.
// Non-empty overrides are persisted so the next run reuses them.
func (s *Service) Resolve(overrides Overrides) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userOverride := normalize(overrides.UserID)
	nameOverride := normalize(overrides.Username)
	if s.cached != nil && (userOverride == "" || userOverride == s.cached.UserID) && (nameOverride == "" || nameOverride == s.cached.Username) {
		return *s.cached, nil
	}

	var stored Identity
	err := s.db.Where("profile_key = ?", localProfileKey).First(&stored).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		stored, err = s.create(userOverride, nameOverride)
		if err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, fmt.Errorf("identity: load profile: %w", err)
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if userOverride != "" && userOverride != stored.UserID {
			updates["user_id"] = userOverride
			stored.UserID = userOverride
		}
		if nameOverride != "" && nameOverride != stored.Username {
			updates["username"] = nameOverride
			stored.Username = nameOverride
		}
		if err := s.db.Model(&Identity{}).Where("profile_key = ?", localProfileKey).Updates(updates).Error; err != nil {
			return Profile{}, fmt.Errorf("identity: update profile: %w", err)
		}
	}

	profile := Profile{UserID: stored.UserID, Username: stored.Username}
	s.cached = &profile
	return profile, nil
}

func (s *Service) create(userID, username string) (Identity, error) {
	if userID == "" {
		generated, err := s.idGenerator()
		if err != nil {
			return Identity{}, fmt.Errorf("identity: generate user id: %w", err)
		}
		userID = generated
	}
	if username == "" {
		username = s.nameGenerator()
	}
	record := Identity{
		ProfileKey: localProfileKey,
		UserID:     userID,
		Username:   username,
		LastSeenAt: s.now().UTC(),
	}
	if err := s.db.Create(&record).Error; err != nil {
		return Identity{}, fmt.Errorf("identity: create profile: %w", err)
	}
	s.logger.Info("generated local identity", zap.String("user_id", userID), zap.String("username", username))
	return record, nil
}

// RecordVisit upserts a room visit, bumping its join count.
func (s *Service) RecordVisit(roomID, serverURL string) error {
	room := normalize(roomID)
	if room == "" {
		return ErrInvalidRoom
	}
	joinedAt := s.now().UTC()
	visit := RoomVisit{
		RoomID:       room,
		ServerURL:    normalize(serverURL),
		JoinCount:    1,
		LastJoinedAt: joinedAt,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"server_url":     visit.ServerURL,
			"last_joined_at": joinedAt,
			"join_count":     gorm.Expr("join_count + 1"),
		}),
	}).Create(&visit).Error
	if err != nil {
		return fmt.Errorf("identity: record visit: %w", err)
	}
	return nil
}

// RecentVisits lists visited rooms, most recent first.
func (s *Service) RecentVisits(limit int) ([]RoomVisit, error) {
	if limit <= 0 {
		limit = 10
	}
	var visits []RoomVisit
	if err := s.db.Order("last_joined_at DESC").Limit(limit).Find(&visits).Error; err != nil {
		return nil, fmt.Errorf("identity: list visits: %w", err)
	}
	return visits, nil
}
