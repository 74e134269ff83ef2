package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var ErrPostNotFound = errors.New("post not found")

// PostStore wraps post persistence. Ordering by CreatedAt descending is
// applied by callers, not assumed from the store.
type PostStore struct {
	db *gorm.DB
}

func NewPostStore(db *gorm.DB) *PostStore {
	return &PostStore{db: db}
}

// Insert assigns a fresh ID and creation timestamp and persists the post.
// IDs are never reused, even after deletion.
func (s *PostStore) Insert(ctx context.Context, post *Post) error {
	post.ID = uuid.NewString()
	post.CreatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Create(post).Error
}

func (s *PostStore) Get(ctx context.Context, id string) (*Post, error) {
	var post Post
	if err := s.db.WithContext(ctx).First(&post, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, err
	}
	return &post, nil
}

func (s *PostStore) ListAll(ctx context.Context) ([]Post, error) {
	var posts []Post
	if err := s.db.WithContext(ctx).Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

func (s *PostStore) ListApproved(ctx context.Context) ([]Post, error) {
	var posts []Post
	if err := s.db.WithContext(ctx).Where("approved = ?", true).Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

func (s *PostStore) ListByAuthor(ctx context.Context, authorID string) ([]Post, error) {
	var posts []Post
	if err := s.db.WithContext(ctx).Where("author_id = ?", authorID).Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// ListScanCandidates returns posts of the given kind eligible for a
// moderation scan: not already under review, and still approved. The
// approved-only filter prevents re-flagging already-rejected content.
func (s *PostStore) ListScanCandidates(ctx context.Context, kind PostKind) ([]Post, error) {
	var posts []Post
	err := s.db.WithContext(ctx).
		Where("kind = ? AND under_review = ? AND approved = ?", kind, false, true).
		Find(&posts).Error
	if err != nil {
		return nil, err
	}
	return posts, nil
}

// SetUnderReview marks a post as flagged for admin review.
func (s *PostStore) SetUnderReview(ctx context.Context, id string, underReview bool) error {
	res := s.db.WithContext(ctx).Model(&Post{}).Where("id = ?", id).
		Update("under_review", underReview)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPostNotFound
	}
	return nil
}

// SetDecision records an admin approve/reject decision. Either decision
// clears the under-review flag.
func (s *PostStore) SetDecision(ctx context.Context, id string, approved bool) error {
	res := s.db.WithContext(ctx).Model(&Post{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"approved":     approved,
			"under_review": false,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPostNotFound
	}
	return nil
}

// Delete removes the post permanently. Deleting an unknown id is an error.
func (s *PostStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Post{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPostNotFound
	}
	return nil
}

// SetupDatabase opens the database named by dbURL (sqlite:// or
// postgres://) and runs migrations.
func SetupDatabase(dbURL string, maxConns int) (*gorm.DB, error) {
	var dialector gorm.Dialector
	isSqlite := false

	if strings.HasPrefix(dbURL, "sqlite://") {
		sqlitePath := dbURL[len("sqlite://"):]
		dialector = sqlite.Open(sqlitePath)
		isSqlite = true
	} else if strings.HasPrefix(dbURL, "postgresql://") || strings.HasPrefix(dbURL, "postgres://") {
		dialector = postgres.Open(dbURL)
	} else {
		return nil, fmt.Errorf("unsupported database URL scheme: must start with sqlite://, postgres://, or postgresql://")
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: slogGorm.New(),
	})
	if err != nil {
		return nil, err
	}

	if isSqlite {
		db.Exec("PRAGMA journal_mode=WAL;")
		db.Exec("PRAGMA synchronous=NORMAL;")
		db.Exec("PRAGMA busy_timeout=10000;")
	} else {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns)
		sqlDB.SetConnMaxIdleTime(time.Hour)
	}

	if err := db.AutoMigrate(&Post{}); err != nil {
		return nil, err
	}

	return db, nil
}
