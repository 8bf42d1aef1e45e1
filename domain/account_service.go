package domain

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"projecthub/docstore"
)

// BlobStore stores binary objects and returns their public URL.
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// MaxPhotoBytes limits profile photo uploads.
const MaxPhotoBytes = 5 << 20

// AccountService manages user profiles.
type AccountService struct {
	st    docstore.Store
	blobs BlobStore
	rpc   remote
}

func NewAccountService(st docstore.Store, blobs BlobStore, timeout time.Duration) *AccountService {
	return &AccountService{st: st, blobs: blobs, rpc: remote{timeout: timeout}}
}

// NormalizeEmail lowercases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return &ValidationError{Field: "email", Reason: "required"}
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return &ValidationError{Field: "email", Reason: "malformed address"}
	}
	return nil
}

// Register writes the profile for a signed-in identity. An existing photo is kept.
func (s *AccountService) Register(ctx context.Context, uid, email, name string) (User, error) {
	email = NormalizeEmail(email)
	name = strings.TrimSpace(name)
	if uid == "" {
		return User{}, &ValidationError{Field: "id", Reason: "required"}
	}
	if name == "" {
		return User{}, &ValidationError{Field: "name", Reason: "required"}
	}
	if err := validateEmail(email); err != nil {
		return User{}, err
	}
	var owners []docstore.Document
	err := s.rpc.do(ctx, "lookup user", func(ctx context.Context) error {
		var err error
		owners, err = s.st.Query(ctx, UsersCollection, docstore.Equal(FieldEmail, email))
		return err
	})
	if err != nil {
		return User{}, err
	}
	for _, d := range owners {
		if d.ID != uid {
			return User{}, &ValidationError{Field: "email", Reason: "already registered to another account"}
		}
	}
	u := User{ID: uid, Name: name, Email: email}
	if existing, err := s.Get(ctx, uid); err == nil {
		u.PhotoURL = existing.PhotoURL
	} else if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}
	err = s.rpc.do(ctx, "register user", func(ctx context.Context) error {
		return s.st.Set(ctx, UsersCollection, uid, u.Fields())
	})
	if err != nil {
		return User{}, err
	}
	log.WithField("user", uid).Info("user registered")
	return u, nil
}

// Get returns the profile with the given ID.
func (s *AccountService) Get(ctx context.Context, uid string) (User, error) {
	var doc docstore.Document
	err := s.rpc.do(ctx, "get user", func(ctx context.Context) error {
		var err error
		doc, err = s.st.Get(ctx, UsersCollection, uid)
		return err
	})
	if err != nil {
		return User{}, err
	}
	return UserFromDocument(doc), nil
}

// UpdateProfile changes the display name.
func (s *AccountService) UpdateProfile(ctx context.Context, uid, name string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, &ValidationError{Field: "name", Reason: "required"}
	}
	err := s.rpc.do(ctx, "update user", func(ctx context.Context) error {
		return s.st.Update(ctx, UsersCollection, uid, docstore.Set(FieldName, name))
	})
	if err != nil {
		return User{}, err
	}
	return s.Get(ctx, uid)
}

// UploadPhoto stores the image at profilePictures/<uid> and records its URL.
func (s *AccountService) UploadPhoto(ctx context.Context, uid string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", &ValidationError{Field: "photo", Reason: "empty upload"}
	}
	if len(data) > MaxPhotoBytes {
		return "", &ValidationError{Field: "photo", Reason: "too large"}
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", &ValidationError{Field: "photo", Reason: "must be an image"}
	}
	if s.blobs == nil {
		return "", &RemoteError{Op: "upload photo", Err: errors.New("no blob store configured")}
	}
	if _, err := s.Get(ctx, uid); err != nil {
		return "", err
	}
	var url string
	err := s.rpc.do(ctx, "upload photo", func(ctx context.Context) error {
		var err error
		url, err = s.blobs.Upload(ctx, "profilePictures/"+uid, data, contentType)
		return err
	})
	if err != nil {
		return "", err
	}
	err = s.rpc.do(ctx, "update user", func(ctx context.Context) error {
		return s.st.Update(ctx, UsersCollection, uid, docstore.Set(FieldPhoto, url))
	})
	if err != nil {
		return "", err
	}
	return url, nil
}

// LookupByEmail finds a profile by address, ignoring letter case and
// surrounding whitespace.
func (s *AccountService) LookupByEmail(ctx context.Context, email string) (User, error) {
	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return User{}, err
	}
	var docs []docstore.Document
	err := s.rpc.do(ctx, "lookup user", func(ctx context.Context) error {
		var err error
		docs, err = s.st.Query(ctx, UsersCollection, docstore.Equal(FieldEmail, email))
		return err
	})
	if err != nil {
		return User{}, err
	}
	if len(docs) == 0 {
		return User{}, ErrNotFound
	}
	if len(docs) > 1 {
		log.WithFields(log.Fields{"email": email, "matches": len(docs)}).Warn("several users share an email")
	}
	return UserFromDocument(docs[0]), nil
}
