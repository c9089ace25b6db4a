// Package storefront implements the shop and social side of the app:
// profiles, posts, follows, purchases, reviews and the back-office
// stats.
package storefront

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/auth"
	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/media"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

var (
	ErrUsernameRequired = apperr.InvalidArg("username is required")
	ErrFullNameRequired = apperr.InvalidArg("full name is required")
	ErrUsernameTaken    = apperr.AlreadyExists("username already taken")
	ErrProfileExists    = apperr.AlreadyExists("profile already exists")
	ErrNoProfile        = apperr.NotFound("profile not found")
	ErrSelfFollow       = apperr.InvalidArg("you cannot follow yourself")
	ErrAdminOnly        = apperr.Forbidden("admin access required")
)

// ProfileInput holds the user-editable profile fields.
type ProfileInput struct {
	Username    string  `json:"username"`
	FullName    string  `json:"full_name"`
	Bio         *string `json:"bio,omitempty"`
	PhoneNumber *string `json:"phone_number,omitempty"`
	HouseNumber *string `json:"house_number,omitempty"`
	Street      *string `json:"street,omitempty"`
	District    *string `json:"district,omitempty"`
	State       *string `json:"state,omitempty"`
	Pincode     *string `json:"pincode,omitempty"`
	PhotoURL    *string `json:"profile_photo,omitempty"`
}

func (in ProfileInput) validate() (ProfileInput, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.FullName = strings.TrimSpace(in.FullName)
	if in.Username == "" {
		return in, ErrUsernameRequired
	}
	if in.FullName == "" {
		return in, ErrFullNameRequired
	}
	return in, nil
}

func (in ProfileInput) apply(p *models.Profile) {
	p.Username = in.Username
	p.FullName = in.FullName
	p.Bio = in.Bio
	p.PhoneNumber = in.PhoneNumber
	p.HouseNumber = in.HouseNumber
	p.Street = in.Street
	p.District = in.District
	p.State = in.State
	p.Pincode = in.Pincode
	if in.PhotoURL != nil {
		p.AvatarURL = in.PhotoURL
	}
}

type Service struct {
	client   *backend.Client
	uploader *media.Uploader
	logger   zerolog.Logger
}

func NewService(client *backend.Client, uploader *media.Uploader, logger zerolog.Logger) *Service {
	return &Service{
		client:   client,
		uploader: uploader,
		logger:   logger.With().Str("component", "storefront").Logger(),
	}
}

// Profiles

func (s *Service) Profile(ctx context.Context, userID string) (*models.Profile, error) {
	p, err := s.client.Directory.Profile(ctx, userID)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, ErrNoProfile
	}
	return p, err
}

// CreateProfile sets up the profile of a signed-in user who has none.
func (s *Service) CreateProfile(ctx context.Context, id auth.Identity, in ProfileInput) (*models.Profile, error) {
	in, err := in.validate()
	if err != nil {
		return nil, err
	}
	p := models.Profile{UserID: id.UserID, Email: id.Email}
	in.apply(&p)

	err = s.client.Directory.CreateProfile(ctx, p)
	if errors.Is(err, backend.ErrConflict) {
		if _, perr := s.client.Directory.Profile(ctx, id.UserID); perr == nil {
			return nil, ErrProfileExists
		}
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", id.UserID).Str("username", p.Username).Msg("profile created")
	return s.Profile(ctx, id.UserID)
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (*models.Profile, error) {
	in, err := in.validate()
	if err != nil {
		return nil, err
	}
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	in.apply(p)
	if err := s.save(ctx, *p); err != nil {
		return nil, err
	}
	return s.Profile(ctx, userID)
}

func (s *Service) save(ctx context.Context, p models.Profile) error {
	err := s.client.Directory.UpdateProfile(ctx, p)
	switch {
	case errors.Is(err, backend.ErrConflict):
		return ErrUsernameTaken
	case errors.Is(err, backend.ErrNotFound):
		return ErrNoProfile
	}
	return err
}

// UploadPhoto stores a new profile photo and points the profile at it.
func (s *Service) UploadPhoto(ctx context.Context, userID string, f media.File) (string, error) {
	if err := media.ValidateImage(f.ContentType, f.Size); err != nil {
		return "", err
	}
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return "", err
	}
	url, err := s.uploader.Upload(ctx, media.BucketProfilePhotos, userID, f)
	if err != nil {
		return "", err
	}
	p.AvatarURL = &url
	if err := s.save(ctx, *p); err != nil {
		return "", err
	}
	return url, nil
}

// Posts

// Posts lists a user's posts, newest first.
func (s *Service) Posts(ctx context.Context, userID string) ([]models.Post, error) {
	posts, err := s.client.Posts.PostsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if posts == nil {
		posts = []models.Post{}
	}
	return posts, nil
}

func (s *Service) CreatePost(ctx context.Context, userID string, caption string, f media.File) (*models.Post, error) {
	url, err := s.uploader.Upload(ctx, media.BucketPosts, userID, f)
	if err != nil {
		return nil, err
	}
	post := models.Post{UserID: userID, ImageURL: url}
	if c := strings.TrimSpace(caption); c != "" {
		post.Caption = &c
	}
	created, err := s.client.Posts.InsertPost(ctx, post)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("image_url", url).Msg("insert post after upload")
		return nil, err
	}
	return created, nil
}

// Follows

func (s *Service) Follow(ctx context.Context, followerID, followingID string) error {
	if err := s.checkFollowTarget(ctx, followerID, followingID); err != nil {
		return err
	}
	return s.client.Follows.Follow(ctx, followerID, followingID)
}

func (s *Service) Unfollow(ctx context.Context, followerID, followingID string) error {
	if followerID == followingID {
		return ErrSelfFollow
	}
	return s.client.Follows.Unfollow(ctx, followerID, followingID)
}

func (s *Service) IsFollowing(ctx context.Context, followerID, followingID string) (bool, error) {
	return s.client.Follows.IsFollowing(ctx, followerID, followingID)
}

func (s *Service) checkFollowTarget(ctx context.Context, followerID, followingID string) error {
	if followerID == followingID {
		return ErrSelfFollow
	}
	_, err := s.Profile(ctx, followingID)
	return err
}

// Shop

func (s *Service) Products(ctx context.Context, category string) ([]models.Product, error) {
	products, err := s.client.Catalog.Products(ctx, strings.TrimSpace(category))
	if products == nil && err == nil {
		products = []models.Product{}
	}
	return products, err
}

// Orders lists what a user bought, newest order first.
func (s *Service) Orders(ctx context.Context, userID string) ([]models.Order, error) {
	orders, err := s.client.Catalog.OrdersByUser(ctx, userID)
	if orders == nil && err == nil {
		orders = []models.Order{}
	}
	return orders, err
}

func (s *Service) Reviews(ctx context.Context, userID string) ([]models.Review, error) {
	reviews, err := s.client.Catalog.ReviewsByUser(ctx, userID)
	if reviews == nil && err == nil {
		reviews = []models.Review{}
	}
	return reviews, err
}

// Stats is the back-office summary. Only admins may read it.
func (s *Service) Stats(ctx context.Context, id auth.Identity) (*models.Stats, error) {
	if !id.IsAdmin {
		return nil, ErrAdminOnly
	}
	return s.client.Catalog.Stats(ctx)
}
