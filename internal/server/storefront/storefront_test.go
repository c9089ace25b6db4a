package storefront

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/auth"
	"github.com/cloudzz-dev/cldzshop/internal/server/media"
	"github.com/cloudzz-dev/cldzshop/internal/server/memory"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *memory.Backend) {
	t.Helper()
	mem := memory.New()
	up := media.NewUploader(mem, clockwork.NewFakeClockAt(t0))
	return NewService(mem.Client(), up, zerolog.Nop()), mem
}

var signatures = map[string][]byte{
	"image/png":  []byte("\x89PNG\r\n\x1a\n"),
	"image/jpeg": []byte("\xff\xd8\xff\xe0"),
}

// image is a file of size bytes that starts with contentType's signature.
func image(contentType string, size int) media.File {
	data := make([]byte, size)
	copy(data, signatures[contentType])
	return media.File{Name: "upload", ContentType: contentType, Size: int64(size), Body: bytes.NewReader(data)}
}

func TestCreateProfile(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	ada := auth.Identity{UserID: "u1", Email: "ada@example.com"}

	_, err := svc.CreateProfile(ctx, ada, ProfileInput{Username: " ", FullName: "Ada"})
	assert.ErrorIs(t, err, ErrUsernameRequired)
	_, err = svc.CreateProfile(ctx, ada, ProfileInput{Username: "ada"})
	assert.ErrorIs(t, err, ErrFullNameRequired)
	assert.Equal(t, 0, mem.Calls("CreateProfile"))

	p, err := svc.CreateProfile(ctx, ada, ProfileInput{Username: " ada ", FullName: "Ada Lovelace"})
	require.NoError(t, err)
	assert.Equal(t, "ada", p.Username)
	assert.Equal(t, "ada@example.com", p.Email)

	_, err = svc.CreateProfile(ctx, ada, ProfileInput{Username: "ada2", FullName: "Ada"})
	assert.ErrorIs(t, err, ErrProfileExists)

	_, err = svc.CreateProfile(ctx, auth.Identity{UserID: "u2"}, ProfileInput{Username: "ADA", FullName: "Other"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.Equal(t, apperr.CodeAlreadyExists, apperr.CodeOf(err))
}

func TestUpdateProfileKeepsPhotoAndCounters(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	photo := "memory://profile-photos/u1/1.jpg"
	mem.PutProfile(models.Profile{UserID: "u1", Username: "ada", FullName: "Ada", AvatarURL: &photo, FollowersCount: 3})
	mem.PutProfile(models.Profile{UserID: "u2", Username: "bob", FullName: "Bob"})

	bio := "math"
	p, err := svc.UpdateProfile(ctx, "u1", ProfileInput{Username: "ada", FullName: "Ada L.", Bio: &bio})
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", p.FullName)
	assert.Equal(t, "math", *p.Bio)
	require.NotNil(t, p.AvatarURL)
	assert.Equal(t, photo, *p.AvatarURL)
	assert.Equal(t, 3, p.FollowersCount)

	_, err = svc.UpdateProfile(ctx, "u1", ProfileInput{Username: "bob", FullName: "Ada"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	_, err = svc.UpdateProfile(ctx, "nobody", ProfileInput{Username: "x", FullName: "X"})
	assert.ErrorIs(t, err, ErrNoProfile)
}

func TestUploadPhotoStoresURLOnProfile(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	mem.PutProfile(models.Profile{UserID: "u1", Username: "ada", FullName: "Ada"})

	url, err := svc.UploadPhoto(ctx, "u1", image("image/png", 1024))
	require.NoError(t, err)
	assert.Equal(t, "memory://profile-photos/u1/1709294400000.png", url)

	p, err := svc.Profile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p.AvatarURL)
	assert.Equal(t, url, *p.AvatarURL)
	_, stored := mem.Blob(media.BucketProfilePhotos, "u1/1709294400000.png")
	assert.True(t, stored)
}

func TestInvalidUploadsNeverReachStorage(t *testing.T) {
	ctx := context.Background()
	tooBig := image("image/jpeg", 6<<20)
	notImage := media.File{Name: "notes.pdf", ContentType: "application/pdf", Size: 10, Body: strings.NewReader("%PDF-1.4")}

	html := "<html><script>alert(1)</script></html>"
	files := map[string]func() media.File{
		"six megabytes": func() media.File { return tooBig },
		"pdf":           func() media.File { return notImage },
		"html declared as png": func() media.File {
			return media.File{Name: "evil.html", ContentType: "image/png", Size: int64(len(html)), Body: strings.NewReader(html)}
		},
	}

	for name, file := range files {
		t.Run(name, func(t *testing.T) {
			f := file()
			svc, mem := newService(t)
			mem.PutProfile(models.Profile{UserID: "u1", Username: "ada", FullName: "Ada"})

			_, err := svc.UploadPhoto(ctx, "u1", f)
			assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
			f = file()
			_, err = svc.CreatePost(ctx, "u1", "caption", f)
			assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))

			assert.Equal(t, 0, mem.Calls("Upload"))
			assert.Equal(t, 0, mem.Calls("InsertPost"))
			assert.Equal(t, 0, mem.Calls("UpdateProfile"))
		})
	}
}

func TestUploadWithUnderstatedSizeIsRejected(t *testing.T) {
	svc, mem := newService(t)
	f := media.File{Name: "a.jpg", ContentType: "image/jpeg", Size: 10, Body: bytes.NewReader(make([]byte, 6<<20))}

	_, err := svc.CreatePost(context.Background(), "u1", "", f)
	assert.ErrorIs(t, err, media.ErrTooLarge)
	assert.Equal(t, 0, mem.Calls("Upload"))
}

func TestCreatePostAndListNewestFirst(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()

	now := t0
	mem.SetNow(func() time.Time { now = now.Add(time.Minute); return now })

	first, err := svc.CreatePost(ctx, "u1", "  first  ", image("image/jpeg", 10))
	require.NoError(t, err)
	require.NotNil(t, first.Caption)
	assert.Equal(t, "first", *first.Caption)
	assert.True(t, strings.HasPrefix(first.ImageURL, "memory://posts/u1/"))

	second, err := svc.CreatePost(ctx, "u1", "", image("image/jpeg", 10))
	require.NoError(t, err)
	assert.Nil(t, second.Caption)

	posts, err := svc.Posts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, second.ID, posts[0].ID)
	assert.Equal(t, first.ID, posts[1].ID)

	empty, err := svc.Posts(ctx, "u2")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestFollow(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	mem.PutProfile(models.Profile{UserID: "u1", Username: "ada", FullName: "Ada"})
	mem.PutProfile(models.Profile{UserID: "u2", Username: "bob", FullName: "Bob"})

	assert.ErrorIs(t, svc.Follow(ctx, "u1", "u1"), ErrSelfFollow)
	assert.ErrorIs(t, svc.Unfollow(ctx, "u1", "u1"), ErrSelfFollow)
	assert.ErrorIs(t, svc.Follow(ctx, "u1", "ghost"), ErrNoProfile)
	assert.Equal(t, 0, mem.Calls("Follow"))

	require.NoError(t, svc.Follow(ctx, "u1", "u2"))
	require.NoError(t, svc.Follow(ctx, "u1", "u2"))
	following, err := svc.IsFollowing(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.True(t, following)

	bob, err := svc.Profile(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, bob.FollowersCount)

	require.NoError(t, svc.Unfollow(ctx, "u1", "u2"))
	bob, err = svc.Profile(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 0, bob.FollowersCount)
}

func TestShopQueries(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	mem.PutProduct(models.Product{ID: "p1", Name: "Tea", Category: "Drinks", PriceCents: 300})
	mem.PutProduct(models.Product{ID: "p2", Name: "Mug", Category: "Kitchen", PriceCents: 900})
	mem.PutOrder(models.Order{ID: "o1", UserID: "u1", ProductID: "p1", ProductName: "Tea", TotalCents: 300, OrderDate: t0})
	mem.PutOrder(models.Order{ID: "o2", UserID: "u1", ProductID: "p2", ProductName: "Mug", TotalCents: 900, OrderDate: t0.Add(time.Hour)})
	mem.PutReview(models.Review{ID: "r1", UserID: "u1", ProductID: "p1", ProductName: "Tea", Rating: 5, CreatedAt: t0})

	drinks, err := svc.Products(ctx, " drinks ")
	require.NoError(t, err)
	require.Len(t, drinks, 1)
	assert.Equal(t, "Tea", drinks[0].Name)

	all, err := svc.Products(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	orders, err := svc.Orders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "o2", orders[0].ID)

	reviews, err := svc.Reviews(ctx, "u2")
	require.NoError(t, err)
	assert.NotNil(t, reviews)
	assert.Empty(t, reviews)
}

func TestStatsRequiresAdmin(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	mem.PutOrder(models.Order{ID: "o1", UserID: "u1", TotalCents: 1250})
	for _, email := range []string{"ada@example.com", "bob@example.com"} {
		_, err := mem.CreateUser(ctx, email, "hash")
		require.NoError(t, err)
	}
	// A profile is not an account; users are counted from accounts.
	mem.PutProfile(models.Profile{UserID: "orphan", Username: "orphan", FullName: "Orphan"})

	_, err := svc.Stats(ctx, auth.Identity{UserID: "u1"})
	assert.ErrorIs(t, err, ErrAdminOnly)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
	assert.Equal(t, 0, mem.Calls("Stats"))

	stats, err := svc.Stats(ctx, auth.Identity{UserID: "admin", IsAdmin: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Orders)
	assert.Equal(t, int64(1250), stats.RevenueCents)
	assert.Equal(t, int64(2), stats.Users)
}
