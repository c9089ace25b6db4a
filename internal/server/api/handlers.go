package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cloudzz-dev/cldzshop/internal/server/api/middleware"
	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/auth"
	"github.com/cloudzz-dev/cldzshop/internal/server/media"
	"github.com/cloudzz-dev/cldzshop/internal/server/storefront"
)

var (
	errMalformedBody = apperr.InvalidArg("malformed request body")
	errMissingFile   = apperr.InvalidArg("please select an image file")
	errOthersOrders  = apperr.Forbidden("you can only view your own orders")
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	auth  *auth.Service
	store *storefront.Service
}

func NewHandler(authSvc *auth.Service, store *storefront.Service) *Handler {
	return &Handler{auth: authSvc, store: store}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error maps err to its HTTP status. Internal causes are not exposed.
func (h *Handler) Error(w http.ResponseWriter, err error) {
	h.JSON(w, apperr.HTTPStatus(err), map[string]string{
		"error": apperr.Message(err),
		"code":  string(apperr.CodeOf(err)),
	})
}

func (h *Handler) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.InvalidArg("request body too large")
		}
		return errMalformedBody
	}
	return nil
}

func identity(r *http.Request) auth.Identity {
	id, _ := middleware.GetIdentity(r.Context())
	return id
}

// Auth

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := h.decode(r, &req); err != nil {
		h.Error(w, err)
		return
	}
	grant, err := h.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, grant)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := h.decode(r, &req); err != nil {
		h.Error(w, err)
		return
	}
	grant, err := h.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, grant)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.SignOut(r.Context(), middleware.GetToken(r.Context())); err != nil {
		h.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Profiles

func (h *Handler) GetMyProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Profile(r.Context(), identity(r).UserID)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, p)
}

func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var in storefront.ProfileInput
	if err := h.decode(r, &in); err != nil {
		h.Error(w, err)
		return
	}
	p, err := h.store.CreateProfile(r.Context(), identity(r), in)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, p)
}

func (h *Handler) UpdateMyProfile(w http.ResponseWriter, r *http.Request) {
	var in storefront.ProfileInput
	if err := h.decode(r, &in); err != nil {
		h.Error(w, err)
		return
	}
	p, err := h.store.UpdateProfile(r.Context(), identity(r).UserID, in)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, p)
}

// formFile reads the multipart file field. The caller closes Body when
// it is an io.Closer.
func formFile(r *http.Request, field string) (media.File, error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return media.File{}, errMissingFile
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return media.File{}, media.ErrTooLarge
		}
		return media.File{}, errMalformedBody
	}
	return media.File{
		Name:        hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Size:        hdr.Size,
		Body:        f,
	}, nil
}

func closeBody(f media.File) {
	if c, ok := f.Body.(io.Closer); ok {
		c.Close()
	}
}

func (h *Handler) UploadPhoto(w http.ResponseWriter, r *http.Request) {
	f, err := formFile(r, "photo")
	if err != nil {
		h.Error(w, err)
		return
	}
	defer closeBody(f)

	url, err := h.store.UploadPhoto(r.Context(), identity(r).UserID, f)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"url": url})
}

// Posts

func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := h.store.Posts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, posts)
}

func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	f, err := formFile(r, "image")
	if err != nil {
		h.Error(w, err)
		return
	}
	defer closeBody(f)

	post, err := h.store.CreatePost(r.Context(), identity(r).UserID, r.FormValue("caption"), f)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, post)
}

// Follows

func (h *Handler) Follow(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Follow(r.Context(), identity(r).UserID, chi.URLParam(r, "id")); err != nil {
		h.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Unfollow(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Unfollow(r.Context(), identity(r).UserID, chi.URLParam(r, "id")); err != nil {
		h.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Shop

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.store.Products(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, products)
}

// ListOrders is limited to the caller's own orders unless they are an
// admin.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	userID := chi.URLParam(r, "id")
	if userID != id.UserID && !id.IsAdmin {
		h.Error(w, errOthersOrders)
		return
	}
	orders, err := h.store.Orders(r.Context(), userID)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, orders)
}

func (h *Handler) ListReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := h.store.Reviews(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, reviews)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context(), identity(r))
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, stats)
}
