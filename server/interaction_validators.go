package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"authzd/oauth"
	"authzd/store"
)

// interactionValidator checks interaction requests and resolves their
// challenges. Expired entities found on the way are removed before the
// error is returned.
type interactionValidator struct {
	validate *validator.Validate
	repos    *store.Repositories
	now      func() time.Time
}

func newInteractionValidator(repos *store.Repositories, now func() time.Time) *interactionValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("form"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &interactionValidator{validate: v, repos: repos, now: now}
}

// check validates the struct tags of req and reports the first violation as
// an invalid_request error.
func (iv *interactionValidator) check(req any) error {
	err := iv.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate interaction request: %w", err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required", "required_if":
		return missingParameter(fe.Field())
	case "oneof":
		return oauth.NewError(oauth.InvalidRequest, fmt.Sprintf("Unsupported %s %q.", fe.Field(), fe.Value()))
	default:
		return oauth.NewError(oauth.InvalidRequest, fmt.Sprintf("Invalid parameter %q.", fe.Field()))
	}
}

func (iv *interactionValidator) grantByLoginChallenge(ctx context.Context, challenge string) (*store.Grant, error) {
	grant, err := iv.repos.Grants.FindOneByLoginChallenge(ctx, challenge)
	return iv.liveGrant(ctx, grant, err, "login_challenge")
}

func (iv *interactionValidator) grantByConsentChallenge(ctx context.Context, challenge string) (*store.Grant, error) {
	grant, err := iv.repos.Grants.FindOneByConsentChallenge(ctx, challenge)
	return iv.liveGrant(ctx, grant, err, "consent_challenge")
}

func (iv *interactionValidator) liveGrant(ctx context.Context, grant *store.Grant, err error, param string) (*store.Grant, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, oauth.NewError(oauth.InvalidRequest, fmt.Sprintf("Invalid %s.", param))
	}
	if err != nil {
		return nil, fmt.Errorf("load grant: %w", err)
	}
	if grant.IsExpired(iv.now()) {
		if err := iv.repos.Grants.Remove(ctx, grant); err != nil {
			return nil, fmt.Errorf("remove grant: %w", err)
		}
		return nil, oauth.NewError(oauth.AccessDenied, "Expired Grant.")
	}
	return grant, nil
}

func (iv *interactionValidator) logoutTicket(ctx context.Context, challenge string) (*store.LogoutTicket, error) {
	ticket, err := iv.repos.LogoutTickets.FindOneByLogoutChallenge(ctx, challenge)
	if errors.Is(err, store.ErrNotFound) {
		return nil, oauth.NewError(oauth.InvalidRequest, "Invalid logout_challenge.")
	}
	if err != nil {
		return nil, fmt.Errorf("load logout ticket: %w", err)
	}
	if ticket.IsExpired(iv.now()) {
		if err := iv.repos.LogoutTickets.Remove(ctx, ticket); err != nil {
			return nil, fmt.Errorf("remove logout ticket: %w", err)
		}
		return nil, oauth.NewError(oauth.AccessDenied, "Expired Logout Ticket.")
	}
	return ticket, nil
}

func (iv *interactionValidator) session(ctx context.Context, id string) (*store.Session, error) {
	sess, err := iv.repos.Sessions.FindOne(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, oauth.NewError(oauth.InvalidRequest, "Invalid Session.")
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func (iv *interactionValidator) client(ctx context.Context, id string) (*store.Client, error) {
	client, err := iv.repos.Clients.FindOne(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, oauth.NewError(oauth.InvalidClient, "Invalid Client.")
	}
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}
	return client, nil
}

// activeLogin returns the live active login of sess, or nil.
func (iv *interactionValidator) activeLogin(ctx context.Context, sess *store.Session) (*store.Login, error) {
	if sess.ActiveLogin == "" {
		return nil, nil
	}
	logins, err := iv.liveLogins(ctx, sess)
	if err != nil {
		return nil, err
	}
	for _, l := range logins {
		if l.ID == sess.ActiveLogin {
			return l, nil
		}
	}
	return nil, nil
}

// liveLogins loads the logins of sess in order, dropping the ones that
// vanished or expired.
func (iv *interactionValidator) liveLogins(ctx context.Context, sess *store.Session) ([]*store.Login, error) {
	now := iv.now()
	var live []*store.Login
	changed := false
	for _, id := range append([]string(nil), sess.Logins...) {
		login, err := iv.repos.Logins.FindOne(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			sess.RemoveLogin(id)
			changed = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load login: %w", err)
		}
		if login.IsExpired(now) {
			if err := iv.repos.Logins.Remove(ctx, login); err != nil {
				return nil, fmt.Errorf("remove login: %w", err)
			}
			sess.RemoveLogin(id)
			changed = true
			continue
		}
		live = append(live, login)
	}
	if changed {
		if err := iv.repos.Sessions.Save(ctx, sess); err != nil {
			return nil, fmt.Errorf("save session: %w", err)
		}
	}
	return live, nil
}
