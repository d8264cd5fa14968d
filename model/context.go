package model

import (
	"context"
	"errors"
	"slices"
)

// User roles recognised by the role-scoped realtime bundles.
const (
	RoleStudent          = "STUDENT"
	RoleBandDirector     = "BAND_DIRECTOR"
	RoleEquipmentManager = "EQUIPMENT_MANAGER"
	RoleSupervisor       = "SUPERVISOR"
)

// RequestContext is the verified caller of a request. Workflows record the
// caller by Email, so both SubjectID and Email are mandatory. It is not
// modified after the auth middleware builds it.
type RequestContext struct {
	SubjectID     string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string

	// Token is the raw bearer credential, forwarded to the schema source.
	Token string
}

// Validate reports every missing mandatory field.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if rc.Email == "" {
		errs = append(errs, errors.New("email is required"))
	}
	return errors.Join(errs...)
}

// HasRole reports whether the caller holds role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// Claim returns the raw value of claim key, or nil.
func (rc *RequestContext) Claim(key string) any {
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// TokenFrom returns the bearer token of the RequestContext in ctx, or "".
func TokenFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx.Token
	}
	return ""
}
