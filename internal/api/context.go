package api

import (
	"context"

	"github.com/org/credvault/internal/session"
	"github.com/org/credvault/pkg/models"
)

type contextKey string

const (
	ctxKeyToken      contextKey = "token"
	ctxKeyRequestID  contextKey = "request_id"
	ctxKeyAuditActor contextKey = "audit_actor"
)

func withToken(ctx context.Context, t *models.SessionToken) context.Context {
	return context.WithValue(ctx, ctxKeyToken, t)
}

func tokenFromCtx(ctx context.Context) *models.SessionToken {
	t, _ := ctx.Value(ctxKeyToken).(*models.SessionToken)
	return t
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// auditActor is a mutable holder the request-audit middleware plants before
// authentication runs, so the token resolved deeper in the chain is still
// visible when the trailing audit record is written.
type auditActor struct {
	token *models.SessionToken
}

func withAuditActor(ctx context.Context) (context.Context, *auditActor) {
	a := &auditActor{}
	return context.WithValue(ctx, ctxKeyAuditActor, a), a
}

func auditActorFromCtx(ctx context.Context) *auditActor {
	a, _ := ctx.Value(ctxKeyAuditActor).(*auditActor)
	return a
}

// identityFromCtx adapts the authenticated token for the session monitor.
func identityFromCtx(ctx context.Context) (session.Identity, bool) {
	t := tokenFromCtx(ctx)
	if t == nil {
		return session.Identity{}, false
	}
	return session.Identity{UserID: t.UserID, Email: t.Email, SessionID: t.ID}, true
}
