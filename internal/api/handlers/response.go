package handlers

import (
	"errors"
	"net/http"

	"wastesort-go/internal/api/middleware"
	"wastesort-go/internal/session"

	"github.com/gin-gonic/gin"
)

// statusForKind maps a session error kind to the HTTP status it is answered with
func statusForKind(kind session.Kind) int {
	switch kind {
	case session.KindValidation:
		return http.StatusBadRequest
	case session.KindConnectivity:
		return http.StatusServiceUnavailable
	case session.KindService:
		return http.StatusBadGateway
	case session.KindStateConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// localizeMessage translates one of the session's own messages. Text that
// came from the detection service is returned unchanged.
func localizeMessage(c *gin.Context, tr *middleware.Translator, msg string) string {
	if msg == "" || tr == nil {
		return msg
	}
	code := session.MessageCode(msg)
	if code == "" || !tr.Has("error."+code) {
		return msg
	}
	return tr.T(middleware.LanguageFrom(c), "error."+code)
}

// respondSessionError answers a rejected controller operation
func respondSessionError(c *gin.Context, tr *middleware.Translator, err error) {
	var se *session.Error
	if !errors.As(err, &se) {
		respondError(c, tr, http.StatusInternalServerError, "internal")
		return
	}
	c.JSON(statusForKind(se.Kind), gin.H{
		"error": localizeMessage(c, tr, se.Message),
		"kind":  se.Kind,
		"code":  session.CodeOf(err),
	})
}

// respondError answers with a translated "error.<code>" message
func respondError(c *gin.Context, tr *middleware.Translator, status int, code string) {
	msg := "error." + code
	if tr != nil {
		msg = tr.T(middleware.LanguageFrom(c), msg)
	}
	c.JSON(status, gin.H{"error": msg, "code": code})
}
