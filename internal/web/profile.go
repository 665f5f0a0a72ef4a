package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/linkstitch/authd/internal/authkit"
)

// HandleWhoAmI returns the authenticated principal's projection.
func HandleWhoAmI(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		profile, found := authkit.CurrentProfile(contextGin)
		if !found {
			logger.Warn("missing principal on context",
				zap.String("code", "api.me.missing_principal"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user": profile})
	}
}

// HandleUpdateProfile changes the caller's display name and username.
func HandleUpdateProfile(manager *authkit.SessionManager, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		current, found := authkit.CurrentProfile(contextGin)
		if !found {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		var inbound struct {
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
			Username  string `json:"username"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		updated, updateErr := manager.UpdateProfile(contextGin, current.ID, inbound.FirstName, inbound.LastName, inbound.Username)
		if updateErr != nil {
			status := authkit.HTTPStatus(updateErr)
			if status == http.StatusInternalServerError {
				logger.Error("profile update failed",
					zap.String("code", "api.profile.update_failed"),
					zap.String("principal_id", current.ID),
					zap.Error(updateErr))
				contextGin.AbortWithStatus(status)
				return
			}
			contextGin.AbortWithStatusJSON(status, gin.H{"error": "profile_update_rejected"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user": updated})
	}
}

// HandleChangePassword rotates the caller's local password.
func HandleChangePassword(manager *authkit.SessionManager, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		current, found := authkit.CurrentProfile(contextGin)
		if !found {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		var inbound struct {
			OldPassword string `json:"old_password"`
			NewPassword string `json:"new_password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if changeErr := manager.ChangePassword(contextGin, current.ID, inbound.OldPassword, inbound.NewPassword); changeErr != nil {
			status := authkit.HTTPStatus(changeErr)
			if status == http.StatusInternalServerError {
				logger.Error("password change failed",
					zap.String("code", "api.password.change_failed"),
					zap.String("principal_id", current.ID),
					zap.Error(changeErr))
				contextGin.AbortWithStatus(status)
				return
			}
			contextGin.AbortWithStatusJSON(status, gin.H{"error": "password_change_rejected"})
			return
		}
		contextGin.Status(http.StatusNoContent)
	}
}
