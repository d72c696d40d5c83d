package versioning

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
	"github.com/wagnerlima/memory-cloud/tracevault/internal/snapshot"
)

// ErrInvalidVersion is returned for a nil version or one the project does not hold.
var ErrInvalidVersion = errors.New("invalid project version")

// constraintMessages maps storage constraint identifiers to user-facing text.
// Order matters: the first identifier found in the error message wins.
var constraintMessages = []struct {
	constraint string
	message    string
}{
	{snapshot.ConstraintTraceLink, "A trace link between these artifacts already exists."},
	{snapshot.ConstraintArtifactType, "An artifact type with this name already exists in the project."},
	{snapshot.ConstraintArtifactName, "An artifact with this name already exists in the project."},
	{snapshot.ConstraintSnapshotVersion, "This entity already has a recorded change at this version."},
	{snapshot.ConstraintVersion, "This version already exists in the project."},
}

// ErrorCollector turns storage failures into CommitErrors.
type ErrorCollector struct{}

// Translate maps err to a CommitError. It never panics; a nil err yields an
// unclassified error.
func (ErrorCollector) Translate(err error) models.CommitError {
	if err == nil {
		return models.CommitError{
			Kind:        models.ErrorUnclassified,
			Description: "Unexpected error during commit: unknown error",
		}
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return models.CommitError{Kind: models.ErrorInvalid, Description: describeValidation(verrs)}
	}
	if errors.Is(err, snapshot.ErrNotFound) {
		return models.CommitError{Kind: models.ErrorNotFound, Description: "Entity not found in this project."}
	}

	msg := err.Error()
	for _, cm := range constraintMessages {
		if strings.Contains(msg, cm.constraint) {
			return models.CommitError{Kind: models.ErrorContentConflict, Description: cm.message}
		}
	}
	return models.CommitError{
		Kind:        models.ErrorUnclassified,
		Description: fmt.Sprintf("Unexpected error during commit: %s", msg),
	}
}

func describeValidation(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return "Invalid payload: " + strings.Join(parts, "; ")
}
