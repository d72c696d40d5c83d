// Package versioning records the history of artifacts and trace links across
// project versions and answers checkout and delta queries over that history.
package versioning

import "github.com/wagnerlima/memory-cloud/tracevault/internal/models"

// Classify decides the change kind of a write.
//
// prev is the entity's latest snapshot strictly before the target version and
// prevPayload its decoded content; both are nil when the entity has no earlier
// history. A nil incoming payload is a deletion request.
func Classify[P any](prev *models.VersionSnapshot, prevPayload *P, incoming *P, equal func(P, P) bool) models.ModificationType {
	if prev == nil {
		if incoming != nil {
			return models.Added
		}
		return models.NoModification
	}

	if incoming == nil {
		if prev.Type == models.Removed {
			return models.NoModification
		}
		return models.Removed
	}

	if prev.Type == models.Removed {
		return models.Added
	}
	if prevPayload != nil && equal(*prevPayload, *incoming) {
		return models.NoModification
	}
	return models.Modified
}
