package aging

import (
	"fmt"
	"time"
)

// TargetYear computes the calendar year in which the subject would be
// targetAge years old, anchored on the photo's capture year (assumed to
// be the current year).
func TargetYear(now time.Time, estimatedAge, targetAge int) int {
	return now.Year() - estimatedAge + targetAge
}

// SynthesisPrompt builds the re-rendering prompt for a target age,
// embedding the computed target calendar year.
func SynthesisPrompt(now time.Time, estimatedAge, targetAge int) string {
	year := TargetYear(now, estimatedAge, targetAge)
	return fmt.Sprintf(
		"Edit this photo so the same person appears to be %d years old, as if photographed in the year %d. "+
			"Keep the identity, pose, framing and background unchanged. Photorealistic result only.",
		targetAge, year)
}
